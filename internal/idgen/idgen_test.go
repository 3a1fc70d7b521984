// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package idgen

import (
	"errors"
	"testing"

	"github.com/sony/sonyflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlakeGeneratorFallsBackToHostMachineID(t *testing.T) {
	g, err := newFlakeGenerator(func() (uint16, error) {
		return 0, errors.New("no private ip address")
	})
	require.NoError(t, err)

	want, err := HostMachineID()
	require.NoError(t, err)

	id := g.NextID()
	assert.Positive(t, id)
	assert.Equal(t, uint64(want), sonyflake.MachineID(uint64(id)))
}

func TestFlakeGeneratorUsesGivenMachineID(t *testing.T) {
	g, err := newFlakeGenerator(func() (uint16, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sonyflake.MachineID(uint64(g.NextID())))
}

func TestHostMachineIDIsStable(t *testing.T) {
	a, err := HostMachineID()
	require.NoError(t, err)
	b, err := HostMachineID()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNewTxIDIsMonotonic(t *testing.T) {
	prev := NewTxID()
	for range 100 {
		next := NewTxID()
		assert.Less(t, prev, next)
		prev = next
	}
}
