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

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceSubtree() map[string]any {
	return map[string]any{
		"dicomDeviceName": "dev1",
		"dicomInstalled":  true,
		"port":            int64(11112),
		"negative":        int64(-7),
		"ratio":           float64(0.25),
		"nothing":         nil,
		"titles":          []any{"AE1", "AE2"},
		"dicomNetworkAE": map[string]any{
			"AE1": map[string]any{"_.uuid": "a1b2", "dicomAETitle": "AE1"},
		},
	}
}

func TestCodecsPreserveNodes(t *testing.T) {
	cb, err := NewCBOR()
	require.NoError(t, err)

	for _, c := range []Codec{cb, NewMsgpack()} {
		t.Run(c.Name(), func(t *testing.T) {
			in := deviceSubtree()
			data, err := c.Marshal(in)
			require.NoError(t, err)

			out, err := c.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	cb, err := NewCBOR()
	require.NoError(t, err)

	a, err := cb.Marshal(deviceSubtree())
	require.NoError(t, err)
	for range 10 {
		b, err := cb.Marshal(deviceSubtree())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestNew(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	c, err = New("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = New("xml")
	assert.Error(t, err)
}
