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
	crand "crypto/rand"
	"errors"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sony/sonyflake"
)

var DefaultFlakeGenerator *SonyFlakeGenerator

func init() {
	var err error
	DefaultFlakeGenerator, err = NewFlakeGenerator()
	if err != nil {
		panic(err)
	}
}

type SonyFlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewFlakeGenerator uses the private IPv4 address as machine id, or the
// hostname when the host has none.
func NewFlakeGenerator() (*SonyFlakeGenerator, error) {
	return newFlakeGenerator(nil)
}

func newFlakeGenerator(machineID func() (uint16, error)) (*SonyFlakeGenerator, error) {
	settings := sonyflake.Settings{
		StartTime: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: machineID,
	}
	sf, err := sonyflake.New(settings)
	if err != nil {
		settings.MachineID = HostMachineID
		if sf, err = sonyflake.New(settings); err != nil {
			return nil, err
		}
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &SonyFlakeGenerator{sf: sf}, nil
}

// HostMachineID is the low 16 bits of the hostname hash.
func HostMachineID() (uint16, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "confkeeper"
	}
	return uint16(xxhash.Sum64String(host)), nil
}

// NextID returns a positive int64 that increases roughly in time order.
func (sf *SonyFlakeGenerator) NextID() int64 {
	v, err := sf.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(crand.Reader, 0)
)

// NewTxID returns a sortable identifier for a unit of work.
func NewTxID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Now(), ulidEntropy).String()
}

// NewEventID returns a random identifier for a change event.
func NewEventID() string {
	return uuid.NewString()
}

// DefaultNodeName derives a cluster node identity from the hostname and a
// process-unique flake id.
func DefaultNodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + strconv.FormatInt(DefaultFlakeGenerator.NextID(), 36)
}
