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


package dcache

import (
	"fmt"
	"time"
)

// Config selects the cache technology shared by the nodes.
type Config struct {
	// Backend is "local" (one process) or "consul" (shared KV).
	Backend       string        `mapstructure:"backend"`
	Consul        ConsulConfig  `mapstructure:"consul"`
	ReadyAttempts int           `mapstructure:"ready_attempts"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
}

func DefaultConfig() Config {
	return Config{
		Backend:       "local",
		Consul:        DefaultConsulConfig(),
		ReadyAttempts: DefaultReadyAttempts,
		ReadyInterval: DefaultReadyInterval,
	}
}

// NewProvider builds the provider named by cfg.Backend.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalProvider(), nil
	case "consul":
		return NewConsulProvider(cfg.Consul)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
