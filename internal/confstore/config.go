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


package confstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cardinalhq/confkeeper/configdb"
	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/remote"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// Config selects and tunes the persistence backend.
type Config struct {
	// Backend is one of memory, postgres, bolt, file or remote.
	Backend  string        `mapstructure:"backend"`
	Codec    string        `mapstructure:"codec"`
	BoltPath string        `mapstructure:"bolt_path"`
	FilePath string        `mapstructure:"file_path"`
	Remote   remote.Config `mapstructure:"remote"`
	// LockAttempts bounds the wait for the database lock row at startup.
	LockAttempts int           `mapstructure:"lock_attempts"`
	LockInterval time.Duration `mapstructure:"lock_interval"`
}

// Features switch optional layers on and off.
type Features struct {
	OptimisticLocking bool `mapstructure:"optimistic_locking"`
	IntegrityCheck    bool `mapstructure:"integrity_check"`
	Notifications     bool `mapstructure:"notifications"`
	ExtensionMerge    bool `mapstructure:"extension_merge"`
}

func DefaultConfig() Config {
	return Config{
		Backend:      "memory",
		Codec:        "cbor",
		BoltPath:     "confkeeper.db",
		FilePath:     "confkeeper.json",
		Remote:       remote.DefaultConfig(),
		LockAttempts: 60,
		LockInterval: time.Second,
	}
}

func DefaultFeatures() Features {
	return Features{
		OptimisticLocking: true,
		IntegrityCheck:    true,
		Notifications:     true,
		ExtensionMerge:    true,
	}
}

// OpenBackend opens the backend selected by cfg. node names this process
// to backends that record lock holders.
func OpenBackend(ctx context.Context, cfg Config, node string) (storage.Backend, error) {
	switch cfg.Backend {
	case "file":
		return storage.OpenDocument(cfg.FilePath)
	case "remote":
		return remote.NewClient(cfg.Remote)
	}

	c, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}
	var rows storage.RowStore
	switch cfg.Backend {
	case "", "memory":
		rows = storage.NewMemoryRows()
	case "bolt":
		if rows, err = storage.OpenBoltRows(cfg.BoltPath); err != nil {
			return nil, err
		}
	case "postgres":
		pg, err := configdb.Open(ctx, node)
		if err != nil {
			return nil, err
		}
		if err := pg.WaitForLockRow(ctx, cfg.LockAttempts, cfg.LockInterval); err != nil {
			_ = pg.Close()
			return nil, err
		}
		rows = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	return storage.NewPartitioned(rows, c), nil
}
