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

// Package dcache holds the key/value cache shared by the nodes of a
// cluster, and the store layer that keeps partition rows in it.
//
// The cache is derived state. Entries is not an atomic snapshot: under
// concurrent commits a scan may mix rows from before and after a commit.
// Writers publish their rows only after commit while holding the store's
// writer lock, so a scan taken under that lock is consistent; unlocked
// readers accept a best-effort view.
package dcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardinalhq/confkeeper/internal/logctx"
)

// Cache is a string-keyed map of opaque values.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Entries(ctx context.Context) (map[string][]byte, error)
	// Ping reports whether the cache can serve requests.
	Ping(ctx context.Context) error
}

// Provider hands out independent named caches backed by one technology.
type Provider interface {
	Named(name string) (Cache, error)
	Close() error
}

var ErrNotReady = errors.New("distributed cache is not ready")

const (
	DefaultReadyAttempts = 60
	DefaultReadyInterval = time.Second
)

// WaitReady pings c until it answers, sleeping interval between attempts.
func WaitReady(ctx context.Context, c Cache, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	logger := logctx.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = c.Ping(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		logger.Info("Distributed cache not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", attempts),
			slog.Any("error", lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrNotReady, attempts, lastErr)
}
