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


package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envPrefix = "CONFKEEPER_DB_MIGRATION_CHECK"

// CheckVersion verifies that the schema behind pool matches the embedded
// migrations. Environment settings override the defaults and opts
// override both.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, opts ...CheckOption) error {
	o := resolveCheckOptions(opts)
	if o.Mode == CheckModeSkip {
		slog.Debug("Configuration schema check skipped")
		return nil
	}
	expected, err := latestVersion(migrationFiles)
	if err != nil {
		return err
	}
	return waitForVersion(ctx, expected, func(context.Context) (uint, bool, error) {
		return currentVersion(pool)
	}, o)
}

func resolveCheckOptions(opts []CheckOption) CheckOptions {
	o := DefaultCheckOptions()
	switch strings.ToLower(os.Getenv(envPrefix)) {
	case "warn":
		o.Mode = CheckModeWarn
	case "skip", "false":
		o.Mode = CheckModeSkip
	case "wait", "true":
		o.Mode = CheckModeWait
	}
	if d, err := time.ParseDuration(os.Getenv(envPrefix + "_TIMEOUT")); err == nil {
		o.Timeout = d
	}
	if d, err := time.ParseDuration(os.Getenv(envPrefix + "_RETRY_INTERVAL")); err == nil && d > 0 {
		o.RetryInterval = d
	}
	if b, err := strconv.ParseBool(os.Getenv(envPrefix + "_ALLOW_DIRTY")); err == nil {
		o.AllowDirty = b
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// latestVersion is the highest numeric prefix among the *.up.sql files.
func latestVersion(files fs.FS) (uint, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}
	var latest uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		latest = max(latest, v)
	}
	if latest == 0 {
		return 0, errors.New("no migration files found")
	}
	return uint(latest), nil
}

func currentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrator(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}

type versionFunc func(ctx context.Context) (uint, bool, error)

func waitForVersion(ctx context.Context, expected uint, current versionFunc, o CheckOptions) error {
	deadline := time.Now().Add(o.Timeout)
	for {
		version, dirty, err := current(ctx)
		if err != nil {
			return err
		}
		if dirty && !o.AllowDirty {
			return fmt.Errorf("configuration schema version %d is dirty", version)
		}
		if version == expected {
			slog.Info("Configuration schema version check passed", slog.Uint64("version", uint64(version)))
			return nil
		}
		if version > expected {
			return fmt.Errorf("configuration schema version %d is newer than %d, upgrade confkeeper", version, expected)
		}

		if o.Mode == CheckModeWarn {
			slog.Warn("Configuration schema is behind, continuing",
				slog.Uint64("current_version", uint64(version)),
				slog.Uint64("expected_version", uint64(expected)))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for configuration schema: version %d, expected %d", version, expected)
		}

		slog.Info("Waiting for configuration schema migrations",
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining", time.Until(deadline)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.RetryInterval):
		}
	}
}
