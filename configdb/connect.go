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


// Package configdb stores configuration partitions in Postgres.
package configdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/confkeeper/configdb/migrations"
	"github.com/cardinalhq/confkeeper/internal/dbopen"
)

// EnvPrefix names the CONFKEEPER_DB_* connection variables.
const EnvPrefix = "CONFKEEPER_DB"

// Connect opens the configuration database and checks its schema version.
func Connect(ctx context.Context, opts ...dbopen.Options) (*pgxpool.Pool, error) {
	connectionString, err := dbopen.GetDatabaseURLFromEnv(EnvPrefix)
	if err != nil {
		return nil, errors.Join(dbopen.ErrDatabaseNotConfigured, err)
	}

	pool, err := NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration database: %w", err)
	}

	var checkOptions []migrations.CheckOption
	for _, o := range opts {
		checkOptions = append(checkOptions, o.MigrationCheckOptions...)
	}
	if err := migrations.CheckVersion(ctx, pool, checkOptions...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("configuration database schema check failed: %w", err)
	}
	return pool, nil
}

// Open connects and wraps the pool in a RowStore that owns it.
func Open(ctx context.Context, node string, opts ...dbopen.Options) (*RowStore, error) {
	pool, err := Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewRowStore(pool, node), nil
}
