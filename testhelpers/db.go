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


// Package testhelpers sets up throwaway databases for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/confkeeper/configdb/migrations"
)

// SetupTestDB creates a fresh database next to CONFKEEPER_DB_DBNAME
// (default testing_confkeeper), migrates it and drops it when t ends.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()
	dbName := fmt.Sprintf("test_confkeeper_%d_%d", time.Now().Unix(), rand.IntN(10000))

	basePool, err := pgxpool.New(ctx, connString(getEnvOrDefault("CONFKEEPER_DB_DBNAME", "testing_confkeeper")))
	if err != nil {
		t.Fatalf("Failed to connect to base database: %v", err)
	}
	if _, err := basePool.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		basePool.Close()
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	testPool, err := pgxpool.New(ctx, connString(dbName))
	if err != nil {
		basePool.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		testPool.Close()
		if _, err := basePool.Exec(context.Background(), "DROP DATABASE IF EXISTS "+dbName); err != nil {
			slog.Error("Failed to drop test database", slog.String("dbName", dbName), slog.Any("error", err))
		}
		basePool.Close()
	})

	if err := migrations.RunMigrationsUp(ctx, testPool); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return testPool
}

func connString(dbName string) string {
	u := &url.URL{
		Scheme: "postgresql",
		Host:   getEnvOrDefault("CONFKEEPER_DB_HOST", "localhost") + ":" + getEnvOrDefault("CONFKEEPER_DB_PORT", "5432"),
		Path:   dbName,
	}
	user := getEnvOrDefault("CONFKEEPER_DB_USER", os.Getenv("USER"))
	if password := os.Getenv("CONFKEEPER_DB_PASSWORD"); password != "" {
		u.User = url.UserPassword(user, password)
		u.RawQuery = "sslmode=disable"
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
