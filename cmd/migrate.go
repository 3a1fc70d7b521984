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


package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/confkeeper/configdb"
	"github.com/cardinalhq/confkeeper/configdb/migrations"
	"github.com/cardinalhq/confkeeper/internal/dbopen"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Run configuration database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			return migrate()
		},
	})
}

func migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := configdb.Connect(ctx, dbopen.SkipMigrationCheck())
	if err != nil {
		if errors.Is(err, dbopen.ErrDatabaseNotConfigured) {
			slog.Info("Configuration database not configured, skipping migration")
			return nil
		}
		return err
	}
	defer pool.Close()

	if err := migrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate configuration database: %w", err)
	}
	slog.Info("Configuration database migrations completed successfully")
	return nil
}
