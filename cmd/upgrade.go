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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/confkeeper/config"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the stored configuration and exit",
		Long: `Run the upgrade scripts named by the upgrade settings. A node outside the
active runner deployment waits for the leader to finish instead.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, doneFx, err := setupTelemetry("confkeeper-upgrade", cfg.Node.Name)
			if err != nil {
				return err
			}
			defer func() { _ = doneFx() }()

			a, err := openApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.runUpgrade(ctx); err != nil {
				return fmt.Errorf("configuration upgrade failed: %w", err)
			}
			slog.Info("Configuration upgrade finished")
			return nil
		},
	})
}
