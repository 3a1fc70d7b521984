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

	"github.com/spf13/cobra"

	"github.com/cardinalhq/confkeeper/internal/integrity"
)

func init() {
	var recoverDuplicates bool
	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the UUID reference index from the stored tree",
		Long: `Rebuild the UUID reference index. The rebuild fails if two nodes share a
UUID; with --recover the first node in key order is kept and the others
are reported.`,
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c, true, func(ctx context.Context, a *app) error {
				if !recoverDuplicates {
					if err := a.store.RebuildIndex(ctx); err != nil {
						return err
					}
					slog.Info("Reference index rebuilt")
					return nil
				}
				dups, err := a.store.RecoverIndex(ctx)
				if err != nil {
					return err
				}
				for _, d := range dups {
					fmt.Fprintln(c.OutOrStdout(), d.Error())
				}
				slog.Info("Reference index recovered", slog.Int("duplicates", len(dups)))
				return nil
			})
		},
	}
	reindexCmd.Flags().BoolVar(&recoverDuplicates, "recover", false, "Keep the first node of each duplicated UUID instead of failing")
	rootCmd.AddCommand(reindexCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the stored configuration",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c, false, func(ctx context.Context, a *app) error {
				err := a.store.CheckIntegrity(ctx)
				var violation *integrity.IntegrityViolationError
				if errors.As(err, &violation) {
					for _, v := range violation.Violations() {
						fmt.Fprintln(c.OutOrStdout(), v.Error())
					}
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "configuration is consistent")
				return nil
			})
		},
	})
}
