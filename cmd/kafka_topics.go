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
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/confkeeper/config"
	"github.com/cardinalhq/confkeeper/internal/fly"
)

func init() {
	var (
		topicsFile string
		fix        bool
	)
	cmd := &cobra.Command{
		Use:   "kafka-topics",
		Short: "Check or create the change event topic",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load app config: %w", err)
			}
			if topicsFile == "" {
				topicsFile = os.Getenv("KAFKA_TOPICS_FILE")
			}

			topicsConfig := fly.DefaultTopicsConfig(cfg.Fly.Topic)
			if topicsFile != "" {
				slog.Info("Loading Kafka topics configuration", slog.String("file", topicsFile))
				if topicsConfig, err = fly.LoadTopicsConfig(topicsFile); err != nil {
					return fmt.Errorf("failed to load Kafka topics file: %w", err)
				}
			}

			ctx, cancel := handleSignals(c.Context())
			defer cancel()
			return fly.NewFactory(&cfg.Fly).CreateTopicSyncer().SyncTopics(ctx, topicsConfig, fix)
		},
	}
	cmd.Flags().StringVar(&topicsFile, "file", "", "kafka-sync topics file (default: the change topic only)")
	cmd.Flags().BoolVar(&fix, "fix", false, "Create missing topics and correct drifted settings")
	rootCmd.AddCommand(cmd)
}
