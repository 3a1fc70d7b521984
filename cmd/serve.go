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
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/confkeeper/config"
	"github.com/cardinalhq/confkeeper/internal/healthcheck"
	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/remote"
)

const (
	readyStore   = "store"
	readyUpgrade = "upgrade"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the configuration store",
		Long: `Open the store, run the configured upgrade, then serve the configuration API
and health probes while applying change events from other nodes.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, doneFx, err := setupTelemetry("confkeeper", cfg.Node.Name)
			if err != nil {
				return err
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()
			return serve(ctx, cfg)
		},
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	ll := logctx.Component(ctx, "serve")
	ctx = logctx.WithLogger(ctx, ll)

	health := healthcheck.NewServer(cfg.Health)
	health.SetReadyCondition(readyStore, false)
	health.SetReadyCondition(readyUpgrade, false)

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			ll.Warn("Error closing configuration store", slog.Any("error", err))
		}
	}()
	health.Mount("/config/", otelhttp.NewHandler(remote.NewHandler(a.store), "config"))
	health.SetReadyCondition(readyStore, true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Start(gctx) })
	if a.kafka != nil {
		g.Go(func() error { return a.kafka.Run(gctx, a.store.Broker()) })
	}
	g.Go(func() error {
		if err := a.runUpgrade(gctx); err != nil {
			health.SetStatus(healthcheck.StatusUnhealthy)
			return err
		}
		health.SetReadyCondition(readyUpgrade, true)
		health.SetStatus(healthcheck.StatusHealthy)
		ll.Info("Configuration store ready",
			slog.String("backend", cfg.Store.Backend),
			slog.Bool("kafka", a.kafka != nil))
		return nil
	})

	if err := g.Wait(); err != nil {
		ll.Error("Serve stopped", slog.Any("error", err))
		return err
	}
	ll.Info("Serve stopped")
	return nil
}
