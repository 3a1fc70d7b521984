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

	"github.com/cardinalhq/confkeeper/config"
	"github.com/cardinalhq/confkeeper/internal/confstore"
	"github.com/cardinalhq/confkeeper/internal/dcache"
	"github.com/cardinalhq/confkeeper/internal/fly"
	"github.com/cardinalhq/confkeeper/internal/notify"
	"github.com/cardinalhq/confkeeper/internal/upgrade"
)

// app is an opened store with everything it depends on.
type app struct {
	cfg    *config.Config
	store  *confstore.Store
	caches dcache.Provider
	// kafka is set when change events travel over Kafka; serve runs its
	// consumer loop.
	kafka *notify.KafkaBus
}

// openApp opens the backend, the caches and, when withBus is set and
// Kafka is enabled, the change event bus, then initializes the store.
func openApp(ctx context.Context, cfg *config.Config, withBus bool) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	backend, err := confstore.OpenBackend(ctx, cfg.Store, cfg.Node.Name)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
	}

	if a.caches, err = dcache.NewProvider(cfg.Cache); err != nil {
		_ = backend.Close()
		return nil, err
	}

	var broker *notify.Broker
	if cfg.Features.Notifications && withBus && cfg.Fly.Enabled {
		if a.kafka, err = notify.NewKafkaBus(fly.NewFactory(&cfg.Fly), cfg.Node.Name); err != nil {
			_ = backend.Close()
			return nil, err
		}
		broker = notify.NewBroker(cfg.Node.Name, a.kafka)
	}

	if a.store, err = confstore.New(confstore.Options{
		Node:          cfg.Node.Name,
		Backend:       backend,
		Caches:        a.caches,
		Broker:        broker,
		Features:      cfg.Features,
		ReadyAttempts: cfg.Cache.ReadyAttempts,
		ReadyInterval: cfg.Cache.ReadyInterval,
	}); err != nil {
		_ = backend.Close()
		return nil, err
	}

	if err := a.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize configuration store: %w", err)
	}
	ok = true
	return a, nil
}

// runUpgrade runs the configured upgrade, or waits for the node that does.
func (a *app) runUpgrade(ctx context.Context) error {
	if a.cfg.Upgrade.Settings == "" {
		slog.Info("No upgrade settings configured, configuration upgrade skipped")
		return nil
	}
	settings, err := upgrade.LoadSettings(a.cfg.Upgrade.Settings)
	if err != nil {
		return fmt.Errorf("load upgrade settings: %w", err)
	}
	return upgrade.NewRunner(a.store, upgrade.Builtin(), settings, a.cfg.Upgrade.Runner).Run(ctx)
}

func (a *app) Close() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.caches != nil {
		errs = append(errs, a.caches.Close())
	}
	return errors.Join(errs...)
}
