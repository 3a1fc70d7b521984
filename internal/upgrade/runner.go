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


package upgrade

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// Options control leader election and the follower wait.
type Options struct {
	// Deployment is this node's deployment name, matched by prefix
	// against Settings.ActiveUpgradeRunnerDeployment.
	Deployment     string        `mapstructure:"deployment"`
	PassiveTimeout time.Duration `mapstructure:"passive_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

func DefaultOptions() Options {
	return Options{
		PassiveTimeout: 300 * time.Second,
		PollInterval:   time.Second,
		SettleDelay:    5 * time.Second,
	}
}

// Runner upgrades the configuration held by store.
type Runner struct {
	store    storage.Configuration
	registry *Registry
	settings *Settings
	opts     Options
}

// NewRunner builds a runner. A nil settings makes Run a no-op.
func NewRunner(store storage.Configuration, registry *Registry, settings *Settings, opts Options) *Runner {
	def := DefaultOptions()
	if opts.PassiveTimeout <= 0 {
		opts.PassiveTimeout = def.PassiveTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runner{store: store, registry: registry, settings: settings, opts: opts}
}

// IsLeader reports whether this node runs the upgrade itself. With no
// runner deployment configured every node is a leader.
func (r *Runner) IsLeader() bool {
	runner := r.settings.ActiveUpgradeRunnerDeployment
	return runner == "" || strings.HasPrefix(r.opts.Deployment, runner)
}

// Run upgrades to the target version, or waits for the leader to.
func (r *Runner) Run(ctx context.Context) error {
	ll := logctx.Component(ctx, "upgrade")
	if r.settings == nil {
		ll.Info("No upgrade settings, configuration upgrade skipped")
		return nil
	}
	if r.settings.UpgradeToVersion == "" {
		ll.Warn("Upgrade settings have no target version, configuration upgrade skipped")
		return nil
	}
	ctx = logctx.WithLogger(ctx, ll)
	if r.IsLeader() {
		return r.upgrade(ctx)
	}
	return r.waitForVersion(ctx)
}

type step struct {
	label       string
	script      string
	scriptIndex int
	version     string
	run         StepFunc
}

type plan struct {
	steps []step
	// reached is the version each scheduled script ends up at.
	reached map[string]string
}

func (r *Runner) plan(ctx context.Context, md *Metadata) (*plan, error) {
	ll := logctx.FromContext(ctx)
	p := &plan{reached: map[string]string{}}

	for idx, name := range r.settings.UpgradeScriptsToRun {
		script, ok := r.registry.Lookup(name)
		if !ok {
			if r.settings.IgnoreMissingUpgradeScripts {
				ll.Warn("Missing upgrade script ignored, do not ignore missing scripts in production",
					slog.String("script", name))
				continue
			}
			return nil, &UpgradeError{Step: name, Err: fmt.Errorf("upgrade script %q is not registered", name)}
		}

		current := r.settings.resolve(script.Version())
		if current == "" {
			current = NoVersion
			ll.Warn("Upgrade script declares no version", slog.String("script", name), slog.String("using", NoVersion))
		}
		last := r.settings.resolve(md.script(name).LastVersionExecuted)

		if last == "" {
			p.steps = append(p.steps, step{
				label:       fmt.Sprintf("%s %s (first run)", name, current),
				script:      name,
				scriptIndex: idx,
				version:     current,
				run:         script.Upgrade,
			})
			p.reached[name] = current
			continue
		}

		switch c := compareVersions(last, current); {
		case c == 0:
			ll.Debug("Upgrade script is current", slog.String("script", name), slog.String("version", current))
		case c > 0:
			ll.Warn("Upgrade script is older than the version it last ran, skipped",
				slog.String("script", name),
				slog.String("version", current),
				slog.String("lastVersionExecuted", last))
		default:
			for _, fu := range script.FixUps() {
				v := r.settings.resolve(fu.Version)
				if compareVersions(v, last) <= 0 || compareVersions(v, current) > 0 {
					continue
				}
				p.steps = append(p.steps, step{
					label:       fmt.Sprintf("%s %s (fix-up)", name, v),
					script:      name,
					scriptIndex: idx,
					version:     v,
					run:         fu.Apply,
				})
			}
			p.reached[name] = current
		}
	}

	slices.SortStableFunc(p.steps, func(a, b step) int {
		return cmp.Or(cmp.Compare(a.scriptIndex, b.scriptIndex), compareVersions(a.version, b.version))
	})
	return p, nil
}

func (r *Runner) upgrade(ctx context.Context) error {
	ll := logctx.FromContext(ctx)
	to := r.settings.UpgradeToVersion

	err := r.store.RunBatch(ctx, func(ctx context.Context) error {
		md, err := LoadMetadata(ctx, r.store)
		if err != nil {
			return &UpgradeError{Step: "load metadata", Err: err}
		}
		if md == nil {
			md = &Metadata{}
		}
		if md.Version == "" {
			md.Version = NoVersion
		}
		from := md.Version

		p, err := r.plan(ctx, md)
		if err != nil {
			return err
		}
		if len(p.steps) == 0 && len(p.reached) == 0 && from == to {
			ll.Info("Configuration is already at the target version", slog.String("version", to))
			return nil
		}

		ll.Info("Upgrading configuration",
			slog.String("from", from),
			slog.String("to", to),
			slog.Int("steps", len(p.steps)))

		for _, s := range p.steps {
			if s.run == nil {
				continue
			}
			env := &Env{
				FromVersion:  from,
				ToVersion:    to,
				Properties:   r.settings.Properties,
				ScriptConfig: r.settings.scriptConfig(s.script),
				Store:        r.store,
				Script:       md.script(s.script),
				Metadata:     md,
			}
			ll.Info("Running upgrade step", slog.String("step", s.label))
			if err := s.run(ctx, env); err != nil {
				upgradeSteps.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", false)))
				return &UpgradeError{Step: s.label, Err: err}
			}
			upgradeSteps.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", true)))
		}

		for name, v := range p.reached {
			md.script(name).LastVersionExecuted = v
		}
		md.Version = to
		if err := persistMetadata(ctx, r.store, md); err != nil {
			return &UpgradeError{Step: "persist metadata", Err: err}
		}
		return nil
	})
	if err != nil {
		var ue *UpgradeError
		if !errors.As(err, &ue) {
			err = &UpgradeError{Err: err}
		}
		return err
	}
	ll.Info("Configuration upgrade completed", slog.String("version", to))
	return nil
}

// waitForVersion polls the stored metadata until it shows the target
// version, then waits SettleDelay for other nodes' caches to catch up.
func (r *Runner) waitForVersion(ctx context.Context) error {
	ll := logctx.FromContext(ctx)
	expected := r.settings.UpgradeToVersion
	ll.Info("Waiting for another deployment to upgrade the configuration",
		slog.String("deployment", r.opts.Deployment),
		slog.String("runner", r.settings.ActiveUpgradeRunnerDeployment),
		slog.String("expected", expected),
		slog.Duration("timeout", r.opts.PassiveTimeout))

	start := time.Now()
	observed := ""
	for {
		md, err := LoadMetadata(ctx, r.store)
		if err != nil {
			return err
		}
		if md != nil {
			observed = md.Version
		}
		if observed == expected {
			ll.Info("Detected the expected configuration version",
				slog.String("version", expected),
				slog.Duration("settle", r.opts.SettleDelay))
			return sleep(ctx, r.opts.SettleDelay)
		}

		waited := time.Since(start)
		if waited >= r.opts.PassiveTimeout {
			return &VersionWaitTimeoutError{Expected: expected, Observed: observed, Waited: waited}
		}
		if err := sleep(ctx, min(r.opts.PollInterval, r.opts.PassiveTimeout-waited)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
