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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// txStore runs each batch as one unit of work.
type txStore struct {
	storage.Configuration
	m *txn.Manager
}

func (s *txStore) RunBatch(ctx context.Context, fn storage.BatchFunc) error {
	return s.m.Run(ctx, func(ctx context.Context) error {
		return s.Configuration.RunBatch(ctx, fn)
	})
}

func newStore(t *testing.T) *txStore {
	t.Helper()
	c, err := codec.NewCBOR()
	require.NoError(t, err)
	return &txStore{Configuration: storage.NewPartitioned(storage.NewMemoryRows(), c), m: txn.NewManager()}
}

func seedMetadata(t *testing.T, store storage.Configuration, md *Metadata) {
	t.Helper()
	require.NoError(t, store.RunBatch(context.Background(), func(ctx context.Context) error {
		return persistMetadata(ctx, store, md)
	}))
}

var devicePath = nodes.MustParse("/dicomConfigurationRoot/dicomDevicesRoot/archive/dicomDescription")

func TestFixUpsRunInOrderOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedMetadata(t, store, &Metadata{
		Version: "1.0",
		Scripts: map[string]*ScriptMetadata{"devices": {LastVersionExecuted: "1.0"}},
	})

	var ran []string
	fixUp := func(v string) FixUp {
		return FixUp{Version: v, Apply: func(ctx context.Context, env *Env) error {
			ran = append(ran, v)
			return env.Store.PersistNode(ctx, devicePath, "fixed up to "+v)
		}}
	}
	registry := NewRegistry(&Definition{
		ScriptName:    "devices",
		ScriptVersion: "2.0",
		Run:           func(context.Context, *Env) error { ran = append(ran, "first"); return nil },
		Steps:         []FixUp{fixUp("2.0"), fixUp("1.1"), fixUp("0.9"), fixUp("1.2"), fixUp("2.1")},
	})
	settings := &Settings{UpgradeToVersion: "2.0", UpgradeScriptsToRun: []string{"devices"}}

	runner := NewRunner(store, registry, settings, Options{Deployment: "node-a"})
	require.NoError(t, runner.Run(ctx))
	assert.Equal(t, []string{"1.1", "1.2", "2.0"}, ran)

	md, err := LoadMetadata(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "2.0", md.Version)
	assert.Equal(t, "2.0", md.Scripts["devices"].LastVersionExecuted)
	got, err := store.GetConfigurationNode(ctx, devicePath)
	require.NoError(t, err)
	assert.Equal(t, "fixed up to 2.0", got)

	ran = nil
	require.NoError(t, runner.Run(ctx))
	assert.Empty(t, ran, "a second run performs no steps")
}

func TestFirstRunAndOrdering(t *testing.T) {
	store := newStore(t)
	var ran []string
	record := func(label string) StepFunc {
		return func(context.Context, *Env) error { ran = append(ran, label); return nil }
	}
	registry := NewRegistry(
		&Definition{ScriptName: "com.example.Second", ScriptVersion: "1.0", Run: record("second")},
		&Definition{ScriptName: "com.example.First", ScriptVersion: "1.0", Run: record("first")},
	)
	settings := &Settings{
		UpgradeToVersion:    "1.0",
		UpgradeScriptsToRun: []string{"com.example.First", "com.example.Sec"},
	}
	require.NoError(t, NewRunner(store, registry, settings, Options{}).Run(context.Background()))
	assert.Equal(t, []string{"first", "second"}, ran, "declaration order wins, names match by prefix")

	md, err := LoadMetadata(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "1.0", md.Scripts["com.example.Sec"].LastVersionExecuted)
}

func TestLookupPrefersExactThenFirstPrefixMatch(t *testing.T) {
	registry := NewRegistry(
		&Definition{ScriptName: "com.example.ArchiveDevice", ScriptVersion: "1.0"},
		&Definition{ScriptName: "com.example.Archive", ScriptVersion: "1.0"},
		&Definition{ScriptName: "com.example.ArchiveStorage", ScriptVersion: "1.0"},
	)

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"com.example.Archive", "com.example.Archive", true},
		{"com.example.ArchiveS", "com.example.ArchiveStorage", true},
		{"com.example.Arch", "com.example.ArchiveDevice", true},
		{"com.example.Other", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := registry.Lookup(tt.name)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, s.Name())
			}
		})
	}
}

func TestPrefixEntryRunsOneScript(t *testing.T) {
	store := newStore(t)
	var ran []string
	record := func(label string) StepFunc {
		return func(context.Context, *Env) error { ran = append(ran, label); return nil }
	}
	registry := NewRegistry(
		&Definition{ScriptName: "com.example.DeviceA", ScriptVersion: "1.0", Run: record("a")},
		&Definition{ScriptName: "com.example.DeviceB", ScriptVersion: "1.0", Run: record("b")},
	)
	settings := &Settings{
		UpgradeToVersion:    "1.0",
		UpgradeScriptsToRun: []string{"com.example.Device"},
	}
	require.NoError(t, NewRunner(store, registry, settings, Options{}).Run(context.Background()))
	assert.Equal(t, []string{"a"}, ran, "one settings entry maps to one metadata record")

	md, err := LoadMetadata(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "1.0", md.Scripts["com.example.Device"].LastVersionExecuted)
}

func TestRegressionIsSkipped(t *testing.T) {
	store := newStore(t)
	seedMetadata(t, store, &Metadata{
		Version: "3.0",
		Scripts: map[string]*ScriptMetadata{"devices": {LastVersionExecuted: "3.0"}},
	})
	called := false
	registry := NewRegistry(&Definition{
		ScriptName:    "devices",
		ScriptVersion: "2.0",
		Steps:         []FixUp{{Version: "2.0", Apply: func(context.Context, *Env) error { called = true; return nil }}},
	})
	settings := &Settings{UpgradeToVersion: "3.1", UpgradeScriptsToRun: []string{"devices"}}
	require.NoError(t, NewRunner(store, registry, settings, Options{}).Run(context.Background()))
	assert.False(t, called)

	md, err := LoadMetadata(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "3.1", md.Version)
	assert.Equal(t, "3.0", md.Scripts["devices"].LastVersionExecuted)
}

func TestDeprecatedVersionsAreRemapped(t *testing.T) {
	store := newStore(t)
	seedMetadata(t, store, &Metadata{
		Version: "legacy",
		Scripts: map[string]*ScriptMetadata{"devices": {LastVersionExecuted: "7.x-legacy"}},
	})
	var ran []string
	registry := NewRegistry(&Definition{
		ScriptName:    "devices",
		ScriptVersion: "8.0",
		Steps: []FixUp{
			{Version: "7.5", Apply: func(context.Context, *Env) error { ran = append(ran, "7.5"); return nil }},
			{Version: "8.0", Apply: func(context.Context, *Env) error { ran = append(ran, "8.0"); return nil }},
		},
	})
	settings := &Settings{
		UpgradeToVersion:    "8.0",
		UpgradeScriptsToRun: []string{"devices"},
		DeprecatedVersions:  map[string]string{"7.x-legacy": "7.4"},
	}
	require.NoError(t, NewRunner(store, registry, settings, Options{}).Run(context.Background()))
	assert.Equal(t, []string{"7.5", "8.0"}, ran)
}

func TestFailedStepPersistsNothing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	registry := NewRegistry(
		&Definition{ScriptName: "writes", ScriptVersion: "1.0", Run: func(ctx context.Context, env *Env) error {
			return env.Store.PersistNode(ctx, devicePath, "partial")
		}},
		&Definition{ScriptName: "fails", ScriptVersion: "1.0", Run: func(context.Context, *Env) error { return boom }},
	)
	settings := &Settings{UpgradeToVersion: "1.0", UpgradeScriptsToRun: []string{"writes", "fails"}}

	err := NewRunner(store, registry, settings, Options{}).Run(ctx)
	var ue *UpgradeError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Step, "fails")
	require.ErrorIs(t, err, boom)

	got, err := store.GetConfigurationNode(ctx, devicePath)
	require.NoError(t, err)
	assert.Nil(t, got)
	md, err := LoadMetadata(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestMissingScript(t *testing.T) {
	store := newStore(t)
	settings := &Settings{UpgradeToVersion: "1.0", UpgradeScriptsToRun: []string{"nowhere"}}

	err := NewRunner(store, nil, settings, Options{}).Run(context.Background())
	var ue *UpgradeError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "nowhere", ue.Step)

	settings.IgnoreMissingUpgradeScripts = true
	require.NoError(t, NewRunner(store, nil, settings, Options{}).Run(context.Background()))
	md, err := LoadMetadata(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "1.0", md.Version)
}

func TestNothingToDoWithoutSettings(t *testing.T) {
	store := newStore(t)
	require.NoError(t, NewRunner(store, nil, nil, Options{}).Run(context.Background()))
	require.NoError(t, NewRunner(store, nil, &Settings{}, Options{}).Run(context.Background()))
	md, err := LoadMetadata(context.Background(), store)
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestIsLeader(t *testing.T) {
	tests := []struct {
		runner, deployment string
		want               bool
	}{
		{"", "anything", true},
		{"archive-1", "archive-1", true},
		{"archive", "archive-2", true},
		{"archive-1", "archive-2", false},
	}
	for _, tt := range tests {
		r := NewRunner(nil, nil, &Settings{ActiveUpgradeRunnerDeployment: tt.runner}, Options{Deployment: tt.deployment})
		assert.Equal(t, tt.want, r.IsLeader(), "%s vs %s", tt.runner, tt.deployment)
	}
}

func TestFollowerTimesOut(t *testing.T) {
	store := newStore(t)
	seedMetadata(t, store, &Metadata{Version: "1.0"})
	settings := &Settings{UpgradeToVersion: "2.0", ActiveUpgradeRunnerDeployment: "leader"}
	runner := NewRunner(store, nil, settings, Options{
		Deployment:     "follower",
		PassiveTimeout: 2 * time.Second,
		PollInterval:   time.Second,
	})

	start := time.Now()
	err := runner.Run(context.Background())
	elapsed := time.Since(start)

	var te *VersionWaitTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "2.0", te.Expected)
	assert.Equal(t, "1.0", te.Observed)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestFollowerSeesLeader(t *testing.T) {
	store := newStore(t)
	settings := &Settings{UpgradeToVersion: "2.0", ActiveUpgradeRunnerDeployment: "leader"}
	follower := NewRunner(store, nil, settings, Options{
		Deployment:     "follower",
		PassiveTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		SettleDelay:    20 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- follower.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	leader := NewRunner(store, nil, settings, Options{Deployment: "leader-0"})
	require.True(t, leader.IsLeader())
	require.NoError(t, leader.Run(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not observe the upgrade")
	}
}

func TestParseSettings(t *testing.T) {
	s, err := ParseSettings([]byte(`
upgradeToVersion: "8.2"
upgradeScriptsToRun: [devices, aes]
activeUpgradeRunnerDeployment: archive
ignoreMissingUpgradeScripts: true
deprecatedVersions:
  "8.0-legacy": "8.0"
properties:
  region: east
devices:
  defaultCharset: UTF-8
`))
	require.NoError(t, err)
	assert.Equal(t, "8.2", s.UpgradeToVersion)
	assert.Equal(t, []string{"devices", "aes"}, s.UpgradeScriptsToRun)
	assert.Equal(t, "archive", s.ActiveUpgradeRunnerDeployment)
	assert.True(t, s.IgnoreMissingUpgradeScripts)
	assert.Equal(t, "8.0", s.resolve("8.0-legacy"))
	assert.Equal(t, "east", s.Properties["region"])
	assert.Equal(t, map[string]any{"defaultCharset": "UTF-8"}, s.scriptConfig("devices"))
	assert.Nil(t, s.scriptConfig("aes"))
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("UPGRADE_SETTINGS_DOC", `{"upgradeToVersion": "1.0"}`)
	s, err := LoadSettings("env:UPGRADE_SETTINGS_DOC")
	require.NoError(t, err)
	assert.Equal(t, "1.0", s.UpgradeToVersion)

	_, err = LoadSettings("env:UPGRADE_SETTINGS_MISSING")
	require.Error(t, err)
}
