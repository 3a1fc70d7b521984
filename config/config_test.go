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


package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.NotEmpty(t, cfg.Node.Name)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "local", cfg.Cache.Backend)
	require.True(t, cfg.Features.IntegrityCheck)
	require.False(t, cfg.Fly.Enabled)
	require.Equal(t, 300*time.Second, cfg.Upgrade.Runner.PassiveTimeout)
	require.Equal(t, 8090, cfg.Health.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONFKEEPER_NODE_NAME", "node-a")
	t.Setenv("CONFKEEPER_NODE_DEPLOYMENT", "archive-blue")
	t.Setenv("CONFKEEPER_STORE_BACKEND", "postgres")
	t.Setenv("CONFKEEPER_STORE_REMOTE_URL", "http://leader:8090")
	t.Setenv("CONFKEEPER_FEATURES_OPTIMISTIC_LOCKING", "false")
	t.Setenv("CONFKEEPER_CACHE_BACKEND", "consul")
	t.Setenv("CONFKEEPER_CACHE_READY_INTERVAL", "250ms")
	t.Setenv("CONFKEEPER_UPGRADE_SETTINGS", "env:UPGRADE_SETTINGS")
	t.Setenv("CONFKEEPER_UPGRADE_RUNNER_PASSIVE_TIMEOUT", "2s")
	t.Setenv("CONFKEEPER_HEALTH_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "node-a", cfg.Node.Name)
	require.Equal(t, "postgres", cfg.Store.Backend)
	require.Equal(t, "http://leader:8090", cfg.Store.Remote.URL)
	require.False(t, cfg.Features.OptimisticLocking)
	require.True(t, cfg.Features.Notifications)
	require.Equal(t, "consul", cfg.Cache.Backend)
	require.Equal(t, 250*time.Millisecond, cfg.Cache.ReadyInterval)
	require.Equal(t, "env:UPGRADE_SETTINGS", cfg.Upgrade.Settings)
	require.Equal(t, 2*time.Second, cfg.Upgrade.Runner.PassiveTimeout)
	require.Equal(t, "archive-blue", cfg.Upgrade.Runner.Deployment, "the node deployment is the default")
	require.Equal(t, 9000, cfg.Health.Port)
}

func TestKafkaEnvVars(t *testing.T) {
	t.Setenv("CONFKEEPER_FLY_ENABLED", "true")
	t.Setenv("CONFKEEPER_FLY_BROKERS", "kafka-broker1:9092,kafka-broker2:9092")
	t.Setenv("CONFKEEPER_FLY_SASL_ENABLED", "true")
	t.Setenv("CONFKEEPER_FLY_SASL_USERNAME", "kafka-user")
	t.Setenv("CONFKEEPER_FLY_TOPIC", "archive.changes")

	cfg, err := Load()
	require.NoError(t, err)

	require.True(t, cfg.Fly.Enabled)
	require.Equal(t, []string{"kafka-broker1:9092", "kafka-broker2:9092"}, cfg.Fly.Brokers)
	require.True(t, cfg.Fly.SASLEnabled)
	require.Equal(t, "kafka-user", cfg.Fly.SASLUsername)
	require.Equal(t, "archive.changes", cfg.Fly.Topic)
}
