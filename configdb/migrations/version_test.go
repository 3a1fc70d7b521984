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


package migrations

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersionOfEmbeddedFiles(t *testing.T) {
	got, err := latestVersion(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, uint(1760600100), got)
}

func TestLatestVersion(t *testing.T) {
	files := fstest.MapFS{
		"10_a.up.sql":   {Data: []byte("")},
		"10_a.down.sql": {Data: []byte("")},
		"30_c.up.sql":   {Data: []byte("")},
		"99_z.down.sql": {Data: []byte("")},
		"junk_x.up.sql": {Data: []byte("")},
		"readme.md":     {Data: []byte("")},
	}
	got, err := latestVersion(files)
	require.NoError(t, err)
	assert.Equal(t, uint(30), got)

	_, err = latestVersion(fstest.MapFS{})
	require.Error(t, err)
}

func TestResolveCheckOptions(t *testing.T) {
	o := resolveCheckOptions(nil)
	assert.Equal(t, DefaultCheckOptions(), o)

	t.Setenv(envPrefix, "warn")
	t.Setenv(envPrefix+"_TIMEOUT", "30s")
	t.Setenv(envPrefix+"_RETRY_INTERVAL", "2s")
	t.Setenv(envPrefix+"_ALLOW_DIRTY", "true")
	o = resolveCheckOptions(nil)
	assert.Equal(t, CheckModeWarn, o.Mode)
	assert.Equal(t, 30*time.Second, o.Timeout)
	assert.Equal(t, 2*time.Second, o.RetryInterval)
	assert.True(t, o.AllowDirty)

	o = resolveCheckOptions([]CheckOption{WithCheckMode(CheckModeSkip), WithTimeout(time.Second)})
	assert.Equal(t, CheckModeSkip, o.Mode)
	assert.Equal(t, time.Second, o.Timeout)
}

func sequence(versions ...uint) (versionFunc, *int) {
	calls := 0
	return func(context.Context) (uint, bool, error) {
		v := versions[min(calls, len(versions)-1)]
		calls++
		return v, false, nil
	}, &calls
}

func TestWaitForVersion(t *testing.T) {
	fast := CheckOptions{Mode: CheckModeWait, Timeout: time.Second, RetryInterval: time.Millisecond}

	t.Run("catches up", func(t *testing.T) {
		fn, calls := sequence(1, 1, 2)
		require.NoError(t, waitForVersion(context.Background(), 2, fn, fast))
		assert.Equal(t, 3, *calls)
	})

	t.Run("newer schema", func(t *testing.T) {
		fn, _ := sequence(3)
		require.Error(t, waitForVersion(context.Background(), 2, fn, fast))
	})

	t.Run("warn continues", func(t *testing.T) {
		fn, calls := sequence(1)
		o := fast
		o.Mode = CheckModeWarn
		require.NoError(t, waitForVersion(context.Background(), 2, fn, o))
		assert.Equal(t, 1, *calls)
	})

	t.Run("times out", func(t *testing.T) {
		fn, _ := sequence(1)
		o := fast
		o.Timeout = 5 * time.Millisecond
		require.Error(t, waitForVersion(context.Background(), 2, fn, o))
	})

	t.Run("dirty", func(t *testing.T) {
		dirty := func(context.Context) (uint, bool, error) { return 2, true, nil }
		require.Error(t, waitForVersion(context.Background(), 2, dirty, fast))
		o := fast
		o.AllowDirty = true
		require.NoError(t, waitForVersion(context.Background(), 2, dirty, o))
	})

	t.Run("lookup error", func(t *testing.T) {
		boom := errors.New("boom")
		fail := func(context.Context) (uint, bool, error) { return 0, false, boom }
		require.ErrorIs(t, waitForVersion(context.Background(), 2, fail, fast), boom)
	})
}
