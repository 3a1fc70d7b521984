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

package dcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

type flakyCache struct {
	*Local
	failPuts  atomic.Bool
	pingFails atomic.Int32
	pings     atomic.Int32
}

func (f *flakyCache) Put(ctx context.Context, key string, value []byte) error {
	if f.failPuts.Load() {
		return errors.New("put refused")
	}
	return f.Local.Put(ctx, key, value)
}

func (f *flakyCache) Ping(context.Context) error {
	if f.pings.Add(1) <= f.pingFails.Load() {
		return errors.New("no leader")
	}
	return nil
}

func newTestLayer(t *testing.T) (*Layer, *storage.Partitioned, *flakyCache) {
	t.Helper()
	c, err := codec.NewCBOR()
	require.NoError(t, err)
	backend := storage.NewPartitioned(storage.NewMemoryRows(), c)
	cache := &flakyCache{Local: NewLocal()}
	l := NewLayer(backend, cache, c)
	l.ReadyInterval = time.Millisecond
	return l, backend, cache
}

func TestLayerInitLoadsBackend(t *testing.T) {
	ctx := context.Background()
	l, backend, cache := newTestLayer(t)
	require.NoError(t, backend.PersistNode(ctx, nodes.MustParse("/r/devices/dev1/name"), "dev1"))
	require.NoError(t, backend.PersistNode(ctx, nodes.MustParse("/r/devices/dev2/name"), "dev2"))

	require.NoError(t, l.Init(ctx))
	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	assert.Contains(t, entries, populatedKey)
	assert.Contains(t, entries, "/r/devices/dev1")
	assert.Contains(t, entries, "/r/devices/dev2")

	got, err := l.GetConfigurationNode(ctx, nodes.MustParse("/r/devices/dev2/name"))
	require.NoError(t, err)
	assert.Equal(t, "dev2", got)

	// a populated cache is trusted on the next start
	require.NoError(t, backend.PersistNode(ctx, nodes.MustParse("/r/devices/dev3/name"), "dev3"))
	require.NoError(t, l.Init(ctx))
	ok, err := l.NodeExists(ctx, nodes.MustParse("/r/devices/dev3"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLayerWaitsForCache(t *testing.T) {
	ctx := context.Background()
	l, _, cache := newTestLayer(t)
	cache.pingFails.Store(2)
	require.NoError(t, l.Init(ctx))
	assert.Equal(t, int32(3), cache.pings.Load())

	l, _, cache = newTestLayer(t)
	cache.pingFails.Store(100)
	l.ReadyAttempts = 3
	err := l.Init(ctx)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, int32(3), cache.pings.Load())
}

func TestLayerPublishesOnCommitOnly(t *testing.T) {
	ctx := context.Background()
	m := txn.NewManager()
	l, _, cache := newTestLayer(t)
	require.NoError(t, l.Init(ctx))
	path := nodes.MustParse("/r/devices/dev1/port")

	err := m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.Lock(ctx))
		require.NoError(t, l.PersistNode(ctx, path, 104))
		got, err := l.GetConfigurationNode(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, int64(104), got)

		_, ok, err := cache.Local.Get(ctx, "/r/devices/dev1")
		require.NoError(t, err)
		assert.False(t, ok, "uncommitted row leaked into the shared cache")
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	ok, err := l.NodeExists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.Lock(ctx))
		return l.PersistNode(ctx, path, 11112)
	}))
	got, err := l.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(11112), got)
}

func TestLayerRemoveAndSearch(t *testing.T) {
	ctx := context.Background()
	l, backend, _ := newTestLayer(t)
	require.NoError(t, l.Init(ctx))

	var depthErr *storage.InvalidPathDepthError
	require.ErrorAs(t, l.PersistNode(ctx, nodes.MustParse("/r/devices/dev1"), map[string]any{}), &depthErr)
	for _, name := range []string{"dev1", "dev2"} {
		require.NoError(t, l.PersistNode(ctx, nodes.MustParse("/r/devices/"+name+"/body"),
			map[string]any{"name": name, "kind": "archive"}))
	}
	q, err := nodes.ParseQuery("/r/devices/*/body[name='dev2']")
	require.NoError(t, err)
	matches, err := l.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "/r/devices/dev2/body", matches[0].Path.String())

	require.NoError(t, l.RemoveNode(ctx, nodes.MustParse("/r/devices")))
	root, err := l.GetConfigurationRoot(ctx)
	require.NoError(t, err)
	assert.False(t, nodes.Exists(root, nodes.MustParse("/r/devices/dev1")))

	full, err := backend.GetFullTree(ctx)
	require.NoError(t, err)
	assert.False(t, nodes.Exists(full, nodes.MustParse("/r/devices/dev1")))
}

func TestLayerRefreshNode(t *testing.T) {
	ctx := context.Background()
	l, backend, _ := newTestLayer(t)
	require.NoError(t, l.Init(ctx))

	// written behind the cache, as another node would
	require.NoError(t, backend.PersistNode(ctx, nodes.MustParse("/r/devices/dev9/name"), "dev9"))
	ok, err := l.NodeExists(ctx, nodes.MustParse("/r/devices/dev9/name"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.RefreshNode(ctx, nodes.MustParse("/r/devices/dev9/name")))
	got, err := l.GetConfigurationNode(ctx, nodes.MustParse("/r/devices/dev9/name"))
	require.NoError(t, err)
	assert.Equal(t, "dev9", got)

	require.NoError(t, backend.RemoveNode(ctx, nodes.MustParse("/r/devices")))
	require.NoError(t, l.RefreshNode(ctx, nodes.Path{}))
	ok, err = l.NodeExists(ctx, nodes.MustParse("/r/devices/dev9"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxViewApplyFailureReloads(t *testing.T) {
	ctx := context.Background()
	m := txn.NewManager()
	l, backend, cache := newTestLayer(t)
	require.NoError(t, l.Init(ctx))

	path := nodes.MustParse("/r/devices/dev1/name")
	cache.failPuts.Store(true)
	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.Lock(ctx))
		return l.PersistNode(ctx, path, "dev1")
	}))

	// the failed publish cleared the cache instead of leaving it half applied
	_, populated, err := cache.Get(ctx, populatedKey)
	require.NoError(t, err)
	assert.False(t, populated)

	cache.failPuts.Store(false)
	require.NoError(t, l.Init(ctx))
	got, err := l.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "dev1", got)

	stored, err := backend.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "dev1", stored)
}
