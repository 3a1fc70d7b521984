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

package dualcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

func newLayer(t *testing.T) (*Layer, *storage.Partitioned) {
	t.Helper()
	c, err := codec.NewCBOR()
	require.NoError(t, err)
	backend := storage.NewPartitioned(storage.NewMemoryRows(), c)
	l := New(backend)
	require.NoError(t, l.Init(context.Background()))
	return l, backend
}

func TestRoundTripDoesNotAlias(t *testing.T) {
	l, _ := newLayer(t)
	m := txn.NewManager()
	path := nodes.MustParse("/dicomConfigurationRoot/dicomDevicesRoot/dev1/dicomNetworkAE")
	ae := map[string]any{
		"AE1": map[string]any{"dicomAETitle": "AE1", "ports": []any{int64(104), int64(11112)}},
	}

	require.NoError(t, m.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, l.PersistNode(ctx, path, ae))

		got, err := l.GetConfigurationNode(ctx, path)
		require.NoError(t, err)
		assert.True(t, nodes.Equal(ae, got))

		// scribbling on the returned copy must not reach the writer tree
		got.(map[string]any)["AE1"].(map[string]any)["dicomAETitle"] = "MUTATED"
		again, err := l.GetConfigurationNode(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "AE1", again.(map[string]any)["AE1"].(map[string]any)["dicomAETitle"])

		// nor may the caller's own map
		ae["AE1"].(map[string]any)["dicomAETitle"] = "CHANGED"
		again, err = l.GetConfigurationNode(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "AE1", again.(map[string]any)["AE1"].(map[string]any)["dicomAETitle"])
		return nil
	}))

	root, err := l.GetConfigurationRoot(context.Background())
	require.NoError(t, err)
	root["dicomConfigurationRoot"] = "gone"
	got, err := l.GetConfigurationNode(context.Background(), path.Append("AE1", "dicomAETitle"))
	require.NoError(t, err)
	assert.Equal(t, "AE1", got)
}

func TestTransactionIsolation(t *testing.T) {
	l, _ := newLayer(t)
	m := txn.NewManager()
	ctx := context.Background()
	x := nodes.MustParse("/r/devices/dev1/port")

	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		return l.PersistNode(ctx, x, int64(1))
	}))

	written := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(ctx context.Context) error {
			if err := l.PersistNode(ctx, x, int64(2)); err != nil {
				return err
			}
			got, err := l.GetConfigurationNode(ctx, x)
			if err != nil {
				return err
			}
			assert.Equal(t, int64(2), got, "writer sees its own write")
			close(written)
			<-release
			return nil
		})
	}()

	<-written
	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		got, err := l.GetConfigurationNode(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got, "uncommitted write visible to another transaction")
		return nil
	}))

	close(release)
	require.NoError(t, <-done)

	got, err := l.GetConfigurationNode(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestRollbackKeepsReaderSnapshot(t *testing.T) {
	l, backend := newLayer(t)
	m := txn.NewManager()
	ctx := context.Background()
	x := nodes.MustParse("/r/devices/dev1/port")

	err := m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.PersistNode(ctx, x, int64(7)))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	ok, err := l.NodeExists(ctx, x)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = backend.NodeExists(ctx, x)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriterLockSerializesTransactions(t *testing.T) {
	l, _ := newLayer(t)
	m := txn.NewManager()
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(ctx context.Context) error {
			if err := l.Lock(ctx); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := m.Run(waitCtx, func(ctx context.Context) error {
		return l.Lock(ctx)
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.Lock(ctx))
		return l.Lock(ctx)
	}))
}

func TestRefreshNodeReadsBehindCache(t *testing.T) {
	l, backend := newLayer(t)
	ctx := context.Background()
	path := nodes.MustParse("/r/devices/dev2/name")

	require.NoError(t, backend.PersistNode(ctx, path, "dev2"))
	ok, err := l.NodeExists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.RefreshNode(ctx, path))
	got, err := l.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "dev2", got)

	require.NoError(t, backend.RemoveNode(ctx, path))
	require.NoError(t, l.RefreshNode(ctx, path))
	ok, err = l.NodeExists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.PersistNode(ctx, nodes.MustParse("/r/other/x/y"), true))
	require.NoError(t, l.RefreshNode(ctx, nodes.Path{}))
	got, err = l.GetConfigurationNode(ctx, nodes.MustParse("/r/other/x/y"))
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestSearchReturnsCopies(t *testing.T) {
	l, _ := newLayer(t)
	m := txn.NewManager()
	ctx := context.Background()
	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		for _, name := range []string{"a", "b"} {
			if err := l.PersistNode(ctx, nodes.MustParse("/r/devices/"+name+"/info"), map[string]any{"name": name}); err != nil {
				return err
			}
		}
		return nil
	}))

	q, err := nodes.ParseQuery("/r/devices/*/info")
	require.NoError(t, err)
	matches, err := l.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	matches[0].Node.(map[string]any)["name"] = "changed"

	got, err := l.GetConfigurationNode(ctx, nodes.MustParse("/r/devices/a/info/name"))
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}
