//go:build integration

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


package configdb

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
	"github.com/cardinalhq/confkeeper/testhelpers"
)

func newStore(t *testing.T) *RowStore {
	t.Helper()
	return &RowStore{pool: testhelpers.SetupTestDB(t), node: "test-node"}
}

func TestRowStoreCommitAndRollback(t *testing.T) {
	s := newStore(t)
	m := txn.NewManager()
	ctx := context.Background()

	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Lock(ctx))
		require.NoError(t, s.PutRow(ctx, "/r/d/a", []byte("a")))
		require.NoError(t, s.PutRow(ctx, "/r/d/a_b", []byte("ab")))
		require.NoError(t, s.PutRow(ctx, "/r/d/b", []byte("b")))

		blob, ok, err := s.GetRow(ctx, "/r/d/a")
		require.NoError(t, err)
		require.True(t, ok, "own writes are visible inside the unit")
		assert.Equal(t, []byte("a"), blob)

		_, ok, err = s.GetRow(context.Background(), "/r/d/a")
		require.NoError(t, err)
		assert.False(t, ok, "uncommitted writes stay private")
		return nil
	}))

	rows, err := s.LoadRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "/r/d/a", rows[0].Key)

	err = m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, s.DeletePrefix(ctx, "/r/d/a"))
		return errors.New("abort")
	})
	require.Error(t, err)
	rows, err = s.LoadRows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		return s.DeletePrefix(ctx, "/r/d/a")
	}))
	rows, err = s.LoadRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2, "the prefix match stops at segment boundaries")
	assert.Equal(t, "/r/d/a_b", rows[0].Key)
}

func TestRowStoreLockSerializesWriters(t *testing.T) {
	s := newStore(t)
	m := txn.NewManager()
	ctx := context.Background()

	var inside atomic.Int32
	var overlap atomic.Bool
	done := make(chan error, 2)
	for range 2 {
		go func() {
			done <- m.Run(ctx, func(ctx context.Context) error {
				if err := s.Lock(ctx); err != nil {
					return err
				}
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(100 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.False(t, overlap.Load())
}

func TestRowStoreMissingLockRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `DELETE FROM config_lock`)
	require.NoError(t, err)

	err = txn.NewManager().Run(ctx, func(ctx context.Context) error { return s.Lock(ctx) })
	require.ErrorIs(t, err, ErrLockRowMissing)
	require.ErrorIs(t, s.WaitForLockRow(ctx, 2, time.Millisecond), ErrLockRowMissing)
}

func TestPartitionedOverPostgres(t *testing.T) {
	c, err := codec.NewCBOR()
	require.NoError(t, err)
	p := storage.NewPartitioned(newStore(t), c)
	ctx := context.Background()

	path := nodes.MustParse("/dicomConfigurationRoot/dicomDevicesRoot/archive/dicomNetworkAE")
	node := map[string]any{"ARCHIVE": map[string]any{"dicomAETitle": "ARCHIVE", "port": int64(104)}}
	require.NoError(t, txn.NewManager().Run(ctx, func(ctx context.Context) error {
		return p.PersistNode(ctx, path, node)
	}))

	got, err := p.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, node, got)
}
