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
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// populatedKey marks a cache that holds a full copy of the tree. It does
// not start with "/" so it never collides with a row key.
const populatedKey = "#populated"

// Layer keeps the tree in a distributed cache as one entry per partition
// row, so nodes can serve reads without going to the backend.
//
// Rows are split at the partition depth. A non-map node above that depth
// gets a row of its own, which only happens for backends that accept
// shallow writes.
type Layer struct {
	inner storage.Configuration
	rows  *TxView
	codec codec.Codec
	level int

	ReadyAttempts int
	ReadyInterval time.Duration
}

var _ storage.Configuration = (*Layer)(nil)

func NewLayer(inner storage.Configuration, c Cache, cdc codec.Codec) *Layer {
	l := &Layer{
		inner:         inner,
		rows:          NewTxView(c),
		codec:         cdc,
		level:         storage.Level,
		ReadyAttempts: DefaultReadyAttempts,
		ReadyInterval: DefaultReadyInterval,
	}
	l.rows.OnApplyError = l.invalidate
	return l
}

// Init waits for the cache to answer and loads the tree into it unless
// another node already did.
func (l *Layer) Init(ctx context.Context) error {
	if err := WaitReady(ctx, l.rows, l.ReadyAttempts, l.ReadyInterval); err != nil {
		return err
	}
	_, populated, err := l.rows.Get(ctx, populatedKey)
	if err != nil {
		return storage.WrapError("cache read", nil, err)
	}
	if populated {
		return nil
	}
	logctx.FromContext(ctx).Info("Distributed cache is empty, loading configuration tree")
	return l.reload(ctx)
}

func (l *Layer) reload(ctx context.Context) error {
	root, err := l.inner.GetConfigurationRoot(ctx)
	if err != nil {
		return err
	}
	if err := l.rows.Clear(ctx); err != nil {
		return storage.WrapError("cache clear", nil, err)
	}
	if err := l.putRows(ctx, nil, root); err != nil {
		return err
	}
	return storage.WrapError("cache write", nil, l.rows.Put(ctx, populatedKey, []byte{1}))
}

func (l *Layer) invalidate(ctx context.Context, cause error) {
	logger := logctx.FromContext(ctx)
	logger.Warn("Reloading distributed cache after a partial update", slog.Any("cause", cause))
	if err := l.reload(ctx); err != nil {
		// an unpopulated cache is reloaded by the next node that starts
		logger.Error("Distributed cache reload failed", slog.Any("error", err))
		_ = l.rows.Underlying().Clear(ctx)
	}
}

func isRowKey(key string) bool {
	return strings.HasPrefix(key, "/")
}

func (l *Layer) decodeRow(key string, blob []byte) (any, error) {
	node, err := l.codec.Unmarshal(blob)
	if err != nil {
		return nil, storage.WrapError("cache decode", nil, fmt.Errorf("row %s: %w", key, err))
	}
	return node, nil
}

func (l *Layer) getRow(ctx context.Context, key string) (any, bool, error) {
	blob, ok, err := l.rows.Get(ctx, key)
	if err != nil {
		return nil, false, storage.WrapError("cache read", nil, err)
	}
	if !ok {
		return nil, false, nil
	}
	node, err := l.decodeRow(key, blob)
	return node, err == nil, err
}

func (l *Layer) putRow(ctx context.Context, key string, node any) error {
	blob, err := l.codec.Marshal(node)
	if err != nil {
		return storage.WrapError("cache encode", nil, err)
	}
	return storage.WrapError("cache write", nil, l.rows.Put(ctx, key, blob))
}

// putRows writes node, found at base, as the rows it splits into.
func (l *Layer) putRows(ctx context.Context, base nodes.Path, node any) error {
	m, isMap := node.(map[string]any)
	if base.Len() >= l.level || (!isMap && !base.IsRoot()) {
		return l.putRow(ctx, base.String(), node)
	}
	for _, k := range nodes.SortedKeys(m) {
		if err := l.putRows(ctx, base.Append(k), m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) deleteRows(ctx context.Context, prefix nodes.Path) error {
	entries, err := l.rows.Entries(ctx)
	if err != nil {
		return storage.WrapError("cache scan", prefix, err)
	}
	p := prefix.String()
	for key := range entries {
		if isRowKey(key) && storage.KeyHasPrefix(key, p) {
			if err := l.rows.Delete(ctx, key); err != nil {
				return storage.WrapError("cache delete", prefix, err)
			}
		}
	}
	return nil
}

// dropShallowRows removes rows above the partition depth that a write at
// path replaces, such as a scalar that becomes a map.
func (l *Layer) dropShallowRows(ctx context.Context, path nodes.Path) error {
	for i := 1; i < path.Len() && i < l.level; i++ {
		key := path.Truncate(i).String()
		if _, ok, err := l.rows.Get(ctx, key); err != nil {
			return storage.WrapError("cache read", path, err)
		} else if ok {
			if err := l.rows.Delete(ctx, key); err != nil {
				return storage.WrapError("cache delete", path, err)
			}
		}
	}
	return nil
}

func (l *Layer) stitch(ctx context.Context) (map[string]any, error) {
	entries, err := l.rows.Entries(ctx)
	if err != nil {
		return nil, storage.WrapError("cache scan", nil, err)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		if isRowKey(key) {
			keys = append(keys, key)
		}
	}
	// an escaped ancestor is a string prefix of its descendants, so shallow
	// rows sort first and deeper rows land inside them
	slices.Sort(keys)

	root := map[string]any{}
	for _, key := range keys {
		p, err := nodes.Parse(key)
		if err != nil {
			return nil, storage.WrapError("cache scan", nil, fmt.Errorf("bad row key %q: %w", key, err))
		}
		node, err := l.decodeRow(key, entries[key])
		if err != nil {
			return nil, err
		}
		root = nodes.Replace(root, p, node)
	}
	return root, nil
}

func (l *Layer) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	return l.stitch(ctx)
}

func (l *Layer) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	node, _, err := l.getNode(ctx, path)
	return node, err
}

func (l *Layer) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	_, ok, err := l.getNode(ctx, path)
	return ok, err
}

func (l *Layer) getNode(ctx context.Context, path nodes.Path) (any, bool, error) {
	if path.Len() < l.level {
		root, err := l.stitch(ctx)
		if err != nil {
			return nil, false, err
		}
		node, ok := nodes.Get(root, path)
		return node, ok, nil
	}
	row, ok, err := l.getRow(ctx, path.Truncate(l.level).String())
	if err != nil || !ok {
		return nil, false, err
	}
	node, ok := nodes.Get(row, path[l.level:])
	return node, ok, nil
}

// PersistNode writes through to the inner layer, then updates the rows the
// write touched.
func (l *Layer) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if err := l.inner.PersistNode(ctx, path, node); err != nil {
		return err
	}
	node = nodes.DeepCopy(nodes.Normalize(node))

	if path.Len() <= l.level {
		if err := l.dropShallowRows(ctx, path); err != nil {
			return err
		}
		if err := l.deleteRows(ctx, path); err != nil {
			return err
		}
		return l.putRows(ctx, path, node)
	}

	key := path.Truncate(l.level).String()
	row, ok, err := l.getRow(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		if err := l.dropShallowRows(ctx, path); err != nil {
			return err
		}
	}
	m, isMap := row.(map[string]any)
	if !isMap {
		m = map[string]any{}
	}
	m = nodes.Replace(m, path[l.level:], node)
	return l.putRow(ctx, key, m)
}

func (l *Layer) RemoveNode(ctx context.Context, path nodes.Path) error {
	if err := l.inner.RemoveNode(ctx, path); err != nil {
		return err
	}
	if path.Len() <= l.level {
		return l.deleteRows(ctx, path)
	}

	key := path.Truncate(l.level).String()
	row, ok, err := l.getRow(ctx, key)
	if err != nil || !ok {
		return err
	}
	m, isMap := row.(map[string]any)
	if !isMap || !nodes.Remove(m, path[l.level:]) {
		return nil
	}
	if len(m) == 0 {
		return storage.WrapError("cache delete", path, l.rows.Delete(ctx, key))
	}
	return l.putRow(ctx, key, m)
}

// RefreshNode reloads the subtree at path from the inner layer. Refreshing
// the root reloads the whole cache.
func (l *Layer) RefreshNode(ctx context.Context, path nodes.Path) error {
	if err := l.inner.RefreshNode(ctx, path); err != nil {
		return err
	}
	if path.IsRoot() {
		return l.reload(ctx)
	}

	node, err := l.inner.GetConfigurationNode(ctx, path)
	if err != nil {
		return err
	}
	exists, err := l.inner.NodeExists(ctx, path)
	if err != nil {
		return err
	}

	if path.Len() <= l.level {
		if err := l.deleteRows(ctx, path); err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if err := l.dropShallowRows(ctx, path); err != nil {
			return err
		}
		return l.putRows(ctx, path, node)
	}

	key := path.Truncate(l.level).String()
	row, _, err := l.getRow(ctx, key)
	if err != nil {
		return err
	}
	m, isMap := row.(map[string]any)
	if !isMap {
		m = map[string]any{}
	}
	if exists {
		m = nodes.Replace(m, path[l.level:], node)
	} else {
		nodes.Remove(m, path[l.level:])
	}
	if len(m) == 0 {
		return storage.WrapError("cache delete", path, l.rows.Delete(ctx, key))
	}
	return l.putRow(ctx, key, m)
}

func (l *Layer) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	root, err := l.stitch(ctx)
	if err != nil {
		return nil, err
	}
	return nodes.Search(root, q), nil
}

// Lock attaches the cache overlay before locking the inner layers, so the
// committed rows are published ahead of any change notification.
func (l *Layer) Lock(ctx context.Context) error {
	if txn.Active(ctx) != nil {
		if err := l.rows.Begin(ctx); err != nil {
			return storage.WrapError("lock", nil, err)
		}
	}
	return l.inner.Lock(ctx)
}

func (l *Layer) RunBatch(ctx context.Context, fn storage.BatchFunc) error {
	return storage.LockAndRun(ctx, l, fn)
}
