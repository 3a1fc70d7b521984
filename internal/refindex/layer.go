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

package refindex

import (
	"context"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// Layer keeps an Index in step with every write passing through it.
type Layer struct {
	storage.Configuration
	index *Index
}

var _ storage.Configuration = (*Layer)(nil)

func NewLayer(inner storage.Configuration, index *Index) *Layer {
	return &Layer{Configuration: inner, index: index}
}

func (l *Layer) Index() *Index { return l.index }

// checkUnique rejects a write whose referables collide with a node that
// lives outside the subtree being replaced.
func (l *Layer) checkUnique(ctx context.Context, path nodes.Path, entries []Entry) error {
	local := make(map[string]nodes.Path, len(entries))
	for _, e := range entries {
		if p, ok := local[e.UUID]; ok {
			return &DuplicateReferenceError{UUID: e.UUID, Paths: []nodes.Path{p, e.Path}}
		}
		local[e.UUID] = e.Path

		existing, ok, err := l.index.Lookup(ctx, e.UUID)
		if err != nil {
			return storage.WrapError("index lookup", path, err)
		}
		if ok && !existing.HasPrefix(path) {
			return &DuplicateReferenceError{UUID: e.UUID, Paths: []nodes.Path{existing, e.Path}}
		}
	}
	return nil
}

// forget drops the entries of the referables found in old.
func (l *Layer) forget(ctx context.Context, path nodes.Path, old any) error {
	for _, e := range Collect(old, path) {
		indexed, ok, err := l.index.Lookup(ctx, e.UUID)
		if err != nil {
			return storage.WrapError("index lookup", path, err)
		}
		if ok && indexed.Equal(e.Path) {
			if err := l.index.delete(ctx, e.UUID); err != nil {
				return storage.WrapError("index delete", path, err)
			}
		}
	}
	return nil
}

func (l *Layer) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	node = nodes.Normalize(node)
	entries := Collect(node, path)
	if err := l.checkUnique(ctx, path, entries); err != nil {
		return err
	}
	old, err := l.Configuration.GetConfigurationNode(ctx, path)
	if err != nil {
		return err
	}
	if err := l.Configuration.PersistNode(ctx, path, node); err != nil {
		return err
	}
	if err := l.forget(ctx, path, old); err != nil {
		return err
	}
	for _, e := range entries {
		if err := l.index.put(ctx, e); err != nil {
			return storage.WrapError("index write", path, err)
		}
	}
	return nil
}

func (l *Layer) RemoveNode(ctx context.Context, path nodes.Path) error {
	old, err := l.Configuration.GetConfigurationNode(ctx, path)
	if err != nil {
		return err
	}
	if err := l.Configuration.RemoveNode(ctx, path); err != nil {
		return err
	}
	return l.forget(ctx, path, old)
}

// RefreshNode re-indexes the refreshed subtree. The previous content is no
// longer known, so stale entries are found by scanning the index.
func (l *Layer) RefreshNode(ctx context.Context, path nodes.Path) error {
	if err := l.Configuration.RefreshNode(ctx, path); err != nil {
		return err
	}
	if path.IsRoot() {
		root, err := l.Configuration.GetConfigurationRoot(ctx)
		if err != nil {
			return err
		}
		_, err = l.index.Recover(ctx, root)
		return err
	}

	node, err := l.Configuration.GetConfigurationNode(ctx, path)
	if err != nil {
		return err
	}
	fresh := map[string]bool{}
	for _, e := range Collect(node, path) {
		fresh[e.UUID] = true
		if err := l.index.put(ctx, e); err != nil {
			return storage.WrapError("index write", path, err)
		}
	}
	indexed, err := l.index.Entries(ctx)
	if err != nil {
		return storage.WrapError("index scan", path, err)
	}
	for id, p := range indexed {
		if p.HasPrefix(path) && !fresh[id] {
			if err := l.index.delete(ctx, id); err != nil {
				return storage.WrapError("index delete", path, err)
			}
		}
	}
	return nil
}

// Lock attaches the index overlay before the inner layers register their
// completion hooks, so index entries are published first.
func (l *Layer) Lock(ctx context.Context) error {
	if txn.Active(ctx) != nil {
		if err := l.index.Begin(ctx); err != nil {
			return storage.WrapError("lock", nil, err)
		}
	}
	return l.Configuration.Lock(ctx)
}

func (l *Layer) RunBatch(ctx context.Context, fn storage.BatchFunc) error {
	return storage.LockAndRun(ctx, l, fn)
}
