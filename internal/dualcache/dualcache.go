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

// Package dualcache isolates transactions from each other in memory.
//
// Readers share one snapshot of the last committed tree. A transaction
// that locks the store gets a private writer tree, hydrated on first use;
// at commit the writer tree replaces the shared snapshot in a single swap.
// Every node handed out is a deep copy.
package dualcache

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

type Layer struct {
	inner storage.Configuration

	// writer is held by one modifying transaction from Lock until it
	// completes.
	writer *semaphore.Weighted

	mu     sync.RWMutex
	reader map[string]any
}

var _ storage.Configuration = (*Layer)(nil)

func New(inner storage.Configuration) *Layer {
	return &Layer{
		inner:  inner,
		writer: semaphore.NewWeighted(1),
		reader: map[string]any{},
	}
}

// writerState is the per-transaction side of the cache. Once detached at
// commit time the transaction reads the shared snapshot again and can no
// longer write.
type writerState struct {
	mu       sync.Mutex
	tree     map[string]any
	dirty    bool
	detached bool
	frozen   map[string]any
}

// Init loads the reader snapshot from the inner layer.
func (l *Layer) Init(ctx context.Context) error {
	root, err := l.inner.GetConfigurationRoot(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.reader = root
	l.mu.Unlock()
	return nil
}

func (l *Layer) locked(ctx context.Context) *writerState {
	tx := txn.Active(ctx)
	if tx == nil {
		return nil
	}
	s, _ := tx.Resource(l).(*writerState)
	return s
}

// state returns the writer side of a modifying transaction that has not
// reached commit yet.
func (l *Layer) state(ctx context.Context) *writerState {
	s := l.locked(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil
	}
	return s
}

// Lock makes the transaction in ctx a modifying one: it takes the
// in-process writer lock, then the inner layers' locks, and arranges for
// the writer tree to be published when the transaction commits. Calls
// after the first in one transaction do nothing.
func (l *Layer) Lock(ctx context.Context) error {
	tx := txn.Active(ctx)
	if tx == nil {
		return l.inner.Lock(ctx)
	}
	if l.locked(ctx) != nil {
		return nil
	}

	if err := l.writer.Acquire(ctx, 1); err != nil {
		return storage.WrapError("lock", nil, err)
	}
	if err := l.inner.Lock(ctx); err != nil {
		l.writer.Release(1)
		return err
	}

	s := &writerState{}
	if err := tx.RegisterSynchronization(txn.SyncFuncs{
		Before: func(ctx context.Context) error { return l.beforeCommit(ctx, tx, s) },
		After:  func(ctx context.Context, committed bool) { l.afterCommit(ctx, tx, s, committed) },
	}); err != nil {
		l.writer.Release(1)
		return storage.WrapError("lock", nil, err)
	}
	tx.PutResource(l, s)
	return nil
}

func (l *Layer) beforeCommit(ctx context.Context, tx *txn.Tx, s *writerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty && s.tree == nil {
		root, err := l.inner.GetConfigurationRoot(ctx)
		if err != nil {
			return err
		}
		s.tree = root
	}
	if s.dirty {
		s.frozen = s.tree
	}
	s.tree = nil
	s.detached = true
	return nil
}

func (l *Layer) afterCommit(ctx context.Context, tx *txn.Tx, s *writerState, committed bool) {
	defer l.writer.Release(1)
	tx.PutResource(l, nil)

	s.mu.Lock()
	frozen := s.frozen
	s.frozen, s.tree = nil, nil
	s.mu.Unlock()

	if !committed || frozen == nil {
		return
	}
	l.mu.Lock()
	l.reader = frozen
	l.mu.Unlock()
	logctx.FromContext(ctx).Debug("Published committed configuration snapshot")
}

// view runs fn against the tree the caller is allowed to see: its own
// writer tree inside a modifying transaction, the shared snapshot
// otherwise. fn must copy anything it returns.
func (l *Layer) view(ctx context.Context, fn func(root map[string]any)) error {
	if s := l.state(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := l.hydrate(ctx, s); err != nil {
			return err
		}
		fn(s.tree)
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.reader)
	return nil
}

// hydrate loads the writer tree; s.mu must be held.
func (l *Layer) hydrate(ctx context.Context, s *writerState) error {
	if s.tree != nil {
		return nil
	}
	root, err := l.inner.GetConfigurationRoot(ctx)
	if err != nil {
		return err
	}
	s.tree = root
	return nil
}

func (l *Layer) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := l.view(ctx, func(root map[string]any) {
		out = nodes.CopyMap(root)
	})
	return out, err
}

func (l *Layer) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	var out any
	err := l.view(ctx, func(root map[string]any) {
		if node, ok := nodes.Get(root, path); ok {
			out = nodes.DeepCopy(node)
		}
	})
	return out, err
}

func (l *Layer) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	var ok bool
	err := l.view(ctx, func(root map[string]any) {
		ok = nodes.Exists(root, path)
	})
	return ok, err
}

// Search copies every match before the snapshot lock is released.
func (l *Layer) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	var out []nodes.Match
	err := l.view(ctx, func(root map[string]any) {
		out = nodes.Search(root, q)
	})
	return out, err
}

// mutate applies fn to the caller's writer tree once the inner layer has
// accepted the write. Outside a transaction the shared snapshot is
// updated in place instead.
func (l *Layer) mutate(ctx context.Context, fn func(root map[string]any) map[string]any) {
	if s := l.state(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dirty = true
		// an unhydrated tree is loaded later from the inner layer, which
		// already holds this write
		if s.tree != nil {
			s.tree = fn(s.tree)
		}
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reader = fn(l.reader)
}

func (l *Layer) beginWrite(ctx context.Context, path nodes.Path) error {
	tx := txn.Active(ctx)
	if tx == nil {
		return nil
	}
	if err := l.Lock(ctx); err != nil {
		return err
	}
	if l.state(ctx) == nil {
		return storage.WrapError("write", path, txn.ErrNotActive)
	}
	tx.MarkModified()
	return nil
}

func (l *Layer) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if err := l.beginWrite(ctx, path); err != nil {
		return err
	}
	node = nodes.DeepCopy(nodes.Normalize(node))
	if err := l.inner.PersistNode(ctx, path, node); err != nil {
		return err
	}
	l.mutate(ctx, func(root map[string]any) map[string]any {
		return nodes.Replace(root, path, nodes.DeepCopy(node))
	})
	return nil
}

func (l *Layer) RemoveNode(ctx context.Context, path nodes.Path) error {
	if err := l.beginWrite(ctx, path); err != nil {
		return err
	}
	if err := l.inner.RemoveNode(ctx, path); err != nil {
		return err
	}
	l.mutate(ctx, func(root map[string]any) map[string]any {
		nodes.Remove(root, path)
		return root
	})
	return nil
}

// RefreshNode re-reads path from the inner layer into the shared snapshot.
// It waits for a local writer to finish so a commit in flight cannot
// overwrite the refreshed state with an older tree.
func (l *Layer) RefreshNode(ctx context.Context, path nodes.Path) error {
	if l.locked(ctx) == nil {
		if err := l.writer.Acquire(ctx, 1); err != nil {
			return storage.WrapError("refresh", path, err)
		}
		defer l.writer.Release(1)
	}

	if err := l.inner.RefreshNode(ctx, path); err != nil {
		return err
	}
	if path.IsRoot() {
		logctx.FromContext(ctx).Info("Reloading configuration snapshot")
		return l.Init(ctx)
	}

	exists, err := l.inner.NodeExists(ctx, path)
	if err != nil {
		return err
	}
	var node any
	if exists {
		if node, err = l.inner.GetConfigurationNode(ctx, path); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if exists {
		l.reader = nodes.Replace(l.reader, path, node)
	} else {
		nodes.Remove(l.reader, path)
	}
	logctx.FromContext(ctx).Debug("Refreshed configuration node",
		slog.String("path", path.String()),
		slog.Bool("exists", exists))
	return nil
}

func (l *Layer) RunBatch(ctx context.Context, fn storage.BatchFunc) error {
	return storage.LockAndRun(ctx, l, fn)
}
