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

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// Document keeps the whole tree in a single YAML file. JSON files load as
// well since YAML is a superset. A unit of work edits a private copy that
// is written out and swapped in on commit.
type Document struct {
	filename string

	mu   sync.RWMutex
	root map[string]any
	lock *semaphore.Weighted
}

var _ Backend = (*Document)(nil)

// OpenDocument loads filename. A missing file is an empty tree.
func OpenDocument(filename string) (*Document, error) {
	d := &Document{
		filename: filename,
		root:     map[string]any{},
		lock:     semaphore.NewWeighted(1),
	}

	contents, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("failed to read configuration document %s: %w", filename, err)
	}
	root, err := DecodeDocument(contents)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration document %s: %w", filename, err)
	}
	d.root = root
	return d, nil
}

// DecodeDocument parses a YAML or JSON tree.
func DecodeDocument(contents []byte) (map[string]any, error) {
	var raw any
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if raw == nil {
		return map[string]any{}, nil
	}
	root, ok := nodes.Normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document root must be a mapping, got %T", raw)
	}
	return root, nil
}

type documentTx struct {
	root   map[string]any
	locked bool
}

type documentParticipant struct {
	doc *Document
	st  *documentTx
}

func (p *documentParticipant) Commit(context.Context) error {
	defer p.release()
	if err := p.doc.save(p.st.root); err != nil {
		return err
	}
	p.doc.mu.Lock()
	p.doc.root = p.st.root
	p.doc.mu.Unlock()
	return nil
}

func (p *documentParticipant) Rollback(context.Context) error {
	p.release()
	return nil
}

func (p *documentParticipant) release() {
	if p.st.locked {
		p.st.locked = false
		p.doc.lock.Release(1)
	}
}

func (d *Document) staged(ctx context.Context, create bool) (*documentTx, error) {
	tx := txn.Active(ctx)
	if tx == nil {
		return nil, nil
	}
	if st, ok := tx.Resource(d).(*documentTx); ok {
		return st, nil
	}
	if !create {
		return nil, nil
	}
	// the copy is taken under the writer lock so it cannot miss a commit
	if err := d.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	st := &documentTx{locked: true}
	p := &documentParticipant{doc: d, st: st}
	if err := tx.Enlist(p); err != nil {
		p.release()
		return nil, err
	}
	d.mu.RLock()
	st.root = nodes.CopyMap(d.root)
	d.mu.RUnlock()
	tx.PutResource(d, st)
	return st, nil
}

func (d *Document) read(ctx context.Context, fn func(root map[string]any) error) error {
	st, err := d.staged(ctx, false)
	if err != nil {
		return err
	}
	if st != nil {
		return fn(st.root)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.root)
}

func (d *Document) write(ctx context.Context, fn func(root map[string]any) map[string]any) error {
	st, err := d.staged(ctx, true)
	if err != nil {
		return err
	}
	if st != nil {
		st.root = fn(st.root)
		return nil
	}

	// auto-commit
	if err := d.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.lock.Release(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	next := fn(nodes.CopyMap(d.root))
	if err := d.save(next); err != nil {
		return err
	}
	d.root = next
	return nil
}

func (d *Document) save(root map[string]any) error {
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to encode configuration document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.filename), ".confkeeper-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write configuration document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.filename)
}

func (d *Document) GetFullTree(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := d.read(ctx, func(root map[string]any) error {
		out = nodes.CopyMap(root)
		return nil
	})
	return out, WrapError("load", nil, err)
}

func (d *Document) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	return d.GetFullTree(ctx)
}

func (d *Document) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	var out any
	err := d.read(ctx, func(root map[string]any) error {
		if n, ok := nodes.Get(root, path); ok {
			out = nodes.DeepCopy(n)
		}
		return nil
	})
	return out, WrapError("read", path, err)
}

func (d *Document) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	var ok bool
	err := d.read(ctx, func(root map[string]any) error {
		ok = nodes.Exists(root, path)
		return nil
	})
	return ok, WrapError("read", path, err)
}

func (d *Document) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if err := path.Validate(); err != nil {
		return WrapError("persist", path, err)
	}
	node = nodes.Normalize(node)
	return WrapError("persist", path, d.write(ctx, func(root map[string]any) map[string]any {
		return nodes.Replace(root, path, node)
	}))
}

func (d *Document) RemoveNode(ctx context.Context, path nodes.Path) error {
	return WrapError("remove", path, d.write(ctx, func(root map[string]any) map[string]any {
		nodes.Remove(root, path)
		return root
	}))
}

func (d *Document) RefreshNode(context.Context, nodes.Path) error { return nil }

func (d *Document) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	var out []nodes.Match
	err := d.read(ctx, func(root map[string]any) error {
		out = nodes.Search(root, q)
		return nil
	})
	return out, err
}

func (d *Document) Lock(ctx context.Context) error {
	_, err := d.staged(ctx, true)
	return WrapError("lock", nil, err)
}

func (d *Document) RunBatch(ctx context.Context, fn BatchFunc) error {
	return LockAndRun(ctx, d, fn)
}

func (d *Document) Close() error { return nil }
