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

// Package refindex maps the UUID of every referable node to its path.
//
// A referable node is a map carrying a UUIDKey entry. Other nodes point at
// it with a map of the form {RefKey: "<uuid>"}.
package refindex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cardinalhq/confkeeper/internal/dcache"
	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

const (
	UUIDKey = "_.uuid"
	RefKey  = "_.ref"

	populatedKey = "#populated"
)

// DuplicateReferenceError reports a UUID carried by more than one node.
type DuplicateReferenceError struct {
	UUID  string
	Paths []nodes.Path
}

func (e *DuplicateReferenceError) Error() string {
	paths := make([]string, len(e.Paths))
	for i, p := range e.Paths {
		paths[i] = p.String()
	}
	return fmt.Sprintf("duplicate uuid %s at %s", e.UUID, strings.Join(paths, ", "))
}

// Entry is one referable node.
type Entry struct {
	UUID string
	Path nodes.Path
}

// UUIDOf returns the UUID of a referable node.
func UUIDOf(node any) (string, bool) {
	m, ok := node.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m[UUIDKey].(string)
	return id, ok && id != ""
}

// RefOf returns the UUID a reference node points at.
func RefOf(node any) (string, bool) {
	m, ok := node.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m[RefKey].(string)
	return id, ok && id != ""
}

// Collect returns every referable node at or below base, in walk order.
func Collect(node any, base nodes.Path) []Entry {
	var out []Entry
	_ = nodes.Walk(node, base, func(p nodes.Path, n any) error {
		if id, ok := UUIDOf(n); ok {
			out = append(out, Entry{UUID: id, Path: p})
		}
		return nil
	})
	return out
}

// Index is the uuid to path map, kept in a cache whose writes are private
// to their transaction until it commits.
type Index struct {
	cache *dcache.TxView
}

func NewIndex(c dcache.Cache) *Index {
	return &Index{cache: dcache.NewTxView(c)}
}

// Begin attaches the transaction overlay early, see dcache.TxView.Begin.
func (x *Index) Begin(ctx context.Context) error {
	return x.cache.Begin(ctx)
}

func (x *Index) Populated(ctx context.Context) (bool, error) {
	_, ok, err := x.cache.Get(ctx, populatedKey)
	return ok, err
}

// Lookup returns the path of the node carrying id.
func (x *Index) Lookup(ctx context.Context, id string) (nodes.Path, bool, error) {
	raw, ok, err := x.cache.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := nodes.Parse(string(raw))
	if err != nil {
		return nil, false, fmt.Errorf("corrupt index entry for %s: %w", id, err)
	}
	return p, true, nil
}

func (x *Index) put(ctx context.Context, e Entry) error {
	return x.cache.Put(ctx, e.UUID, []byte(e.Path.String()))
}

func (x *Index) delete(ctx context.Context, id string) error {
	return x.cache.Delete(ctx, id)
}

func (x *Index) replaceAll(ctx context.Context, entries []Entry) error {
	if err := x.cache.Clear(ctx); err != nil {
		return err
	}
	for _, e := range entries {
		if err := x.put(ctx, e); err != nil {
			return err
		}
	}
	return x.cache.Put(ctx, populatedKey, []byte{1})
}

// Rebuild replaces the index with the referables found in root and fails
// without touching the index if two of them share a UUID.
func (x *Index) Rebuild(ctx context.Context, root map[string]any) error {
	entries := Collect(root, nil)
	seen := make(map[string][]nodes.Path, len(entries))
	var first string
	for _, e := range entries {
		if len(seen[e.UUID]) == 1 && first == "" {
			first = e.UUID
		}
		seen[e.UUID] = append(seen[e.UUID], e.Path)
	}
	if first != "" {
		return &DuplicateReferenceError{UUID: first, Paths: seen[first]}
	}
	if err := x.replaceAll(ctx, entries); err != nil {
		return storage.WrapError("reindex", nil, err)
	}
	logctx.FromContext(ctx).Info("Rebuilt reference index", slog.Int("entries", len(entries)))
	return nil
}

// Recover replaces the index like Rebuild but keeps the first node seen
// for a duplicated UUID, walking keys in sorted order. The skipped
// duplicates are returned for remediation.
func (x *Index) Recover(ctx context.Context, root map[string]any) ([]*DuplicateReferenceError, error) {
	all := Collect(root, nil)
	kept := make([]Entry, 0, len(all))
	dups := map[string]*DuplicateReferenceError{}
	var order []string
	winner := map[string]nodes.Path{}
	for _, e := range all {
		if p, ok := winner[e.UUID]; ok {
			d, ok := dups[e.UUID]
			if !ok {
				d = &DuplicateReferenceError{UUID: e.UUID, Paths: []nodes.Path{p}}
				dups[e.UUID] = d
				order = append(order, e.UUID)
			}
			d.Paths = append(d.Paths, e.Path)
			continue
		}
		winner[e.UUID] = e.Path
		kept = append(kept, e)
	}

	if err := x.replaceAll(ctx, kept); err != nil {
		return nil, storage.WrapError("reindex", nil, err)
	}

	logger := logctx.FromContext(ctx)
	out := make([]*DuplicateReferenceError, 0, len(order))
	for _, id := range order {
		logger.Warn("Duplicate uuid left out of the reference index",
			slog.String("uuid", id),
			slog.String("kept", dups[id].Paths[0].String()),
			slog.Int("copies", len(dups[id].Paths)))
		out = append(out, dups[id])
	}
	logger.Info("Recovered reference index",
		slog.Int("entries", len(kept)),
		slog.Int("duplicates", len(out)))
	return out, nil
}

// Init builds the index from root unless it is already populated, as it
// is when another node built it first.
func (x *Index) Init(ctx context.Context, root map[string]any) error {
	ok, err := x.Populated(ctx)
	if err != nil {
		return storage.WrapError("reindex", nil, err)
	}
	if ok {
		return nil
	}
	return x.Rebuild(ctx, root)
}

// Entries returns the whole index.
func (x *Index) Entries(ctx context.Context) (map[string]nodes.Path, error) {
	raw, err := x.cache.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]nodes.Path, len(raw))
	for id, v := range raw {
		if id == populatedKey {
			continue
		}
		p, err := nodes.Parse(string(v))
		if err != nil {
			return nil, fmt.Errorf("corrupt index entry for %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}
