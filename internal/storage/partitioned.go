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
	"context"
	"fmt"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// Level is the partition depth. Every row holds the subtree found below a
// path of exactly Level segments.
const Level = 3

// Partitioned stores the tree as rows keyed by the first Level segments of
// a path, each row carrying its whole subtree as one encoded blob.
type Partitioned struct {
	rows  RowStore
	codec codec.Codec
	level int
}

var _ Backend = (*Partitioned)(nil)

func NewPartitioned(rows RowStore, c codec.Codec) *Partitioned {
	return &Partitioned{rows: rows, codec: c, level: Level}
}

func (p *Partitioned) Rows() RowStore { return p.rows }

// GetFullTree loads every row and stitches the subtrees under their outer
// paths.
func (p *Partitioned) GetFullTree(ctx context.Context) (map[string]any, error) {
	rows, err := p.rows.LoadRows(ctx)
	if err != nil {
		return nil, WrapError("load", nil, err)
	}
	root := map[string]any{}
	for _, row := range rows {
		outer, err := nodes.Parse(row.Key)
		if err != nil {
			return nil, WrapError("load", nil, fmt.Errorf("bad row key %q: %w", row.Key, err))
		}
		node, err := p.codec.Unmarshal(row.Blob)
		if err != nil {
			return nil, WrapError("decode", outer, err)
		}
		root = nodes.Replace(root, outer, node)
	}
	return root, nil
}

func (p *Partitioned) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	return p.GetFullTree(ctx)
}

func (p *Partitioned) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	node, _, err := p.getNode(ctx, path)
	return node, err
}

func (p *Partitioned) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	_, ok, err := p.getNode(ctx, path)
	return ok, err
}

func (p *Partitioned) getNode(ctx context.Context, path nodes.Path) (any, bool, error) {
	if path.Len() <= p.level {
		root, err := p.GetFullTree(ctx)
		if err != nil {
			return nil, false, err
		}
		node, ok := nodes.Get(root, path)
		return node, ok, nil
	}

	row, ok, err := p.loadRow(ctx, path)
	if err != nil || !ok {
		return nil, false, err
	}
	node, ok := nodes.Get(row, path[p.level:])
	return node, ok, nil
}

func (p *Partitioned) loadRow(ctx context.Context, path nodes.Path) (map[string]any, bool, error) {
	outer := path.Truncate(p.level)
	blob, ok, err := p.rows.GetRow(ctx, outer.String())
	if err != nil {
		return nil, false, WrapError("read", outer, err)
	}
	if !ok {
		return nil, false, nil
	}
	node, err := p.codec.Unmarshal(blob)
	if err != nil {
		return nil, false, WrapError("decode", outer, err)
	}
	m, ok := node.(map[string]any)
	if !ok {
		// a row only ever holds a mapping; anything else is treated as empty
		return map[string]any{}, true, nil
	}
	return m, true, nil
}

func (p *Partitioned) saveRow(ctx context.Context, outer nodes.Path, row map[string]any) error {
	if len(row) == 0 {
		return WrapError("delete", outer, p.rows.DeleteRow(ctx, outer.String()))
	}
	blob, err := p.codec.Marshal(row)
	if err != nil {
		return WrapError("encode", outer, err)
	}
	return WrapError("write", outer, p.rows.PutRow(ctx, outer.String(), blob))
}

// PersistNode replaces the subtree at path. Paths of Level segments or
// fewer are rejected.
func (p *Partitioned) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if err := path.Validate(); err != nil {
		return WrapError("persist", path, err)
	}
	if path.Len() <= p.level {
		return &InvalidPathDepthError{Op: "persist", Path: path, Level: p.level}
	}

	row, ok, err := p.loadRow(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		row = map[string]any{}
	}
	row = nodes.Replace(row, path[p.level:], nodes.Normalize(node))
	return p.saveRow(ctx, path.Truncate(p.level), row)
}

// RemoveNode deletes the subtree at path. Above the partition boundary
// this is a bulk delete of every row below path.
func (p *Partitioned) RemoveNode(ctx context.Context, path nodes.Path) error {
	if path.Len() < p.level {
		return WrapError("remove", path, p.rows.DeletePrefix(ctx, path.String()))
	}

	outer := path.Truncate(p.level)
	if path.Len() == p.level {
		return WrapError("remove", path, p.rows.DeleteRow(ctx, outer.String()))
	}

	row, ok, err := p.loadRow(ctx, path)
	if err != nil || !ok {
		return err
	}
	if !nodes.Remove(row, path[p.level:]) {
		return nil
	}
	return p.saveRow(ctx, outer, row)
}

// RefreshNode is a no-op; the rows are the system of record.
func (p *Partitioned) RefreshNode(context.Context, nodes.Path) error {
	return nil
}

func (p *Partitioned) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	root, err := p.GetFullTree(ctx)
	if err != nil {
		return nil, err
	}
	return nodes.Search(root, q), nil
}

func (p *Partitioned) Lock(ctx context.Context) error {
	return WrapError("lock", nil, p.rows.Lock(ctx))
}

func (p *Partitioned) RunBatch(ctx context.Context, fn BatchFunc) error {
	return LockAndRun(ctx, p, fn)
}

func (p *Partitioned) Close() error {
	return p.rows.Close()
}
