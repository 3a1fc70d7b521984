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

package layers

import (
	"context"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/schema"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// Defaults is the outermost layer. Reads see schema defaults filled in and
// never see nulls; writes store neither nulls nor values equal to their
// default.
type Defaults struct {
	storage.Configuration
	rules []schema.DefaultRule
}

var _ storage.Configuration = (*Defaults)(nil)

func NewDefaults(inner storage.Configuration, rules []schema.DefaultRule) *Defaults {
	return &Defaults{Configuration: inner, rules: rules}
}

// defaultFor returns the default of the value stored at path, if any.
func (l *Defaults) defaultFor(path nodes.Path) (any, bool) {
	if path.IsRoot() {
		return nil, false
	}
	parent := path.Parent()
	for _, r := range l.rules {
		if parent.Matches(r.Pattern) {
			if v, ok := r.Values[path.Last()]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// dropNulls removes null map entries and list elements below node.
func dropNulls(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if v == nil {
				delete(n, k)
				continue
			}
			n[k] = dropNulls(v)
		}
		return n
	case []any:
		out := n[:0]
		for _, v := range n {
			if v != nil {
				out = append(out, dropNulls(v))
			}
		}
		return out
	default:
		return node
	}
}

// fill adds missing defaults to every map at or below base.
func (l *Defaults) fill(base nodes.Path, node any) {
	_ = nodes.Walk(node, base, func(p nodes.Path, n any) error {
		m, ok := n.(map[string]any)
		if !ok {
			return nil
		}
		for _, r := range l.rules {
			if !p.Matches(r.Pattern) {
				continue
			}
			for k, v := range r.Values {
				if _, ok := m[k]; !ok {
					m[k] = nodes.DeepCopy(v)
				}
			}
		}
		return nil
	})
}

// strip removes values equal to their default from every map at or below
// base.
func (l *Defaults) strip(base nodes.Path, node any) {
	_ = nodes.Walk(node, base, func(p nodes.Path, n any) error {
		m, ok := n.(map[string]any)
		if !ok {
			return nil
		}
		for _, r := range l.rules {
			if !p.Matches(r.Pattern) {
				continue
			}
			for k, v := range r.Values {
				if cur, ok := m[k]; ok && nodes.Equal(cur, v) {
					delete(m, k)
				}
			}
		}
		return nil
	})
}

func (l *Defaults) read(path nodes.Path, node any) any {
	if node == nil {
		return nil
	}
	node = dropNulls(node)
	l.fill(path, node)
	return node
}

func (l *Defaults) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	root, err := l.Configuration.GetConfigurationRoot(ctx)
	if err != nil {
		return nil, err
	}
	l.read(nil, root)
	return root, nil
}

func (l *Defaults) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	node, err := l.Configuration.GetConfigurationNode(ctx, path)
	if err != nil {
		return nil, err
	}
	if node != nil {
		return l.read(path, node), nil
	}
	def, ok := l.defaultFor(path)
	if !ok {
		return nil, nil
	}
	// a default only exists where its owner does
	owner, err := l.Configuration.NodeExists(ctx, path.Parent())
	if err != nil || !owner {
		return nil, err
	}
	return nodes.DeepCopy(def), nil
}

func (l *Defaults) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	node, err := l.GetConfigurationNode(ctx, path)
	return node != nil, err
}

func (l *Defaults) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	matches, err := l.Configuration.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if m.Node == nil {
			continue
		}
		m.Node = l.read(m.Path, m.Node)
		out = append(out, m)
	}
	return out, nil
}

func (l *Defaults) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	node = dropNulls(nodes.DeepCopy(nodes.Normalize(node)))
	if node == nil && path.Len() > storage.Level {
		return l.Configuration.RemoveNode(ctx, path)
	}
	if def, ok := l.defaultFor(path); ok && nodes.Equal(node, def) {
		return l.Configuration.RemoveNode(ctx, path)
	}
	l.strip(path, node)
	return l.Configuration.PersistNode(ctx, path, node)
}
