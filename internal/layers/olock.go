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
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/refindex"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// HashKey carries the version stamp of a referable node.
const HashKey = "_.hash"

// ConflictError is returned when a node was changed by someone else since
// the writer read it.
type ConflictError struct {
	Path     nodes.Path
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("optimistic lock conflict at %s: node was removed", e.Path)
	}
	return fmt.Sprintf("optimistic lock conflict at %s: expected version %s, found %s", e.Path, e.Expected, e.Actual)
}

// OptimisticLocking stamps every referable node it returns with a hash of
// its content. A write carrying a stamp is rejected if the stored node no
// longer hashes to it. Stamps are never stored.
type OptimisticLocking struct {
	storage.Configuration
	codec codec.Codec
}

var _ storage.Configuration = (*OptimisticLocking)(nil)

func NewOptimisticLocking(inner storage.Configuration) (*OptimisticLocking, error) {
	c, err := codec.NewCBOR()
	if err != nil {
		return nil, err
	}
	return &OptimisticLocking{Configuration: inner, codec: c}, nil
}

// Hash returns the version stamp of node, ignoring stamps inside it.
func (l *OptimisticLocking) Hash(node any) (string, error) {
	stripped := nodes.DeepCopy(node)
	stripHashes(stripped)
	blob, err := l.codec.Marshal(stripped)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(blob), 16), nil
}

func stripHashes(node any) {
	_ = nodes.Walk(node, nil, func(_ nodes.Path, n any) error {
		if m, ok := n.(map[string]any); ok {
			delete(m, HashKey)
		}
		return nil
	})
}

func (l *OptimisticLocking) stamp(node any) error {
	return nodes.Walk(node, nil, func(_ nodes.Path, n any) error {
		if _, ok := refindex.UUIDOf(n); !ok {
			return nil
		}
		m := n.(map[string]any)
		h, err := l.Hash(m)
		if err != nil {
			return err
		}
		m[HashKey] = h
		return nil
	})
}

func (l *OptimisticLocking) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	root, err := l.Configuration.GetConfigurationRoot(ctx)
	if err != nil {
		return nil, err
	}
	return root, l.stamp(root)
}

func (l *OptimisticLocking) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	node, err := l.Configuration.GetConfigurationNode(ctx, path)
	if err != nil {
		return nil, err
	}
	return node, l.stamp(node)
}

func (l *OptimisticLocking) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	matches, err := l.Configuration.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if err := l.stamp(m.Node); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

type expectation struct {
	path nodes.Path
	hash string
}

func (l *OptimisticLocking) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	node = nodes.DeepCopy(nodes.Normalize(node))

	var expected []expectation
	_ = nodes.Walk(node, path, func(p nodes.Path, n any) error {
		m, ok := n.(map[string]any)
		if !ok {
			return nil
		}
		if h, ok := m[HashKey].(string); ok {
			expected = append(expected, expectation{path: p, hash: h})
		}
		delete(m, HashKey)
		return nil
	})

	for _, e := range expected {
		current, err := l.Configuration.GetConfigurationNode(ctx, e.path)
		if err != nil {
			return err
		}
		if current == nil {
			return &ConflictError{Path: e.path, Expected: e.hash}
		}
		actual, err := l.Hash(current)
		if err != nil {
			return storage.WrapError("hash", e.path, err)
		}
		if actual != e.hash {
			return &ConflictError{Path: e.path, Expected: e.hash, Actual: actual}
		}
	}
	return l.Configuration.PersistNode(ctx, path, node)
}
