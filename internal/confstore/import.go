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


package confstore

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// ImportTree replaces the subtree at path with node in one transaction.
// Maps above the partition level are split into persistable subtrees;
// anything else there is rejected.
func (s *Store) ImportTree(ctx context.Context, path nodes.Path, node any) error {
	node = nodes.Normalize(node)
	return s.RunBatch(ctx, func(ctx context.Context) error {
		if err := s.top.RemoveNode(ctx, path); err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		return s.importNode(ctx, path, node)
	})
}

func (s *Store) importNode(ctx context.Context, path nodes.Path, node any) error {
	if path.Len() > storage.Level {
		return s.top.PersistNode(ctx, path, node)
	}
	m, ok := node.(map[string]any)
	if !ok {
		return &storage.InvalidPathDepthError{Op: "import", Path: path, Level: storage.Level}
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := s.importNode(ctx, path.Append(k), m[k]); err != nil {
			return fmt.Errorf("import %s: %w", path.Append(k), err)
		}
	}
	return nil
}

// ExportTree returns a copy of the whole tree as the chain presents it.
func (s *Store) ExportTree(ctx context.Context) (map[string]any, error) {
	return s.top.GetConfigurationRoot(ctx)
}
