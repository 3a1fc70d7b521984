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

// Package layers holds the decorators that sit above the reference index:
// extension merging, optimistic locking and the defaults filter.
package layers

import (
	"context"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/schema"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

var extensionKeys = map[string]bool{
	schema.DeviceExtensionsKey: true,
	schema.AEExtensionsKey:     true,
	schema.HL7ExtensionsKey:    true,
}

// ExtensionMerge keeps the extensions of a device that a writer did not
// send. Services usually only know their own extension, so replacing a
// device node must not drop the others.
type ExtensionMerge struct {
	storage.Configuration
}

var _ storage.Configuration = (*ExtensionMerge)(nil)

func NewExtensionMerge(inner storage.Configuration) *ExtensionMerge {
	return &ExtensionMerge{Configuration: inner}
}

func (l *ExtensionMerge) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if path.Len() <= schema.DevicesRoot.Len() || !path.HasPrefix(schema.DevicesRoot) {
		return l.Configuration.PersistNode(ctx, path, node)
	}
	old, err := l.Configuration.GetConfigurationNode(ctx, path)
	if err != nil {
		return err
	}
	if old != nil {
		node = MergeExtensions(path.Last(), old, nodes.Normalize(node))
	}
	return l.Configuration.PersistNode(ctx, path, node)
}

// MergeExtensions copies into node every extension present in old but
// missing from node. key is the name node is stored under, so a node that
// is itself an extension container is merged too.
func MergeExtensions(key string, old, node any) any {
	wrappedOld := map[string]any{key: old}
	wrappedNew := map[string]any{key: node}
	mergeExtensions(wrappedOld, wrappedNew)
	return wrappedNew[key]
}

func mergeExtensions(old, node map[string]any) {
	for k, ov := range old {
		nv, present := node[k]
		if extensionKeys[k] {
			if !present {
				node[k] = ov
				continue
			}
			om, ok1 := ov.(map[string]any)
			nm, ok2 := nv.(map[string]any)
			if ok1 && ok2 {
				for ext, ev := range om {
					if _, ok := nm[ext]; !ok {
						nm[ext] = ev
					}
				}
			}
			continue
		}
		om, ok1 := ov.(map[string]any)
		nm, ok2 := nv.(map[string]any)
		if present && ok1 && ok2 {
			mergeExtensions(om, nm)
		}
	}
}
