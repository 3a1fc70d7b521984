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


package upgrade

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-version"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/schema"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// MetadataPath is where the configuration version is recorded.
var MetadataPath = schema.MetadataRoot.Append("versioning", "current")

type ScriptMetadata struct {
	LastVersionExecuted string `mapstructure:"lastVersionExecuted"`
}

// Metadata is the stored configuration version plus what each script
// last ran.
type Metadata struct {
	Version string                     `mapstructure:"version"`
	Scripts map[string]*ScriptMetadata `mapstructure:"metadataOfUpgradeScripts"`
}

// LoadMetadata reads the metadata node. A missing node yields nil.
func LoadMetadata(ctx context.Context, store storage.Configuration) (*Metadata, error) {
	node, err := store.GetConfigurationNode(ctx, MetadataPath)
	if err != nil || node == nil {
		return nil, err
	}
	var md Metadata
	if err := mapstructure.Decode(node, &md); err != nil {
		return nil, fmt.Errorf("invalid configuration metadata: %w", err)
	}
	return &md, nil
}

func (m *Metadata) script(name string) *ScriptMetadata {
	if m.Scripts == nil {
		m.Scripts = map[string]*ScriptMetadata{}
	}
	sm, ok := m.Scripts[name]
	if !ok || sm == nil {
		sm = &ScriptMetadata{}
		m.Scripts[name] = sm
	}
	return sm
}

func (m *Metadata) node() map[string]any {
	scripts := make(map[string]any, len(m.Scripts))
	for name, sm := range m.Scripts {
		if sm == nil || sm.LastVersionExecuted == "" {
			continue
		}
		scripts[name] = map[string]any{"lastVersionExecuted": sm.LastVersionExecuted}
	}
	return map[string]any{
		"version":                  m.Version,
		"metadataOfUpgradeScripts": scripts,
	}
}

func persistMetadata(ctx context.Context, store storage.Configuration, m *Metadata) error {
	return store.PersistNode(ctx, MetadataPath, nodes.Normalize(m.node()))
}

// compareVersions orders semantic versions numerically and anything
// else lexically.
func compareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
