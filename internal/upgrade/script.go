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
	"strings"
	"sync"

	"github.com/cardinalhq/confkeeper/internal/storage"
)

// NoVersion stands for a version that was never recorded.
const NoVersion = "-NO_VERSION-"

// Env is what a running step sees.
type Env struct {
	FromVersion string
	ToVersion   string
	Properties  map[string]string
	// ScriptConfig is the script's own section of the settings.
	ScriptConfig map[string]any
	Store        storage.Configuration
	Script       *ScriptMetadata
	Metadata     *Metadata
}

type StepFunc func(ctx context.Context, env *Env) error

// FixUp brings a script that already ran up to Version.
type FixUp struct {
	Version string
	Apply   StepFunc
}

// Script is a versioned unit of migration logic.
type Script interface {
	Name() string
	// Version is the version the script brings the tree to.
	Version() string
	// Upgrade runs when the script has never run before.
	Upgrade(ctx context.Context, env *Env) error
	// FixUps run, in version order, when an older version of the script
	// already ran.
	FixUps() []FixUp
}

// Definition is a Script assembled from plain values.
type Definition struct {
	ScriptName    string
	ScriptVersion string
	Run           StepFunc
	Steps         []FixUp
}

var _ Script = (*Definition)(nil)

func (d *Definition) Name() string    { return d.ScriptName }
func (d *Definition) Version() string { return d.ScriptVersion }
func (d *Definition) FixUps() []FixUp { return d.Steps }

func (d *Definition) Upgrade(ctx context.Context, env *Env) error {
	if d.Run == nil {
		return nil
	}
	return d.Run(ctx, env)
}

// Registry holds the scripts available to this process.
type Registry struct {
	mu      sync.RWMutex
	scripts []Script
}

func NewRegistry(scripts ...Script) *Registry {
	r := &Registry{}
	for _, s := range scripts {
		_ = r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.scripts {
		if existing.Name() == s.Name() {
			return fmt.Errorf("upgrade script %q registered twice", s.Name())
		}
	}
	r.scripts = append(r.scripts, s)
	return nil
}

// Lookup finds the script called name, or else the first registered one
// whose name starts with name. Only one script is returned for a settings
// entry since its metadata is recorded under that entry; several scripts
// sharing one lastVersionExecuted would skip each other's fix-ups.
func (r *Registry) Lookup(name string) (Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.scripts {
		if s.Name() == name {
			return s, true
		}
	}
	for _, s := range r.scripts {
		if strings.HasPrefix(s.Name(), name) {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scripts))
	for _, s := range r.scripts {
		names = append(names, s.Name())
	}
	return names
}
