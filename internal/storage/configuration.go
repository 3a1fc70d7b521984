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

	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// BatchFunc is a unit of work executed by RunBatch.
type BatchFunc func(ctx context.Context) error

// Configuration is the contract every layer of the store implements, from
// the raw backend up to the outermost decorator.
//
// GetConfigurationNode returns (nil, nil) when nothing is stored at the
// path. Nodes passed to PersistNode are owned by the store afterwards;
// nodes returned by reads are owned by the caller.
type Configuration interface {
	GetConfigurationRoot(ctx context.Context) (map[string]any, error)
	GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error)
	NodeExists(ctx context.Context, path nodes.Path) (bool, error)
	PersistNode(ctx context.Context, path nodes.Path, node any) error
	RemoveNode(ctx context.Context, path nodes.Path) error
	RefreshNode(ctx context.Context, path nodes.Path) error
	Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error)
	Lock(ctx context.Context) error
	RunBatch(ctx context.Context, fn BatchFunc) error
}

// Backend is the persistence contract below the decorator chain.
type Backend interface {
	Configuration
	GetFullTree(ctx context.Context) (map[string]any, error)
	Close() error
}

// LockAndRun locks c for the transaction in ctx and runs fn. Layers that
// add their own Lock use it as their RunBatch so the whole chain is locked.
func LockAndRun(ctx context.Context, c Configuration, fn BatchFunc) error {
	if err := c.Lock(ctx); err != nil {
		return err
	}
	return fn(ctx)
}
