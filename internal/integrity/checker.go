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

// Package integrity validates the whole tree before a modifying
// transaction is allowed to commit.
package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/refindex"
	"github.com/cardinalhq/confkeeper/internal/schema"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// IntegrityViolationError carries every problem found by one check.
type IntegrityViolationError struct {
	Err *multierror.Error
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("configuration integrity violated: %v", e.Err)
}

func (e *IntegrityViolationError) Unwrap() error { return e.Err }

// Violations returns the individual problems.
func (e *IntegrityViolationError) Violations() []error {
	if e.Err == nil {
		return nil
	}
	return e.Err.Errors
}

// RootReader is the part of the store the checker reads through.
type RootReader interface {
	GetConfigurationRoot(ctx context.Context) (map[string]any, error)
}

type Checker struct {
	store    RootReader
	refs     schema.Resolver
	entities []schema.Entity
}

func NewChecker(store RootReader, refs schema.Resolver, entities []schema.Entity) *Checker {
	return &Checker{store: store, refs: refs, entities: entities}
}

// Check reads the tree and validates every declared entity and every
// reference in it.
func (c *Checker) Check(ctx context.Context) error {
	root, err := c.store.GetConfigurationRoot(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, entity := range c.entities {
		for _, m := range nodes.Search(root, nodes.Query{Pattern: entity.Pattern}) {
			for _, v := range entity.Check(m.Path, m.Node) {
				result = multierror.Append(result, v)
			}
		}
	}

	err = nodes.Walk(root, nil, func(p nodes.Path, n any) error {
		id, ok := refindex.RefOf(n)
		if !ok {
			return nil
		}
		_, found, err := c.refs.Lookup(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			result = multierror.Append(result, &schema.Violation{
				Path:   p,
				Reason: fmt.Sprintf("reference to unknown uuid %s", id),
			})
		}
		return nodes.SkipChildren
	})
	if err != nil {
		return err
	}

	if result.ErrorOrNil() == nil {
		return nil
	}
	logctx.FromContext(ctx).Warn("Integrity check failed",
		slog.Int("violations", len(result.Errors)))
	return &IntegrityViolationError{Err: result}
}

// Sync returns the hook that runs Check before a modifying transaction
// commits. Transactions that wrote nothing are not checked.
func (c *Checker) Sync() txn.Sync {
	return txn.SyncFuncs{
		Before: func(ctx context.Context) error {
			tx := txn.FromContext(ctx)
			if tx == nil || !tx.Modified() {
				return nil
			}
			return c.Check(ctx)
		},
	}
}
