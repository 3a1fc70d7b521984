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


// Package confstore assembles the configuration store: a backend wrapped
// in the cache, index and policy layers, driven in transactions.
package confstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/dcache"
	"github.com/cardinalhq/confkeeper/internal/dualcache"
	"github.com/cardinalhq/confkeeper/internal/integrity"
	"github.com/cardinalhq/confkeeper/internal/layers"
	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/notify"
	"github.com/cardinalhq/confkeeper/internal/refindex"
	"github.com/cardinalhq/confkeeper/internal/remote"
	"github.com/cardinalhq/confkeeper/internal/schema"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

var tracer = otel.Tracer("github.com/cardinalhq/confkeeper/internal/confstore")

// Options wires a Store. Backend and Caches are required.
type Options struct {
	Node    string
	Backend storage.Backend
	Caches  dcache.Provider
	// Codec encodes cached rows. CBOR when nil.
	Codec codec.Codec
	// Broker carries change events. A local-only broker is created when
	// notifications are enabled and none is given.
	Broker   *notify.Broker
	Features Features

	Entities []schema.Entity
	Defaults []schema.DefaultRule

	ReadyAttempts int
	ReadyInterval time.Duration
}

// Store is the configuration facade. Every write runs in a transaction
// that locks the whole chain; reads see committed state outside one and
// the transaction's own writes inside it.
type Store struct {
	backend storage.Backend
	top     storage.Configuration
	dual    *dualcache.Layer
	rows    *dcache.Layer
	refs    *refindex.Layer
	checker *integrity.Checker
	broker  *notify.Broker
	txm     *txn.Manager

	entities []schema.Entity
}

var (
	_ storage.Configuration = (*Store)(nil)
	_ remote.Service        = (*Store)(nil)
)

// New builds the decorator chain, innermost first:
// backend, notifications, distributed cache, dual cache, reference index,
// extension merge, optimistic locking, defaults.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("confstore: backend is required")
	}
	if opts.Caches == nil {
		return nil, errors.New("confstore: cache provider is required")
	}
	cdc := opts.Codec
	if cdc == nil {
		var err error
		if cdc, err = codec.NewCBOR(); err != nil {
			return nil, err
		}
	}
	if opts.Entities == nil {
		opts.Entities = schema.Entities
	}
	if opts.Defaults == nil {
		opts.Defaults = schema.Defaults
	}

	s := &Store{backend: opts.Backend, txm: txn.NewManager(), entities: opts.Entities}

	var chain storage.Configuration = opts.Backend
	if opts.Features.Notifications {
		s.broker = opts.Broker
		if s.broker == nil {
			s.broker = notify.NewBroker(opts.Node, nil)
		}
		chain = notify.NewLayer(chain, s.broker)
	}

	rowCache, err := opts.Caches.Named("rows")
	if err != nil {
		return nil, err
	}
	s.rows = dcache.NewLayer(chain, rowCache, cdc)
	if opts.ReadyAttempts > 0 {
		s.rows.ReadyAttempts = opts.ReadyAttempts
	}
	if opts.ReadyInterval > 0 {
		s.rows.ReadyInterval = opts.ReadyInterval
	}

	s.dual = dualcache.New(s.rows)

	refCache, err := opts.Caches.Named("refs")
	if err != nil {
		return nil, err
	}
	s.refs = refindex.NewLayer(s.dual, refindex.NewIndex(refCache))
	chain = s.refs

	if opts.Features.ExtensionMerge {
		chain = layers.NewExtensionMerge(chain)
	}
	if opts.Features.OptimisticLocking {
		if chain, err = layers.NewOptimisticLocking(chain); err != nil {
			return nil, err
		}
	}
	s.top = layers.NewDefaults(chain, opts.Defaults)

	if opts.Features.IntegrityCheck {
		s.checker = integrity.NewChecker(s.top, s.refs.Index(), s.entities)
	}
	if s.broker != nil {
		s.broker.SetRefresher(s)
	}
	return s, nil
}

// Init warms the caches and builds the reference index. A cold index is
// rebuilt strictly, so a tree carrying a duplicated UUID fails startup.
func (s *Store) Init(ctx context.Context) error {
	if err := s.rows.Init(ctx); err != nil {
		return err
	}
	if err := s.dual.Init(ctx); err != nil {
		return err
	}
	root, err := s.dual.GetConfigurationRoot(ctx)
	if err != nil {
		return err
	}
	return s.refs.Index().Init(ctx, root)
}

// Broker returns the change event broker, or nil when notifications are
// disabled.
func (s *Store) Broker() *notify.Broker { return s.broker }

// Backend returns the persistence backend under the chain.
func (s *Store) Backend() storage.Backend { return s.backend }

type batchKey struct{ s *Store }

// enlist registers the store's completion hooks once per transaction.
// The integrity check goes first so it runs before any layer publishes.
func (s *Store) enlist(ctx context.Context) error {
	tx := txn.Active(ctx)
	if tx == nil {
		return storage.ErrNoTransaction
	}
	key := batchKey{s}
	if tx.Resource(key) != nil {
		return nil
	}
	tx.PutResource(key, true)
	if s.checker != nil {
		return tx.RegisterSynchronization(s.checker.Sync())
	}
	return nil
}

// RunBatch runs fn in a transaction holding the store lock. A call made
// inside a running batch joins it. When fn succeeded but the commit did
// not, the caches are reloaded from the backend.
func (s *Store) RunBatch(ctx context.Context, fn storage.BatchFunc) error {
	outer := txn.Active(ctx) != nil
	ctx, span := tracer.Start(ctx, "confstore.batch", trace.WithAttributes(attribute.Bool("nested", outer)))
	defer span.End()

	ran := false
	err := s.txm.Run(ctx, func(ctx context.Context) error {
		if err := s.enlist(ctx); err != nil {
			return err
		}
		if err := s.top.Lock(ctx); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			return err
		}
		ran = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ran && !outer {
			s.invalidate(ctx, err)
		}
	}
	return err
}

func (s *Store) invalidate(ctx context.Context, cause error) {
	var violation *integrity.IntegrityViolationError
	if errors.As(cause, &violation) {
		return
	}
	logger := logctx.FromContext(ctx)
	logger.Warn("Commit failed, reloading configuration", slog.Any("cause", cause))
	if err := s.top.RefreshNode(ctx, nodes.Path{}); err != nil {
		logger.Error("Reloading configuration failed", slog.Any("error", err))
	}
}

// Lock takes the store lock for the transaction in ctx.
func (s *Store) Lock(ctx context.Context) error {
	if err := s.enlist(ctx); err != nil {
		return err
	}
	return s.top.Lock(ctx)
}

func (s *Store) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	return s.top.GetConfigurationRoot(ctx)
}

func (s *Store) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	return s.top.GetConfigurationNode(ctx, path)
}

func (s *Store) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	return s.top.NodeExists(ctx, path)
}

func (s *Store) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	return s.top.Search(ctx, q)
}

func (s *Store) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	return s.RunBatch(ctx, func(ctx context.Context) error {
		return s.top.PersistNode(ctx, path, node)
	})
}

func (s *Store) RemoveNode(ctx context.Context, path nodes.Path) error {
	return s.RunBatch(ctx, func(ctx context.Context) error {
		return s.top.RemoveNode(ctx, path)
	})
}

// RefreshNode re-reads path from the backend into every cache. It is what
// the broker calls for events from other nodes.
func (s *Store) RefreshNode(ctx context.Context, path nodes.Path) error {
	return s.top.RefreshNode(ctx, path)
}

// ResolveUUID returns the path of the node carrying uuid.
func (s *Store) ResolveUUID(ctx context.Context, uuid string) (nodes.Path, bool, error) {
	return s.refs.Index().Lookup(ctx, uuid)
}

// RebuildIndex rebuilds the reference index from the current tree and
// fails, leaving the index as it was, on a duplicated UUID.
func (s *Store) RebuildIndex(ctx context.Context) error {
	return s.RunBatch(ctx, func(ctx context.Context) error {
		root, err := s.dual.GetConfigurationRoot(ctx)
		if err != nil {
			return err
		}
		return s.refs.Index().Rebuild(ctx, root)
	})
}

// RecoverIndex rebuilds the reference index keeping the first node of
// each duplicated UUID and returns the duplicates it skipped.
func (s *Store) RecoverIndex(ctx context.Context) ([]*refindex.DuplicateReferenceError, error) {
	var dups []*refindex.DuplicateReferenceError
	err := s.RunBatch(ctx, func(ctx context.Context) error {
		root, err := s.dual.GetConfigurationRoot(ctx)
		if err != nil {
			return err
		}
		dups, err = s.refs.Index().Recover(ctx, root)
		return err
	})
	return dups, err
}

// IndexEntries returns every indexed UUID and its path.
func (s *Store) IndexEntries(ctx context.Context) (map[string]nodes.Path, error) {
	return s.refs.Index().Entries(ctx)
}

// CheckIntegrity validates the whole tree. It runs even when the commit
// hook is disabled.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	checker := s.checker
	if checker == nil {
		checker = integrity.NewChecker(s.top, s.refs.Index(), s.entities)
	}
	return checker.Check(ctx)
}

// Subscribe registers fn for committed changes under scope. The returned
// function cancels the subscription.
func (s *Store) Subscribe(scope nodes.Path, fn notify.Handler) func() {
	if s.broker == nil {
		return func() {}
	}
	return s.broker.Subscribe(scope, fn)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
