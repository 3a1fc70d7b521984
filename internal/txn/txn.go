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

// Package txn is the unit of work shared by every storage layer. A Tx is
// carried in a context.Context; layers attach per-transaction state as
// resources and hook into completion through synchronizations.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cardinalhq/confkeeper/internal/idgen"
	"github.com/cardinalhq/confkeeper/internal/logctx"
)

type Status int

const (
	StatusActive Status = iota
	StatusCompleting
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleting:
		return "completing"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Sync receives completion callbacks. BeforeCompletion may veto the
// commit by returning an error; AfterCompletion always runs once.
type Sync interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, committed bool)
}

// SyncFuncs adapts plain functions to Sync. Either may be nil.
type SyncFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, committed bool)
}

func (s SyncFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SyncFuncs) AfterCompletion(ctx context.Context, committed bool) {
	if s.After != nil {
		s.After(ctx, committed)
	}
}

// Participant is a backend transaction enlisted in the unit of work.
type Participant interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

var (
	ErrNotActive    = errors.New("transaction is not active")
	ErrRollbackOnly = errors.New("transaction marked rollback-only")
)

// PanicError is returned when a unit of work panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in unit of work: %v", e.Value)
}

type Tx struct {
	id      string
	started time.Time

	mu           sync.Mutex
	status       Status
	resources    map[any]any
	syncs        []Sync
	participants []Participant
	modified     bool
	rollbackErr  error
}

func newTx() *Tx {
	return &Tx{
		id:        idgen.NewTxID(),
		started:   time.Now(),
		resources: map[any]any{},
	}
}

func (tx *Tx) ID() string { return tx.id }

func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Resource returns the value a layer stored under key, or nil.
func (tx *Tx) Resource(key any) any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.resources[key]
}

func (tx *Tx) PutResource(key, value any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if value == nil {
		delete(tx.resources, key)
		return
	}
	tx.resources[key] = value
}

// RegisterSynchronization appends s. Synchronizations registered while
// BeforeCompletion callbacks run are still invoked in the same pass.
func (tx *Tx) RegisterSynchronization(s Sync) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive && tx.status != StatusCompleting {
		return ErrNotActive
	}
	tx.syncs = append(tx.syncs, s)
	return nil
}

// Enlist adds a backend transaction that commits or rolls back with tx.
func (tx *Tx) Enlist(p Participant) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive && tx.status != StatusCompleting {
		return ErrNotActive
	}
	tx.participants = append(tx.participants, p)
	return nil
}

// MarkModified flags the transaction as having written to the store.
func (tx *Tx) MarkModified() {
	tx.mu.Lock()
	tx.modified = true
	tx.mu.Unlock()
}

func (tx *Tx) Modified() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.modified
}

// SetRollbackOnly dooms the transaction; the first cause is kept.
func (tx *Tx) SetRollbackOnly(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rollbackErr == nil {
		if cause == nil {
			cause = ErrRollbackOnly
		}
		tx.rollbackErr = cause
	}
}

func (tx *Tx) syncAt(i int) (Sync, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if i >= len(tx.syncs) {
		return nil, false
	}
	return tx.syncs[i], true
}

func (tx *Tx) commit(ctx context.Context) error {
	tx.mu.Lock()
	doomed := tx.rollbackErr
	tx.status = StatusCompleting
	tx.mu.Unlock()

	if doomed != nil {
		tx.rollback(ctx)
		return fmt.Errorf("%w: %w", ErrRollbackOnly, doomed)
	}

	for i := 0; ; i++ {
		s, ok := tx.syncAt(i)
		if !ok {
			break
		}
		if err := s.BeforeCompletion(ctx); err != nil {
			tx.rollback(ctx)
			return err
		}
	}

	tx.mu.Lock()
	participants := append([]Participant(nil), tx.participants...)
	tx.mu.Unlock()

	for i, p := range participants {
		if err := p.Commit(ctx); err != nil {
			if i > 0 {
				logctx.FromContext(ctx).Error("Partial commit: earlier participants already committed",
					slog.Int("committed", i),
					slog.Any("error", err))
			}
			for _, rest := range participants[i+1:] {
				if rerr := rest.Rollback(ctx); rerr != nil {
					logctx.FromContext(ctx).Warn("Participant rollback failed", slog.Any("error", rerr))
				}
			}
			tx.finish(ctx, StatusRolledBack)
			return fmt.Errorf("commit failed: %w", err)
		}
	}

	tx.finish(ctx, StatusCommitted)
	return nil
}

func (tx *Tx) rollback(ctx context.Context) {
	tx.mu.Lock()
	participants := append([]Participant(nil), tx.participants...)
	tx.mu.Unlock()

	for _, p := range participants {
		if err := p.Rollback(ctx); err != nil {
			logctx.FromContext(ctx).Warn("Participant rollback failed", slog.Any("error", err))
		}
	}
	tx.finish(ctx, StatusRolledBack)
}

func (tx *Tx) finish(ctx context.Context, status Status) {
	tx.mu.Lock()
	tx.status = status
	syncs := append([]Sync(nil), tx.syncs...)
	tx.mu.Unlock()

	committed := status == StatusCommitted
	for _, s := range syncs {
		callAfter(ctx, s, committed)
	}

	if committed {
		txCommits.Add(ctx, 1)
	} else {
		txRollbacks.Add(ctx, 1)
	}
	logctx.FromContext(ctx).Debug("Transaction completed",
		slog.String("status", status.String()),
		slog.Duration("duration", time.Since(tx.started)))
}

func callAfter(ctx context.Context, s Sync, committed bool) {
	defer func() {
		if p := recover(); p != nil {
			logctx.FromContext(ctx).Error("AfterCompletion panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	s.AfterCompletion(ctx, committed)
}

type contextKey struct{}

var txKey = contextKey{}

// FromContext returns the transaction bound to ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txKey).(*Tx)
	return tx
}

// Active returns the transaction bound to ctx if it can still take work.
func Active(ctx context.Context) *Tx {
	tx := FromContext(ctx)
	if tx == nil {
		return nil
	}
	if s := tx.Status(); s != StatusActive && s != StatusCompleting {
		return nil
	}
	return tx
}

// Manager begins and completes units of work.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Run executes fn inside a transaction. If ctx already carries an active
// transaction, fn joins it and a failure dooms the enclosing transaction.
// Otherwise a new transaction is started and completed when fn returns:
// committed if fn returned nil, rolled back otherwise.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if outer := Active(ctx); outer != nil {
		err := safelyCall(ctx, fn)
		if err != nil {
			outer.SetRollbackOnly(err)
		}
		return err
	}

	tx := newTx()
	ctx = context.WithValue(ctx, txKey, tx)
	ctx = logctx.WithLogger(ctx, logctx.FromContext(ctx).With(slog.String("tx", tx.id)))

	if err := safelyCall(ctx, fn); err != nil {
		tx.rollback(ctx)
		return err
	}
	return tx.commit(ctx)
}

func safelyCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}
