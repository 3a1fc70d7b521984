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


package configdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/storage"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// ErrLockRowMissing means the schema has not been seeded with the writer
// lock row yet.
var ErrLockRowMissing = errors.New("configuration lock row is missing")

const (
	selectRows   = `SELECT path, blob FROM config_rows ORDER BY path`
	selectRow    = `SELECT blob FROM config_rows WHERE path = $1`
	upsertRow    = `INSERT INTO config_rows (path, blob) VALUES ($1, $2) ON CONFLICT (path) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`
	deleteRow    = `DELETE FROM config_rows WHERE path = $1`
	deleteAll    = `DELETE FROM config_rows`
	deleteBelow  = `DELETE FROM config_rows WHERE path = $1 OR path LIKE $2 ESCAPE '\'`
	lockRow      = `SELECT id FROM config_lock WHERE id = 1 FOR UPDATE`
	markLockRow  = `UPDATE config_lock SET locked_by = $1, locked_at = now() WHERE id = 1`
	lockRowCheck = `SELECT count(*) FROM config_lock WHERE id = 1`
)

// querier is what a pool and a pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RowStore keeps one row per partition in config_rows. The first write
// or Lock inside a unit of work begins a database transaction that is
// enlisted with the unit and committed or rolled back with it. The
// writer lock is a row lock on config_lock.
type RowStore struct {
	pool *pgxpool.Pool
	node string
}

var _ storage.RowStore = (*RowStore)(nil)

// NewRowStore takes ownership of pool. node is recorded as the lock
// holder.
func NewRowStore(pool *pgxpool.Pool, node string) *RowStore {
	return &RowStore{pool: pool, node: node}
}

type participant struct {
	tx     pgx.Tx
	locked bool
}

func (p *participant) Commit(ctx context.Context) error {
	return p.tx.Commit(ctx)
}

func (p *participant) Rollback(ctx context.Context) error {
	err := p.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// conn returns the database transaction bound to ctx, beginning one when
// create is set, or the pool when there is none.
func (s *RowStore) conn(ctx context.Context, create bool) (querier, *participant, error) {
	tx := txn.Active(ctx)
	if tx == nil {
		return s.pool, nil, nil
	}
	if p, ok := tx.Resource(s).(*participant); ok {
		return p.tx, p, nil
	}
	if !create {
		return s.pool, nil, nil
	}
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin database transaction: %w", err)
	}
	p := &participant{tx: dbtx}
	if err := tx.Enlist(p); err != nil {
		_ = dbtx.Rollback(ctx)
		return nil, nil, err
	}
	tx.PutResource(s, p)
	return dbtx, p, nil
}

func (s *RowStore) LoadRows(ctx context.Context) ([]storage.Row, error) {
	q, _, err := s.conn(ctx, false)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, selectRows)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Row, error) {
		var r storage.Row
		err := row.Scan(&r.Key, &r.Blob)
		return r, err
	})
}

func (s *RowStore) GetRow(ctx context.Context, key string) ([]byte, bool, error) {
	q, _, err := s.conn(ctx, false)
	if err != nil {
		return nil, false, err
	}
	var blob []byte
	err = q.QueryRow(ctx, selectRow, key).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *RowStore) PutRow(ctx context.Context, key string, blob []byte) error {
	q, _, err := s.conn(ctx, true)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, upsertRow, key, blob)
	return err
}

func (s *RowStore) DeleteRow(ctx context.Context, key string) error {
	q, _, err := s.conn(ctx, true)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, deleteRow, key)
	return err
}

func (s *RowStore) DeletePrefix(ctx context.Context, prefix string) error {
	q, _, err := s.conn(ctx, true)
	if err != nil {
		return err
	}
	if prefix == "" || prefix == "/" {
		_, err = q.Exec(ctx, deleteAll)
		return err
	}
	_, err = q.Exec(ctx, deleteBelow, prefix, escapeLike(prefix)+"/%")
	return err
}

// Lock row-locks config_lock for the rest of the unit of work. Outside a
// unit of work it is a no-op.
func (s *RowStore) Lock(ctx context.Context) error {
	if txn.Active(ctx) == nil {
		return nil
	}
	q, p, err := s.conn(ctx, true)
	if err != nil || p.locked {
		return err
	}

	start := time.Now()
	var id int
	if err := q.QueryRow(ctx, lockRow).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLockRowMissing
		}
		return fmt.Errorf("failed to lock configuration: %w", err)
	}
	if _, err := q.Exec(ctx, markLockRow, s.node); err != nil {
		return fmt.Errorf("failed to record lock holder: %w", err)
	}
	p.locked = true
	logctx.FromContext(ctx).Debug("Acquired configuration lock",
		slog.Duration("waited", time.Since(start)))
	return nil
}

// WaitForLockRow polls until the lock row exists, up to attempts times.
func (s *RowStore) WaitForLockRow(ctx context.Context, attempts int, interval time.Duration) error {
	for i := 1; ; i++ {
		var n int
		err := s.pool.QueryRow(ctx, lockRowCheck).Scan(&n)
		if err == nil && n == 1 {
			return nil
		}
		if err == nil {
			err = ErrLockRowMissing
		}
		if i >= attempts {
			return err
		}
		logctx.FromContext(ctx).Warn("Configuration lock row unavailable, retrying",
			slog.Int("attempt", i),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *RowStore) Close() error {
	s.pool.Close()
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
