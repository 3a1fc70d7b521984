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
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cardinalhq/confkeeper/internal/txn"
)

var rowsBucket = []byte("config_rows")

// BoltRows stores rows in an embedded bbolt file. bbolt admits one write
// transaction at a time, which doubles as the writer lock: the first
// write or Lock inside a unit of work opens the write transaction and
// holds it until the unit completes.
type BoltRows struct {
	db *bbolt.DB
}

var _ RowStore = (*BoltRows)(nil)

func OpenBoltRows(path string) (*BoltRows, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}
	err = db.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(rowsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rows bucket: %w", err)
	}
	return &BoltRows{db: db}, nil
}

type boltParticipant struct {
	btx *bbolt.Tx
}

func (p *boltParticipant) Commit(context.Context) error {
	return p.btx.Commit()
}

func (p *boltParticipant) Rollback(context.Context) error {
	err := p.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

// writeTx returns the write transaction bound to the unit of work in ctx,
// opening it if create is set.
func (b *BoltRows) writeTx(ctx context.Context, create bool) (*bbolt.Tx, error) {
	tx := txn.Active(ctx)
	if tx == nil {
		return nil, nil
	}
	if p, ok := tx.Resource(b).(*boltParticipant); ok {
		return p.btx, nil
	}
	if !create {
		return nil, nil
	}
	btx, err := b.db.Begin(true)
	if err != nil {
		return nil, err
	}
	p := &boltParticipant{btx: btx}
	if err := tx.Enlist(p); err != nil {
		_ = btx.Rollback()
		return nil, err
	}
	tx.PutResource(b, p)
	return btx, nil
}

func (b *BoltRows) view(ctx context.Context, fn func(bk *bbolt.Bucket) error) error {
	btx, err := b.writeTx(ctx, false)
	if err != nil {
		return err
	}
	if btx != nil {
		return fn(btx.Bucket(rowsBucket))
	}
	return b.db.View(func(btx *bbolt.Tx) error {
		return fn(btx.Bucket(rowsBucket))
	})
}

func (b *BoltRows) update(ctx context.Context, fn func(bk *bbolt.Bucket) error) error {
	btx, err := b.writeTx(ctx, true)
	if err != nil {
		return err
	}
	if btx != nil {
		return fn(btx.Bucket(rowsBucket))
	}
	return b.db.Update(func(btx *bbolt.Tx) error {
		return fn(btx.Bucket(rowsBucket))
	})
}

func (b *BoltRows) LoadRows(ctx context.Context) ([]Row, error) {
	var out []Row
	err := b.view(ctx, func(bk *bbolt.Bucket) error {
		return bk.ForEach(func(k, v []byte) error {
			out = append(out, Row{Key: string(k), Blob: slices.Clone(v)})
			return nil
		})
	})
	return out, err
}

func (b *BoltRows) GetRow(ctx context.Context, key string) ([]byte, bool, error) {
	var blob []byte
	err := b.view(ctx, func(bk *bbolt.Bucket) error {
		if v := bk.Get([]byte(key)); v != nil {
			blob = slices.Clone(v)
		}
		return nil
	})
	return blob, blob != nil, err
}

func (b *BoltRows) PutRow(ctx context.Context, key string, blob []byte) error {
	return b.update(ctx, func(bk *bbolt.Bucket) error {
		return bk.Put([]byte(key), blob)
	})
}

func (b *BoltRows) DeleteRow(ctx context.Context, key string) error {
	return b.update(ctx, func(bk *bbolt.Bucket) error {
		return bk.Delete([]byte(key))
	})
}

func (b *BoltRows) DeletePrefix(ctx context.Context, prefix string) error {
	return b.update(ctx, func(bk *bbolt.Bucket) error {
		var doomed [][]byte
		c := bk.Cursor()
		var seek, k []byte
		if prefix == "/" || prefix == "" {
			k, _ = c.First()
		} else {
			seek = []byte(prefix)
			k, _ = c.Seek(seek)
		}
		for ; k != nil; k, _ = c.Next() {
			if seek != nil && !bytes.HasPrefix(k, seek) {
				break
			}
			if KeyHasPrefix(string(k), prefix) {
				doomed = append(doomed, slices.Clone(k))
			}
		}
		for _, k := range doomed {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltRows) Lock(ctx context.Context) error {
	_, err := b.writeTx(ctx, true)
	return err
}

func (b *BoltRows) Close() error {
	return b.db.Close()
}
