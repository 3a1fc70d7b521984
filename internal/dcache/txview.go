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

package dcache

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

// TxView is a Cache whose writes inside a transaction are staged privately
// and published to the underlying cache only after the transaction commits.
// Outside a transaction it reads and writes the underlying cache directly.
type TxView struct {
	cache Cache

	// OnApplyError is called when publishing a committed overlay fails.
	// The underlying cache may then hold part of the transaction.
	OnApplyError func(ctx context.Context, err error)
}

var _ Cache = (*TxView)(nil)

func NewTxView(c Cache) *TxView {
	return &TxView{cache: c}
}

// Underlying returns the wrapped cache.
func (v *TxView) Underlying() Cache { return v.cache }

type overlay struct {
	mu      sync.Mutex
	cleared bool
	puts    map[string][]byte
	deletes mapset.Set[string]
}

func newOverlay() *overlay {
	return &overlay{
		puts:    map[string][]byte{},
		deletes: mapset.NewThreadUnsafeSet[string](),
	}
}

// Begin attaches an overlay to the transaction in ctx and registers its
// publishing hook. Callers that need the hook to run before hooks
// registered later in the transaction call Begin early; it is idempotent.
func (v *TxView) Begin(ctx context.Context) error {
	_, err := v.current(ctx, true)
	return err
}

func (v *TxView) current(ctx context.Context, create bool) (*overlay, error) {
	tx := txn.Active(ctx)
	if tx == nil {
		return nil, nil
	}
	if o, ok := tx.Resource(v).(*overlay); ok {
		return o, nil
	}
	if !create {
		return nil, nil
	}
	o := newOverlay()
	if err := tx.RegisterSynchronization(txn.SyncFuncs{
		After: func(ctx context.Context, committed bool) {
			tx.PutResource(v, nil)
			if committed {
				v.apply(ctx, o)
			}
		},
	}); err != nil {
		return nil, err
	}
	tx.PutResource(v, o)
	return o, nil
}

func (v *TxView) apply(ctx context.Context, o *overlay) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var result *multierror.Error
	if o.cleared {
		if err := v.cache.Clear(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, key := range o.deletes.ToSlice() {
		if err := v.cache.Delete(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(o.puts)) {
		if err := v.cache.Put(ctx, key, o.puts[key]); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		logctx.FromContext(ctx).Error("Failed to publish committed cache entries", slog.Any("error", err))
		if v.OnApplyError != nil {
			v.OnApplyError(ctx, err)
		}
	}
}

func (v *TxView) Get(ctx context.Context, key string) ([]byte, bool, error) {
	o, err := v.current(ctx, false)
	if err != nil {
		return nil, false, err
	}
	if o != nil {
		o.mu.Lock()
		value, put := o.puts[key]
		hidden := o.cleared || o.deletes.Contains(key)
		o.mu.Unlock()
		if put {
			return slices.Clone(value), true, nil
		}
		if hidden {
			return nil, false, nil
		}
	}
	return v.cache.Get(ctx, key)
}

func (v *TxView) Put(ctx context.Context, key string, value []byte) error {
	o, err := v.current(ctx, true)
	if err != nil {
		return err
	}
	if o == nil {
		return v.cache.Put(ctx, key, value)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes.Remove(key)
	o.puts[key] = slices.Clone(value)
	return nil
}

func (v *TxView) Delete(ctx context.Context, key string) error {
	o, err := v.current(ctx, true)
	if err != nil {
		return err
	}
	if o == nil {
		return v.cache.Delete(ctx, key)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.puts, key)
	if !o.cleared {
		o.deletes.Add(key)
	}
	return nil
}

func (v *TxView) Clear(ctx context.Context) error {
	o, err := v.current(ctx, true)
	if err != nil {
		return err
	}
	if o == nil {
		return v.cache.Clear(ctx)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared = true
	o.puts = map[string][]byte{}
	o.deletes.Clear()
	return nil
}

func (v *TxView) Entries(ctx context.Context) (map[string][]byte, error) {
	o, err := v.current(ctx, false)
	if err != nil {
		return nil, err
	}

	out := map[string][]byte{}
	if o != nil {
		o.mu.Lock()
		defer o.mu.Unlock()
	}
	if o == nil || !o.cleared {
		if out, err = v.cache.Entries(ctx); err != nil {
			return nil, err
		}
	}
	if o != nil {
		for key := range o.deletes.Iter() {
			delete(out, key)
		}
		for key, value := range o.puts {
			out[key] = slices.Clone(value)
		}
	}
	return out, nil
}

func (v *TxView) Ping(ctx context.Context) error {
	return v.cache.Ping(ctx)
}
