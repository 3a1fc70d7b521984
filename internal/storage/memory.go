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
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cardinalhq/confkeeper/internal/txn"
)

// MemoryRows keeps rows in process memory. Writes made inside a
// transaction are staged and only become visible to others on commit.
type MemoryRows struct {
	mu   sync.RWMutex
	rows map[string][]byte
	lock *semaphore.Weighted
}

var _ RowStore = (*MemoryRows)(nil)

func NewMemoryRows() *MemoryRows {
	return &MemoryRows{
		rows: map[string][]byte{},
		lock: semaphore.NewWeighted(1),
	}
}

type memoryTx struct {
	puts    map[string][]byte
	deletes map[string]bool
	locked  bool
}

func (m *MemoryRows) staged(ctx context.Context, create bool) (*memoryTx, error) {
	tx := txn.Active(ctx)
	if tx == nil {
		return nil, nil
	}
	if st, ok := tx.Resource(m).(*memoryTx); ok {
		return st, nil
	}
	if !create {
		return nil, nil
	}
	st := &memoryTx{puts: map[string][]byte{}, deletes: map[string]bool{}}
	if err := tx.Enlist(&memoryParticipant{store: m, st: st}); err != nil {
		return nil, err
	}
	tx.PutResource(m, st)
	return st, nil
}

func (m *MemoryRows) LoadRows(ctx context.Context) ([]Row, error) {
	st, err := m.staged(ctx, false)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	merged := make(map[string][]byte, len(m.rows))
	for k, v := range m.rows {
		merged[k] = v
	}
	m.mu.RUnlock()

	if st != nil {
		for k := range st.deletes {
			delete(merged, k)
		}
		for k, v := range st.puts {
			merged[k] = v
		}
	}

	out := make([]Row, 0, len(merged))
	for k, v := range merged {
		out = append(out, Row{Key: k, Blob: slices.Clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryRows) GetRow(ctx context.Context, key string) ([]byte, bool, error) {
	st, err := m.staged(ctx, false)
	if err != nil {
		return nil, false, err
	}
	if st != nil {
		if v, ok := st.puts[key]; ok {
			return slices.Clone(v), true, nil
		}
		if st.deletes[key] {
			return nil, false, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[key]
	return slices.Clone(v), ok, nil
}

func (m *MemoryRows) PutRow(ctx context.Context, key string, blob []byte) error {
	st, err := m.staged(ctx, true)
	if err != nil {
		return err
	}
	if st != nil {
		delete(st.deletes, key)
		st.puts[key] = slices.Clone(blob)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = slices.Clone(blob)
	return nil
}

func (m *MemoryRows) DeleteRow(ctx context.Context, key string) error {
	st, err := m.staged(ctx, true)
	if err != nil {
		return err
	}
	if st != nil {
		delete(st.puts, key)
		st.deletes[key] = true
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *MemoryRows) DeletePrefix(ctx context.Context, prefix string) error {
	st, err := m.staged(ctx, true)
	if err != nil {
		return err
	}
	if st != nil {
		for k := range st.puts {
			if KeyHasPrefix(k, prefix) {
				delete(st.puts, k)
			}
		}
		m.mu.RLock()
		for k := range m.rows {
			if KeyHasPrefix(k, prefix) {
				st.deletes[k] = true
			}
		}
		m.mu.RUnlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.rows {
		if KeyHasPrefix(k, prefix) {
			delete(m.rows, k)
		}
	}
	return nil
}

// Lock stands in for a database row lock: it is held until the
// transaction in ctx completes. Outside a transaction it is a no-op.
func (m *MemoryRows) Lock(ctx context.Context) error {
	st, err := m.staged(ctx, true)
	if err != nil || st == nil || st.locked {
		return err
	}
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	st.locked = true
	return nil
}

func (m *MemoryRows) Close() error { return nil }

type memoryParticipant struct {
	store *MemoryRows
	st    *memoryTx
}

func (p *memoryParticipant) Commit(context.Context) error {
	p.store.mu.Lock()
	for k := range p.st.deletes {
		delete(p.store.rows, k)
	}
	for k, v := range p.st.puts {
		p.store.rows[k] = v
	}
	p.store.mu.Unlock()
	p.release()
	return nil
}

func (p *memoryParticipant) Rollback(context.Context) error {
	p.release()
	return nil
}

func (p *memoryParticipant) release() {
	if p.st.locked {
		p.st.locked = false
		p.store.lock.Release(1)
	}
}
