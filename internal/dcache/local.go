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
	"slices"
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// Local is an in-process cache for single-node deployments. Entries never
// expire.
type Local struct {
	cache *ttlcache.Cache[string, []byte]
}

var _ Cache = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []byte](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := l.cache.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return slices.Clone(item.Value()), true, nil
}

func (l *Local) Put(_ context.Context, key string, value []byte) error {
	l.cache.Set(key, slices.Clone(value), ttlcache.NoTTL)
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.cache.Delete(key)
	return nil
}

func (l *Local) Clear(context.Context) error {
	l.cache.DeleteAll()
	return nil
}

func (l *Local) Entries(context.Context) (map[string][]byte, error) {
	items := l.cache.Items()
	out := make(map[string][]byte, len(items))
	for k, item := range items {
		out[k] = slices.Clone(item.Value())
	}
	return out, nil
}

func (l *Local) Ping(context.Context) error { return nil }

// LocalProvider hands out one Local per name.
type LocalProvider struct {
	mu     sync.Mutex
	caches map[string]*Local
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{caches: map[string]*Local{}}
}

func (p *LocalProvider) Named(name string) (Cache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[name]
	if !ok {
		c = NewLocal()
		p.caches[name] = c
	}
	return c, nil
}

func (p *LocalProvider) Close() error { return nil }
