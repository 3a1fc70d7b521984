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
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ConsulConfig selects the Consul agent and the key space used.
type ConsulConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Prefix  string `mapstructure:"prefix"`
}

func DefaultConsulConfig() ConsulConfig {
	return ConsulConfig{
		Address: "127.0.0.1:8500",
		Prefix:  "confkeeper",
	}
}

// ConsulProvider stores every named cache under <prefix>/<name>/ in the
// Consul KV store, shared by all nodes talking to the same cluster.
type ConsulProvider struct {
	client *api.Client
	prefix string
}

var _ Provider = (*ConsulProvider)(nil)

func NewConsulProvider(cfg ConsulConfig) (*ConsulProvider, error) {
	ccfg := api.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		ccfg.Token = cfg.Token
	}
	client, err := api.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "confkeeper"
	}
	return &ConsulProvider{client: client, prefix: prefix}, nil
}

func (p *ConsulProvider) Named(name string) (Cache, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}
	return &Consul{
		kv:     p.client.KV(),
		status: p.client.Status(),
		prefix: p.prefix + "/" + name + "/",
	}, nil
}

func (p *ConsulProvider) Close() error { return nil }

// Consul is one named cache. Keys are path-escaped so that the tree's own
// "/" separators do not create Consul folders.
type Consul struct {
	kv     *api.KV
	status *api.Status
	prefix string
}

var _ Cache = (*Consul)(nil)

func (c *Consul) key(k string) string {
	return c.prefix + url.PathEscape(k)
}

func (c *Consul) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pair, _, err := c.kv.Get(c.key(key), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, false, err
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

func (c *Consul) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.kv.Put(&api.KVPair{Key: c.key(key), Value: value}, (&api.WriteOptions{}).WithContext(ctx))
	return err
}

func (c *Consul) Delete(ctx context.Context, key string) error {
	_, err := c.kv.Delete(c.key(key), (&api.WriteOptions{}).WithContext(ctx))
	return err
}

func (c *Consul) Clear(ctx context.Context) error {
	_, err := c.kv.DeleteTree(c.prefix, (&api.WriteOptions{}).WithContext(ctx))
	return err
}

func (c *Consul) Entries(ctx context.Context) (map[string][]byte, error) {
	pairs, _, err := c.kv.List(c.prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		k, err := url.PathUnescape(strings.TrimPrefix(pair.Key, c.prefix))
		if err != nil {
			return nil, fmt.Errorf("bad cache key %q: %w", pair.Key, err)
		}
		out[k] = pair.Value
	}
	return out, nil
}

func (c *Consul) Ping(context.Context) error {
	leader, err := c.status.Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return errors.New("consul cluster has no leader")
	}
	return nil
}
