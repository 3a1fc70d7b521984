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

// Package remote serves a configuration store over HTTP and provides a
// backend that talks to such a server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

// Config describes the remote endpoint.
type Config struct {
	URL          string        `mapstructure:"url"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

func DefaultConfig() Config {
	return Config{
		RetryMax:     3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

// Client is a backend whose tree lives in another confkeeper. Writes are
// applied remotely right away; locking and transactions belong to the
// server.
type Client struct {
	base   *url.URL
	client *retryablehttp.Client
}

var _ storage.Backend = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q: scheme and host are required", cfg.URL)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = slog.Default().With(slog.String("component", "remote"))

	return &Client{base: base, client: rc}, nil
}

// StatusError is a response the client did not expect.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.base
	u.Path += p
	u.RawQuery = query.Encode()
	return u.String()
}

func pathQuery(path nodes.Path) url.Values {
	return url.Values{"path": []string{path.String()}}
}

// do sends the request and returns the body of a 2xx response. A 404
// yields (nil, false, nil).
func (c *Client) do(ctx context.Context, method, target string, body any) ([]byte, bool, error) {
	var payload any
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, false, err
		}
		payload = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, true, nil
	default:
		return nil, false, &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
}

// decodeNode parses a JSON node keeping integers apart from floats.
func decodeNode(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return nodes.Normalize(raw), nil
}

func (c *Client) GetFullTree(ctx context.Context) (map[string]any, error) {
	data, ok, err := c.do(ctx, http.MethodGet, c.endpoint("/config/exportFullConfiguration", nil), nil)
	if err != nil {
		return nil, storage.WrapError("get", nil, err)
	}
	if !ok {
		return map[string]any{}, nil
	}
	node, err := decodeNode(data)
	if err != nil {
		return nil, storage.WrapError("decode", nil, err)
	}
	root, isMap := node.(map[string]any)
	if !isMap {
		if node == nil {
			return map[string]any{}, nil
		}
		return nil, storage.WrapError("decode", nil, fmt.Errorf("root is %T", node))
	}
	return root, nil
}

func (c *Client) GetConfigurationRoot(ctx context.Context) (map[string]any, error) {
	return c.GetFullTree(ctx)
}

func (c *Client) GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error) {
	if path.IsRoot() {
		return c.GetFullTree(ctx)
	}
	data, ok, err := c.do(ctx, http.MethodGet, c.endpoint("/config/node", pathQuery(path)), nil)
	if err != nil || !ok {
		return nil, storage.WrapError("get", path, err)
	}
	node, err := decodeNode(data)
	return node, storage.WrapError("decode", path, err)
}

func (c *Client) NodeExists(ctx context.Context, path nodes.Path) (bool, error) {
	if path.IsRoot() {
		return true, nil
	}
	node, err := c.GetConfigurationNode(ctx, path)
	return node != nil, err
}

func (c *Client) PersistNode(ctx context.Context, path nodes.Path, node any) error {
	if path.Len() <= storage.Level {
		return &storage.InvalidPathDepthError{Op: "persist", Path: path, Level: storage.Level}
	}
	_, _, err := c.do(ctx, http.MethodPost, c.endpoint("/config/node", pathQuery(path)), nodes.Normalize(node))
	return storage.WrapError("persist", path, err)
}

func (c *Client) RemoveNode(ctx context.Context, path nodes.Path) error {
	_, _, err := c.do(ctx, http.MethodDelete, c.endpoint("/config/node", pathQuery(path)), nil)
	return storage.WrapError("remove", path, err)
}

// ImportFullConfiguration replaces the remote tree.
func (c *Client) ImportFullConfiguration(ctx context.Context, root map[string]any) error {
	_, _, err := c.do(ctx, http.MethodPost, c.endpoint("/config/importFullConfiguration", nil), root)
	return storage.WrapError("import", nil, err)
}

// PathByUUID asks the server's reference index.
func (c *Client) PathByUUID(ctx context.Context, uuid string) (nodes.Path, bool, error) {
	data, ok, err := c.do(ctx, http.MethodGet, c.endpoint("/config/pathByUUID/"+url.PathEscape(uuid), nil), nil)
	if err != nil || !ok {
		return nil, false, err
	}
	var body pathResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, false, err
	}
	p, err := nodes.Parse(body.Path)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (c *Client) RefreshNode(context.Context, nodes.Path) error { return nil }

func (c *Client) Search(ctx context.Context, q nodes.Query) ([]nodes.Match, error) {
	root, err := c.GetFullTree(ctx)
	if err != nil {
		return nil, err
	}
	return nodes.Search(root, q), nil
}

// Lock is a no-op: the server locks within each request.
func (c *Client) Lock(context.Context) error { return nil }

func (c *Client) RunBatch(ctx context.Context, fn storage.BatchFunc) error {
	return fn(ctx)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, c.endpoint("/config/ping", nil), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return err
		}
		return fmt.Errorf("remote configuration server unreachable: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}
