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


package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/confkeeper/config"
	"github.com/cardinalhq/confkeeper/internal/nodes"
)

const sampleYAML = `
dicomConfigurationRoot:
  dicomDevicesRoot:
    archive:
      _.uuid: dev-archive
      dicomDeviceName: archive
      dicomConnection:
        - _.uuid: c1
          dicomPort: 104
`

func TestDecodeTreeKeepsIntegers(t *testing.T) {
	node, err := decodeTree([]byte(sampleYAML))
	require.NoError(t, err)
	port, ok := nodes.Get(node, nodes.MustParse("/dicomConfigurationRoot/dicomDevicesRoot/archive/dicomConnection/0/dicomPort"))
	require.True(t, ok)
	assert.Equal(t, int64(104), port)
}

func TestEncodeTree(t *testing.T) {
	node := map[string]any{"a": map[string]any{"b": int64(1)}}

	var buf bytes.Buffer
	require.NoError(t, encodeTree(&buf, node, "json"))
	assert.JSONEq(t, `{"a":{"b":1}}`, buf.String())

	buf.Reset()
	require.NoError(t, encodeTree(&buf, node, "yaml"))
	assert.Equal(t, "a:\n  b: 1\n", buf.String())

	require.Error(t, encodeTree(&buf, node, "xml"))
}

func TestOpenAppImportExport(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Store.Backend = "bolt"
	cfg.Store.BoltPath = filepath.Join(t.TempDir(), "confkeeper.db")
	cfg.Cache.ReadyAttempts = 1
	ctx := context.Background()

	node, err := decodeTree([]byte(sampleYAML))
	require.NoError(t, err)

	a, err := openApp(ctx, cfg, false)
	require.NoError(t, err)
	require.NoError(t, a.store.ImportTree(ctx, nodes.Path{}, node))
	require.NoError(t, a.Close())

	a, err = openApp(ctx, cfg, false)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	p, ok, err := a.store.ResolveUUID(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok, "the index is rebuilt from the reopened backend")
	assert.Equal(t, "/dicomConfigurationRoot/dicomDevicesRoot/archive/dicomConnection/0", p.String())
	require.NoError(t, a.store.CheckIntegrity(ctx))

	out := filepath.Join(t.TempDir(), "export.json")
	f, err := os.Create(out)
	require.NoError(t, err)
	root, err := a.store.ExportTree(ctx)
	require.NoError(t, err)
	require.NoError(t, encodeTree(f, root, "json"))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dicomDeviceName": "archive"`)
}

func TestRunUpgradeWithoutSettings(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Cache.ReadyAttempts = 1
	a, err := openApp(context.Background(), cfg, false)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	require.NoError(t, a.runUpgrade(context.Background()))
}
