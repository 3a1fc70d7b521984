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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/txn"
)

func TestDocumentLoadsJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonFile := filepath.Join(dir, "tree.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"dicomConfigurationRoot":{"dicomDevicesRoot":{"dev1":{"port":104}}}}`), 0o600))

	d, err := OpenDocument(jsonFile)
	require.NoError(t, err)
	got, err := d.GetConfigurationNode(context.Background(), nodes.MustParse("/dicomConfigurationRoot/dicomDevicesRoot/dev1/port"))
	require.NoError(t, err)
	assert.Equal(t, int64(104), got)

	missing, err := OpenDocument(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	root, err := missing.GetConfigurationRoot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestDocumentCommitWritesFile(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "tree.yaml")
	d, err := OpenDocument(file)
	require.NoError(t, err)

	m := txn.NewManager()
	require.NoError(t, m.Run(ctx, func(ctx context.Context) error {
		// no partition boundary for a single document
		return d.PersistNode(ctx, nodes.MustParse("/a"), map[string]any{"b": "c"})
	}))

	err = m.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, d.RemoveNode(ctx, nodes.MustParse("/a")))
		return assert.AnError
	})
	require.Error(t, err)

	reopened, err := OpenDocument(file)
	require.NoError(t, err)
	got, err := reopened.GetConfigurationNode(ctx, nodes.MustParse("/a/b"))
	require.NoError(t, err)
	assert.Equal(t, "c", got)
}
