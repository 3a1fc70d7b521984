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

package layers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/confkeeper/internal/codec"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/schema"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

func newBackend(t *testing.T) *storage.Partitioned {
	t.Helper()
	c, err := codec.NewCBOR()
	require.NoError(t, err)
	return storage.NewPartitioned(storage.NewMemoryRows(), c)
}

var archiveAE = schema.DevicesRoot.Append("archive", "dicomNetworkAE")

func TestExtensionMergeKeepsUnsentExtensions(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	l := NewExtensionMerge(backend)

	require.NoError(t, l.PersistNode(ctx, archiveAE, map[string]any{
		"ARCHIVE": map[string]any{
			"dicomAETitle": "ARCHIVE",
			"aeExtensions": map[string]any{
				"storage":  map[string]any{"id": "fs1"},
				"queryRet": map[string]any{"enabled": true},
			},
		},
	}))

	require.NoError(t, l.PersistNode(ctx, archiveAE, map[string]any{
		"ARCHIVE": map[string]any{
			"dicomAETitle": "ARCHIVE",
			"aeExtensions": map[string]any{"storage": map[string]any{"id": "fs2"}},
		},
	}))

	got, err := backend.GetConfigurationNode(ctx, archiveAE.Append("ARCHIVE", "aeExtensions"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"storage":  map[string]any{"id": "fs2"},
		"queryRet": map[string]any{"enabled": true},
	}, got)

	// writing the container itself merges as well
	require.NoError(t, l.PersistNode(ctx, archiveAE.Append("ARCHIVE", "aeExtensions"), map[string]any{}))
	got, err = backend.GetConfigurationNode(ctx, archiveAE.Append("ARCHIVE", "aeExtensions", "queryRet"))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestOptimisticLocking(t *testing.T) {
	ctx := context.Background()
	l, err := NewOptimisticLocking(newBackend(t))
	require.NoError(t, err)
	path := archiveAE.Append("ARCHIVE")

	require.NoError(t, l.PersistNode(ctx, path, map[string]any{"_.uuid": "ae1", "dicomAETitle": "ARCHIVE"}))

	first, err := l.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	stamp, ok := first.(map[string]any)[HashKey].(string)
	require.True(t, ok)
	require.NotEmpty(t, stamp)

	second, err := l.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, stamp, second.(map[string]any)[HashKey], "stamp is stable for unchanged content")

	q, err := nodes.ParseQuery(archiveAE.String() + "/*[dicomAETitle='ARCHIVE']")
	require.NoError(t, err)
	matches, err := l.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Path.Equal(path))
	assert.Equal(t, stamp, matches[0].Node.(map[string]any)[HashKey], "search results carry the same stamp")

	// writer one wins
	first.(map[string]any)["dicomDescription"] = "one"
	require.NoError(t, l.PersistNode(ctx, path, first))

	// writer two read before writer one committed
	second.(map[string]any)["dicomDescription"] = "two"
	err = l.PersistNode(ctx, path, second)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Path.Equal(path))

	stored, err := l.Configuration.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.NotContains(t, stored, HashKey, "stamps are never stored")
	assert.Equal(t, "one", stored.(map[string]any)["dicomDescription"])
}

func TestDefaultsFilter(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	l := NewDefaults(backend, schema.Defaults)
	path := archiveAE.Append("ARCHIVE")

	require.NoError(t, l.PersistNode(ctx, path, map[string]any{
		"dicomAETitle":              "ARCHIVE",
		"dicomAssociationAcceptor":  true,
		"dicomAssociationInitiator": true,
		"dicomDescription":          nil,
	}))

	stored, err := backend.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"dicomAETitle":              "ARCHIVE",
		"dicomAssociationInitiator": true,
	}, stored)

	got, err := l.GetConfigurationNode(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"dicomAETitle":              "ARCHIVE",
		"dicomAssociationAcceptor":  true,
		"dicomAssociationInitiator": true,
	}, got)

	acceptor, err := l.GetConfigurationNode(ctx, path.Append("dicomAssociationAcceptor"))
	require.NoError(t, err)
	assert.Equal(t, true, acceptor)
	ok, err := l.NodeExists(ctx, archiveAE.Append("MISSING", "dicomAssociationAcceptor"))
	require.NoError(t, err)
	assert.False(t, ok)

	// a null write removes the value
	require.NoError(t, l.PersistNode(ctx, path.Append("dicomAssociationInitiator"), nil))
	ok, err = backend.NodeExists(ctx, path.Append("dicomAssociationInitiator"))
	require.NoError(t, err)
	assert.False(t, ok)
}
