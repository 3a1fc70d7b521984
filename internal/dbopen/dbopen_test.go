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


package dbopen

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDatabaseURLFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("CONFKEEPER_NODE_NAME", "")

	t.Run("explicit url wins", func(t *testing.T) {
		t.Setenv("TESTDB_URL", "postgresql://x@y/z")
		t.Setenv("TESTDB_HOST", "ignored")
		got, err := GetDatabaseURLFromEnv("TESTDB")
		require.NoError(t, err)
		assert.Equal(t, "postgresql://x@y/z", got)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := GetDatabaseURLFromEnv("NOPEDB_")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NOPEDB_HOST")
		assert.Contains(t, err.Error(), "NOPEDB_DBNAME")
	})

	t.Run("assembled", func(t *testing.T) {
		t.Setenv("PARTDB_HOST", "db.local")
		t.Setenv("PARTDB_DBNAME", "confkeeper")
		t.Setenv("PARTDB_USER", "archive")
		t.Setenv("PARTDB_PASSWORD", "s3cret")
		t.Setenv("PARTDB_SSLMODE", "disable")
		t.Setenv("CONFKEEPER_NODE_NAME", "node 1/east")

		got, err := GetDatabaseURLFromEnv("PARTDB")
		require.NoError(t, err)
		u, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, "db.local:5432", u.Host)
		assert.Equal(t, "confkeeper", strings.TrimPrefix(u.Path, "/"))
		assert.Equal(t, "archive", u.User.Username())
		assert.Equal(t, "disable", u.Query().Get("sslmode"))
		assert.Equal(t, "node_1_east", u.Query().Get("application_name"))
	})
}

func TestOptionConstructors(t *testing.T) {
	assert.Empty(t, Options{}.MigrationCheckOptions)
	assert.Len(t, WarnOnMigrationMismatch().MigrationCheckOptions, 1)
	assert.Len(t, SkipMigrationCheck().MigrationCheckOptions, 1)
}
