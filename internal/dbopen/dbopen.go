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


// Package dbopen builds Postgres connection strings from the environment.
package dbopen

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/cardinalhq/confkeeper/configdb/migrations"
)

var ErrDatabaseNotConfigured = errors.New("database connection configuration is unavailable")

// Options tune how a connection is opened.
type Options struct {
	MigrationCheckOptions []migrations.CheckOption
}

// WarnOnMigrationMismatch suits tooling that should still run against an
// older schema.
func WarnOnMigrationMismatch() Options {
	return Options{MigrationCheckOptions: []migrations.CheckOption{migrations.WithCheckMode(migrations.CheckModeWarn)}}
}

// SkipMigrationCheck is for callers that migrate the schema themselves.
func SkipMigrationCheck() Options {
	return Options{MigrationCheckOptions: []migrations.CheckOption{migrations.WithCheckMode(migrations.CheckModeSkip)}}
}

// GetDatabaseURLFromEnv returns PREFIX_URL when set. Otherwise it builds
// a postgresql URL from PREFIX_HOST and PREFIX_DBNAME (both required) and
// the optional PREFIX_PORT, PREFIX_USER, PREFIX_PASSWORD, PREFIX_SSLMODE.
func GetDatabaseURLFromEnv(prefix string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "_") + "_"
	env := func(name string) string { return os.Getenv(prefix + name) }

	if u := env("URL"); u != "" {
		return u, nil
	}

	host, dbname := env("HOST"), env("DBNAME")
	var missing []string
	if host == "" {
		missing = append(missing, prefix+"HOST")
	}
	if dbname == "" {
		missing = append(missing, prefix+"DBNAME")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	port := env("PORT")
	if port == "" {
		port = "5432"
	}
	u := &url.URL{Scheme: "postgresql", Host: host + ":" + port, Path: dbname}
	switch user, pass := env("USER"), env("PASSWORD"); {
	case user != "" && pass != "":
		u.User = url.UserPassword(user, pass)
	case user != "":
		u.User = url.User(user)
	}

	q := u.Query()
	if sslmode := env("SSLMODE"); sslmode != "" {
		q.Set("sslmode", sslmode)
	}
	if name := applicationName(); name != "" {
		q.Set("application_name", name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// applicationName derives a Postgres application_name from
// OTEL_SERVICE_NAME, falling back to CONFKEEPER_NODE_NAME.
func applicationName() string {
	name := os.Getenv("OTEL_SERVICE_NAME")
	if name == "" {
		name = os.Getenv("CONFKEEPER_NODE_NAME")
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
