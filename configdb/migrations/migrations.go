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


// Package migrations holds the configuration database schema and the
// helpers that apply and verify it.
package migrations

import (
	"embed"
	"time"
)

// MigrationsTable is where golang-migrate records the applied version.
const MigrationsTable = "gomigrate_confkeeper"

//go:embed *.sql
var migrationFiles embed.FS

// CheckMode selects what CheckVersion does when the schema is behind.
type CheckMode int

const (
	// CheckModeWait polls until the schema catches up or the timeout passes.
	CheckModeWait CheckMode = iota
	// CheckModeWarn logs the mismatch once and carries on.
	CheckModeWarn
	// CheckModeSkip does not look at the schema at all.
	CheckModeSkip
)

func (m CheckMode) String() string {
	switch m {
	case CheckModeWait:
		return "wait"
	case CheckModeWarn:
		return "warn"
	case CheckModeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

type CheckOptions struct {
	Mode          CheckMode
	Timeout       time.Duration
	RetryInterval time.Duration
	AllowDirty    bool
}

type CheckOption func(*CheckOptions)

func WithCheckMode(mode CheckMode) CheckOption {
	return func(o *CheckOptions) { o.Mode = mode }
}

func WithTimeout(timeout time.Duration) CheckOption {
	return func(o *CheckOptions) { o.Timeout = timeout }
}

func WithRetryInterval(interval time.Duration) CheckOption {
	return func(o *CheckOptions) { o.RetryInterval = interval }
}

func WithAllowDirty(allow bool) CheckOption {
	return func(o *CheckOptions) { o.AllowDirty = allow }
}

func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Mode:          CheckModeWait,
		Timeout:       60 * time.Second,
		RetryInterval: 5 * time.Second,
	}
}
