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
	"errors"
	"fmt"

	"github.com/cardinalhq/confkeeper/internal/nodes"
)

var ErrNoTransaction = errors.New("operation requires an active transaction")

// ConfigurationError wraps a backend I/O or encoding failure.
type ConfigurationError struct {
	Op   string
	Path nodes.Path
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == nil {
		return fmt.Sprintf("configuration %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("configuration %s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// WrapError tags err with the failing operation unless it already is a
// ConfigurationError.
func WrapError(op string, p nodes.Path, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigurationError{Op: op, Path: p, Err: err}
}

// InvalidPathDepthError is returned for single-node operations addressed
// at or above the partition boundary.
type InvalidPathDepthError struct {
	Op    string
	Path  nodes.Path
	Level int
}

func (e *InvalidPathDepthError) Error() string {
	return fmt.Sprintf("%s %s: depth %d is not supported, nodes must be deeper than %d",
		e.Op, e.Path, e.Path.Len(), e.Level)
}
