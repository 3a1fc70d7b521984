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
	"strings"
)

// Row is one partition: the escaped outer path and the encoded subtree
// stored below it.
type Row struct {
	Key  string
	Blob []byte
}

// RowStore persists partition rows. Implementations join the transaction
// carried by ctx when there is one and auto-commit otherwise.
type RowStore interface {
	LoadRows(ctx context.Context) ([]Row, error)
	GetRow(ctx context.Context, key string) ([]byte, bool, error)
	PutRow(ctx context.Context, key string, blob []byte) error
	DeleteRow(ctx context.Context, key string) error
	// DeletePrefix removes every row whose key equals prefix or lies
	// below it. The root prefix "/" removes all rows.
	DeletePrefix(ctx context.Context, prefix string) error
	// Lock takes the cross-process writer lock for the rest of the
	// transaction in ctx. Repeated calls in one transaction are no-ops.
	Lock(ctx context.Context) error
	Close() error
}

// KeyHasPrefix is the segment-aware prefix test shared by row stores:
// "/a/b" is below "/a" but not below "/a/bc".
func KeyHasPrefix(key, prefix string) bool {
	if prefix == "/" || prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}
