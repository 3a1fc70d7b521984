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

// Package nodes holds the configuration tree model. A node is one of nil,
// string, bool, int64, float64, []any or map[string]any; Normalize maps
// anything a decoder may produce onto that set.
package nodes

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/copystructure"
)

var SkipChildren = errors.New("skip children")

// Normalize converts v into the closed node type set. Unknown types are
// rendered with fmt.Sprint.
func Normalize(v any) any {
	switch n := v.(type) {
	case nil, string, bool, int64, float64:
		return n
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return clampUint(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return clampUint(n)
	case float32:
		return float64(n)
	case []byte:
		return string(n)
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = Normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(n))
		for k, s := range n {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	default:
		return fmt.Sprint(n)
	}
}

func clampUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

// DeepCopy returns a structurally identical value sharing no maps or
// slices with v. v must already be normalized.
func DeepCopy(v any) any {
	if v == nil {
		return nil
	}
	return copystructure.Must(copystructure.Copy(v))
}

// CopyMap is DeepCopy for a map root. A nil map yields an empty map.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepCopy(m).(map[string]any)
}

// Equal compares two nodes structurally.
func Equal(a, b any) bool {
	return cmp.Equal(a, b)
}

// AsMap returns v as a map if it is one.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
