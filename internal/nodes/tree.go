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

package nodes

import (
	"sort"
	"strconv"
)

// Get returns the node at p. Map keys address map children; a decimal
// segment addresses a list element.
func Get(root any, p Path) (any, bool) {
	cur := root
	for _, seg := range p {
		switch n := cur.(type) {
		case map[string]any:
			next, ok := n[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			cur = n[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func Exists(root any, p Path) bool {
	_, ok := Get(root, p)
	return ok
}

// Replace stores node at p inside root, creating intermediate maps and
// overwriting non-map intermediates. Replacing the root requires a map
// (or nil, which yields an empty map). The possibly new root is returned.
func Replace(root map[string]any, p Path, node any) map[string]any {
	if len(p) == 0 {
		if m, ok := node.(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}
	if root == nil {
		root = map[string]any{}
	}
	cur := root
	for _, seg := range p[:len(p)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[p.Last()] = node
	return root
}

// Remove deletes the node at p. Removing the root clears every key.
func Remove(root map[string]any, p Path) bool {
	if root == nil {
		return false
	}
	if len(p) == 0 {
		for k := range root {
			delete(root, k)
		}
		return true
	}
	parent, ok := Get(root, p.Parent())
	if !ok {
		return false
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m[p.Last()]; !ok {
		return false
	}
	delete(m, p.Last())
	return true
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WalkFunc is called for every node visited by Walk. Returning SkipChildren
// prunes the subtree below the current node.
type WalkFunc func(p Path, node any) error

// Walk visits node and all of its descendants depth-first, map keys in
// ascending order, list elements by index.
func Walk(node any, base Path, fn WalkFunc) error {
	err := fn(base, node)
	if err == SkipChildren {
		return nil
	}
	if err != nil {
		return err
	}
	switch n := node.(type) {
	case map[string]any:
		for _, k := range SortedKeys(n) {
			if err := Walk(n[k], base.Append(k), fn); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range n {
			if err := Walk(child, base.Append(strconv.Itoa(i)), fn); err != nil {
				return err
			}
		}
	}
	return nil
}
