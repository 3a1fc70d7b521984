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

// Package notify collects the paths changed by each committed transaction
// and spreads them as one ChangeEvent to local subscribers and the rest of
// the cluster.
package notify

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cardinalhq/confkeeper/internal/nodes"
)

// EventContext tells receivers why the tree changed.
type EventContext string

const (
	ContextConfigChange EventContext = "CONFIG_CHANGE"
	ContextUpgrade      EventContext = "CONFIG_UPGRADE"
)

// ChangeEvent lists the escaped paths changed by one unit of work.
type ChangeEvent struct {
	ID           string       `json:"id"`
	ChangedPaths []string     `json:"changedPaths"`
	Context      EventContext `json:"context"`
	OriginNode   string       `json:"originNode"`
}

// Paths parses ChangedPaths.
func (e ChangeEvent) Paths() ([]nodes.Path, error) {
	out := make([]nodes.Path, 0, len(e.ChangedPaths))
	for _, s := range e.ChangedPaths {
		p, err := nodes.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("change event %s: %w", e.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Affects reports whether a change lies within scope or above it. A
// change above the scope may have replaced the whole scope.
func (e ChangeEvent) Affects(scope nodes.Path) bool {
	for _, s := range e.ChangedPaths {
		p, err := nodes.Parse(s)
		if err != nil {
			// unparsable paths cannot be ruled out
			return true
		}
		if p.HasPrefix(scope) || scope.HasPrefix(p) {
			return true
		}
	}
	return false
}

func (e ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(data []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	return e, nil
}

// Collapse drops every path that has an ancestor (or itself) earlier in
// the list and returns the rest sorted.
func Collapse(paths []nodes.Path) []nodes.Path {
	sorted := slices.Clone(paths)
	slices.SortFunc(sorted, func(a, b nodes.Path) int {
		return slices.Compare(a, b)
	})
	out := sorted[:0]
	for _, p := range sorted {
		if len(out) > 0 && p.HasPrefix(out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}
