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
	"fmt"
	"strconv"
	"strings"
)

// Wildcard matches any single map key in a query pattern.
const Wildcard = "*"

// Query selects nodes by a path pattern and optional equality predicates
// on the selected node's direct children.
type Query struct {
	Pattern Path
	Where   map[string]any
}

// Match is one search hit.
type Match struct {
	Path Path
	Node any
}

// ParseQuery parses "/a/*/b[key='value'][n=3]". Predicates are only
// allowed after the last segment.
func ParseQuery(s string) (Query, error) {
	q := Query{Where: map[string]any{}}
	body := s
	if i := strings.IndexByte(s, '['); i >= 0 {
		body = s[:i]
		preds := s[i:]
		for preds != "" {
			if preds[0] != '[' {
				return Query{}, fmt.Errorf("query %q: expected [ at %q", s, preds)
			}
			end := strings.IndexByte(preds, ']')
			if end < 0 {
				return Query{}, fmt.Errorf("query %q: unterminated predicate", s)
			}
			key, val, ok := strings.Cut(preds[1:end], "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return Query{}, fmt.Errorf("query %q: predicate must be key=value", s)
			}
			q.Where[key] = parseLiteral(strings.TrimSpace(val))
			preds = preds[end+1:]
		}
	}
	p, err := Parse(body)
	if err != nil {
		return Query{}, err
	}
	q.Pattern = p
	return q, nil
}

func parseLiteral(v string) any {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	switch v {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Pattern.String())
	for _, k := range SortedKeys(q.Where) {
		fmt.Fprintf(&b, "[%s=%v]", k, q.Where[k])
	}
	return b.String()
}

// Search evaluates q against root and returns deep copies of every
// matching node, ordered by path.
func Search(root any, q Query) []Match {
	var out []Match
	search(root, Path{}, q.Pattern, q.Where, &out)
	return out
}

func search(node any, at Path, rest Path, where map[string]any, out *[]Match) {
	if len(rest) == 0 {
		if matchesWhere(node, where) {
			*out = append(*out, Match{Path: at, Node: DeepCopy(node)})
		}
		return
	}
	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	seg := rest[0]
	if seg != Wildcard {
		if child, ok := m[seg]; ok {
			search(child, at.Append(seg), rest[1:], where, out)
		}
		return
	}
	for _, k := range SortedKeys(m) {
		search(m[k], at.Append(k), rest[1:], where, out)
	}
}

func matchesWhere(node any, where map[string]any) bool {
	if len(where) == 0 {
		return true
	}
	m, ok := node.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range where {
		got, ok := m[k]
		if !ok || !Equal(Normalize(got), want) {
			return false
		}
	}
	return true
}
