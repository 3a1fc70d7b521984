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
	"errors"
	"fmt"
	"strings"
)

// Path identifies a position in the configuration tree. The empty path is
// the root.
type Path []string

var ErrEmptySegment = errors.New("path segment must not be empty")

// NewPath builds a path from the given segments.
func NewPath(segments ...string) Path {
	if len(segments) == 0 {
		return Path{}
	}
	p := make(Path, len(segments))
	copy(p, segments)
	return p
}

// Parse decodes the escaped form produced by String.
func Parse(s string) (Path, error) {
	if s == "" || s == "/" {
		return Path{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("path %q must start with /", s)
	}
	raw := strings.Split(s[1:], "/")
	p := make(Path, 0, len(raw))
	for _, seg := range raw {
		if seg == "" {
			return nil, fmt.Errorf("path %q: %w", s, ErrEmptySegment)
		}
		un, err := unescapeSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", s, err)
		}
		p = append(p, un)
	}
	return p, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the escaped form: "/" for the root, otherwise each
// segment prefixed with "/", where "~" is written as "~0" and "/" as "~1".
func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(escapeSegment(seg))
	}
	return b.String()
}

// Validate reports an error if any segment is empty.
func (p Path) Validate() error {
	for i, seg := range p {
		if seg == "" {
			return fmt.Errorf("segment %d: %w", i, ErrEmptySegment)
		}
	}
	return nil
}

func (p Path) Len() int { return len(p) }

func (p Path) IsRoot() bool { return len(p) == 0 }

// Append returns a new path; p is never modified.
func (p Path) Append(segments ...string) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}

func (p Path) Parent() Path {
	if len(p) == 0 {
		return Path{}
	}
	return NewPath(p[:len(p)-1]...)
}

func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Truncate returns the first n segments, or a copy of p if it is shorter.
func (p Path) Truncate(n int) Path {
	if n >= len(p) {
		return NewPath(p...)
	}
	return NewPath(p[:n]...)
}

// HasPrefix reports whether prefix is an ancestor of, or equal to, p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (p Path) Equal(o Path) bool {
	return len(p) == len(o) && p.HasPrefix(o)
}

func escapeSegment(s string) string {
	if !strings.ContainsAny(s, "~/") {
		return s
	}
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescapeSegment(s string) (string, error) {
	if !strings.Contains(s, "~") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '~' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("dangling escape in segment %q", s)
		}
		switch s[i+1] {
		case '0':
			b.WriteByte('~')
		case '1':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("invalid escape ~%c in segment %q", s[i+1], s)
		}
		i++
	}
	return b.String(), nil
}

// Matches reports whether p has the same length as pattern and equals it
// segment by segment, Wildcard matching any segment.
func (p Path) Matches(pattern Path) bool {
	if len(p) != len(pattern) {
		return false
	}
	for i := range pattern {
		if pattern[i] != Wildcard && pattern[i] != p[i] {
			return false
		}
	}
	return true
}
