// Package filter holds the primitive content filters the engine builds for a
// bucket. The engine only constructs and combines them (conjunctively); the
// object store side evaluates them.
package filter

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Filter is one primitive condition. A bucket's filters are ANDed.
type Filter interface {
	Target() string
	String() string
}

// Compare tests an item against a single value. Value is an int64 or a string.
type Compare struct {
	Path            string
	Op              Op
	Value           any
	CaseInsensitive bool
}

// In tests membership of an item in a value set.
type In struct {
	Path            string
	Values          []string
	CaseInsensitive bool
}

func (c Compare) Target() string { return c.Path }
func (i In) Target() string      { return i.Path }

func (c Compare) String() string {
	s := fmt.Sprintf("%s %s %#v", c.Path, c.Op, c.Value)
	if c.CaseInsensitive {
		s += " ci"
	}
	return s
}

func (i In) String() string {
	s := fmt.Sprintf("%s in %q", i.Path, i.Values)
	if i.CaseInsensitive {
		s += " ci"
	}
	return s
}

// Describe renders a filter sequence, "*" when it matches everything.
func Describe(filters []Filter) string {
	if len(filters) == 0 {
		return "*"
	}
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, " AND ")
}

// Fingerprint returns a stable hash of a filter sequence. Structurally equal
// sequences have equal fingerprints.
func Fingerprint(filters []Filter) uint64 {
	var sb strings.Builder
	for _, f := range filters {
		sb.WriteString(fmt.Sprintf("%T", f))
		sb.WriteByte(0)
		sb.WriteString(f.String())
		sb.WriteByte(0)
	}
	return xxh3.HashString(sb.String())
}
