package filter

import (
	"fmt"
	"strings"
)

// Item exposes the attributes a filter may reference.
type Item interface {
	Attr(path string) (any, bool)
}

// Match evaluates a conjunctive filter sequence against item. An empty
// sequence matches everything.
func Match(filters []Filter, item Item) (bool, error) {
	for _, f := range filters {
		ok, err := matchOne(f, item)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOne(f Filter, item Item) (bool, error) {
	v, ok := item.Attr(f.Target())
	if !ok {
		return false, nil
	}

	switch f := f.(type) {
	case Compare:
		c, err := compare(v, f.Value, f.CaseInsensitive)
		if err != nil {
			return false, fmt.Errorf("%s: %w", f, err)
		}
		switch f.Op {
		case OpEq:
			return c == 0, nil
		case OpGte:
			return c >= 0, nil
		case OpGt:
			return c > 0, nil
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		default:
			return false, fmt.Errorf("unknown operator %q", f.Op)
		}
	case In:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if f.CaseInsensitive {
			s = strings.ToLower(s)
		}
		for _, want := range f.Values {
			if s == want {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported filter %T", f)
	}
}

func compare(have, want any, ci bool) (int, error) {
	switch w := want.(type) {
	case int64:
		h, ok := have.(int64)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with int64", have)
		}
		switch {
		case h < w:
			return -1, nil
		case h > w:
			return 1, nil
		}
		return 0, nil
	case string:
		h, ok := have.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with string", have)
		}
		if ci {
			h = strings.ToLower(h)
		}
		return strings.Compare(h, w), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", want)
	}
}
