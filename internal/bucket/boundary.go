package bucket

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a segmentation strategy.
type Kind string

const (
	// KindDefault selects the fallback handler in a registry.
	KindDefault  Kind = ""
	KindNull     Kind = "null"
	KindNumeric  Kind = "numeric"
	KindString   Kind = "string"
	KindExplicit Kind = "explicit"
)

// ParseKind validates a kind name read from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindNull, KindNumeric, KindString, KindExplicit:
		return k, nil
	case KindDefault:
		return KindNull, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnsupportedKind)
	}
}

// Boundary is the kind-specific description of the part of the object space
// a bucket covers. Implementations are immutable values.
type Boundary interface {
	Kind() Kind
	String() string
}

// Null covers the whole object space.
type Null struct{}

// NumericInterval covers [From, To] or [From, To) over a numeric item.
type NumericInterval struct {
	From        int64 `json:"from"`
	To          int64 `json:"to"`
	ExclusiveTo bool  `json:"exclusiveTo"`
}

// StringInterval covers [From, To) over a string item. An empty To is unbounded.
type StringInterval struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

// ExplicitValues enumerates the item values a bucket covers.
type ExplicitValues struct {
	Values []string `json:"values"`
}

func (Null) Kind() Kind            { return KindNull }
func (NumericInterval) Kind() Kind { return KindNumeric }
func (StringInterval) Kind() Kind  { return KindString }
func (ExplicitValues) Kind() Kind  { return KindExplicit }

func (Null) String() string { return "*" }

func (n NumericInterval) String() string {
	if n.ExclusiveTo {
		return fmt.Sprintf("[%d,%d)", n.From, n.To)
	}
	return fmt.Sprintf("[%d,%d]", n.From, n.To)
}

func (s StringInterval) String() string {
	if s.To == "" {
		return fmt.Sprintf("[%q,...)", s.From)
	}
	return fmt.Sprintf("[%q,%q)", s.From, s.To)
}

func (e ExplicitValues) String() string {
	return fmt.Sprintf("{%d values}", len(e.Values))
}

// boundaryEnvelope is the tagged wire form of a Boundary.
type boundaryEnvelope struct {
	Kind     Kind             `json:"kind"`
	Numeric  *NumericInterval `json:"numeric,omitempty"`
	String   *StringInterval  `json:"string,omitempty"`
	Explicit *ExplicitValues  `json:"explicit,omitempty"`
}

// MarshalBoundary encodes a boundary with its kind tag.
func MarshalBoundary(b Boundary) ([]byte, error) {
	env := boundaryEnvelope{}
	switch v := b.(type) {
	case nil, Null:
		env.Kind = KindNull
	case NumericInterval:
		env.Kind = KindNumeric
		env.Numeric = &v
	case StringInterval:
		env.Kind = KindString
		env.String = &v
	case ExplicitValues:
		env.Kind = KindExplicit
		env.Explicit = &v
	default:
		return nil, fmt.Errorf("marshal boundary %T: %w", b, ErrUnsupportedKind)
	}
	return json.Marshal(env)
}

// UnmarshalBoundary decodes a boundary produced by MarshalBoundary.
func UnmarshalBoundary(data []byte) (Boundary, error) {
	var env boundaryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode boundary: %w", err)
	}

	switch env.Kind {
	case KindNull, KindDefault:
		return Null{}, nil
	case KindNumeric:
		if env.Numeric == nil {
			return nil, fmt.Errorf("numeric boundary without payload: %w", ErrInvalidBoundary)
		}
		return *env.Numeric, nil
	case KindString:
		if env.String == nil {
			return nil, fmt.Errorf("string boundary without payload: %w", ErrInvalidBoundary)
		}
		return *env.String, nil
	case KindExplicit:
		if env.Explicit == nil {
			return nil, fmt.Errorf("explicit boundary without payload: %w", ErrInvalidBoundary)
		}
		return *env.Explicit, nil
	default:
		return nil, fmt.Errorf("%q: %w", env.Kind, ErrUnsupportedKind)
	}
}
