package segment

import (
	"fmt"
	"slices"
	"strings"

	"workseg/internal/bucket"
	"workseg/internal/filter"
)

// FilterFactory turns a bucket's boundary into the conjunctive filters that
// restrict work to that bucket. Implementations are stateless, deterministic
// and never modify the bucket.
type FilterFactory interface {
	Kind() bucket.Kind
	CreateFilters(b bucket.Bucket, cfg Config, targetType string, items ItemDefinitionProvider) ([]filter.Filter, error)
}

// NullFactory matches the whole object space. It is also the usual fallback.
type NullFactory struct{}

// NumericFactory builds range filters over a numeric item.
type NumericFactory struct{}

// StringFactory builds lexicographic range filters over a string item.
type StringFactory struct{}

// ExplicitFactory builds a membership filter over a string item.
type ExplicitFactory struct{}

func (NullFactory) Kind() bucket.Kind     { return bucket.KindNull }
func (NumericFactory) Kind() bucket.Kind  { return bucket.KindNumeric }
func (StringFactory) Kind() bucket.Kind   { return bucket.KindString }
func (ExplicitFactory) Kind() bucket.Kind { return bucket.KindExplicit }

// CreateFilters returns no filters for any boundary.
func (NullFactory) CreateFilters(bucket.Bucket, Config, string, ItemDefinitionProvider) ([]filter.Filter, error) {
	return []filter.Filter{}, nil
}

// CreateFilters returns path >= from AND path < to (or <= to).
func (NumericFactory) CreateFilters(b bucket.Bucket, cfg Config, targetType string, items ItemDefinitionProvider) ([]filter.Filter, error) {
	iv, ok := b.Boundary.(bucket.NumericInterval)
	if !ok {
		return nil, mismatch(bucket.KindNumeric, b)
	}
	if iv.From > iv.To {
		return nil, fmt.Errorf("bucket %d: from %d > to %d: %w", b.SequentialNumber, iv.From, iv.To, bucket.ErrInvalidBoundary)
	}
	item, err := resolve(items, targetType, cfg.ItemPath, TypeInt)
	if err != nil {
		return nil, fmt.Errorf("bucket %d: %w", b.SequentialNumber, err)
	}

	upper := filter.OpLte
	if iv.ExclusiveTo {
		upper = filter.OpLt
	}
	return []filter.Filter{
		filter.Compare{Path: item.Path, Op: filter.OpGte, Value: iv.From},
		filter.Compare{Path: item.Path, Op: upper, Value: iv.To},
	}, nil
}

// CreateFilters returns path >= from AND path < to; an empty to leaves the
// range unbounded above.
func (StringFactory) CreateFilters(b bucket.Bucket, cfg Config, targetType string, items ItemDefinitionProvider) ([]filter.Filter, error) {
	iv, ok := b.Boundary.(bucket.StringInterval)
	if !ok {
		return nil, mismatch(bucket.KindString, b)
	}
	from, to := iv.From, iv.To
	if !cfg.CaseSensitive {
		from, to = strings.ToLower(from), strings.ToLower(to)
	}
	if to != "" && from > to {
		return nil, fmt.Errorf("bucket %d: from %q > to %q: %w", b.SequentialNumber, from, to, bucket.ErrInvalidBoundary)
	}
	item, err := resolve(items, targetType, cfg.ItemPath, TypeString)
	if err != nil {
		return nil, fmt.Errorf("bucket %d: %w", b.SequentialNumber, err)
	}

	ci := !cfg.CaseSensitive
	filters := []filter.Filter{}
	if from != "" {
		filters = append(filters, filter.Compare{Path: item.Path, Op: filter.OpGte, Value: from, CaseInsensitive: ci})
	}
	if to != "" {
		filters = append(filters, filter.Compare{Path: item.Path, Op: filter.OpLt, Value: to, CaseInsensitive: ci})
	}
	return filters, nil
}

// CreateFilters returns path IN values. An empty value set is rejected: an
// empty bucket must be omitted by the planner, not matched against nothing.
func (ExplicitFactory) CreateFilters(b bucket.Bucket, cfg Config, targetType string, items ItemDefinitionProvider) ([]filter.Filter, error) {
	ev, ok := b.Boundary.(bucket.ExplicitValues)
	if !ok {
		return nil, mismatch(bucket.KindExplicit, b)
	}
	if len(ev.Values) == 0 {
		return nil, fmt.Errorf("bucket %d: empty value set: %w", b.SequentialNumber, bucket.ErrInvalidBoundary)
	}
	item, err := resolve(items, targetType, cfg.ItemPath, TypeString)
	if err != nil {
		return nil, fmt.Errorf("bucket %d: %w", b.SequentialNumber, err)
	}

	values := make([]string, len(ev.Values))
	for i, v := range ev.Values {
		if !cfg.CaseSensitive {
			v = strings.ToLower(v)
		}
		values[i] = v
	}
	slices.Sort(values)
	values = slices.Compact(values)

	return []filter.Filter{
		filter.In{Path: item.Path, Values: values, CaseInsensitive: !cfg.CaseSensitive},
	}, nil
}

func mismatch(want bucket.Kind, b bucket.Bucket) error {
	return fmt.Errorf("bucket %d: %s factory got %s boundary: %w", b.SequentialNumber, want, b.Kind(), bucket.ErrKindMismatch)
}

func resolve(items ItemDefinitionProvider, targetType, path string, want ValueType) (ItemDefinition, error) {
	if items == nil {
		return ItemDefinition{Path: path, Type: want}, nil
	}
	item, err := items.FindItem(targetType, path)
	if err != nil {
		return ItemDefinition{}, err
	}
	if item.Type != want {
		return ItemDefinition{}, fmt.Errorf("item %q is %s, want %s: %w", path, item.Type, want, bucket.ErrInvalidBoundary)
	}
	return item, nil
}
