package app

import (
	"fmt"
	"slices"
	"strings"

	"workseg/internal/bucket"
	"workseg/internal/segment"
)

// Plan is the initial bucket layout of a job.
type Plan struct {
	Buckets []bucket.Bucket
	// NextSpan generates further buckets; nil for static segmentation.
	NextSpan  bucket.NextSpanFunc
	HighWater int64
	// Unbounded is set for numeric generation with no upper limit.
	Unbounded bool
}

// BuildPlan turns a segmentation config into planned buckets or a span
// generator.
func BuildPlan(cfg segment.Config) (Plan, error) {
	kind, err := bucket.ParseKind(string(cfg.Kind))
	if err != nil {
		return Plan{}, err
	}

	switch kind {
	case bucket.KindNull:
		return Plan{Buckets: []bucket.Bucket{bucket.New(1, bucket.Null{})}}, nil
	case bucket.KindNumeric:
		return numericPlan(cfg)
	case bucket.KindString:
		return stringPlan(cfg), nil
	case bucket.KindExplicit:
		return explicitPlan(cfg)
	default:
		return Plan{}, fmt.Errorf("plan %q: %w", kind, bucket.ErrUnsupportedKind)
	}
}

func numericPlan(cfg segment.Config) (Plan, error) {
	if cfg.SpanSize <= 0 {
		return Plan{}, fmt.Errorf("span size must be positive: %w", bucket.ErrInvalidBoundary)
	}

	bounded := cfg.To != nil
	var to int64
	if bounded {
		to = *cfg.To
	}
	spans := bucket.NumericSpans(cfg.SpanSize, to, bounded)

	if cfg.Dynamic || !bounded {
		return Plan{NextSpan: spans, HighWater: cfg.From, Unbounded: !bounded}, nil
	}

	var buckets []bucket.Bucket
	highWater := cfg.From
	for seq := int64(1); ; seq++ {
		boundary, next, ok := spans(highWater)
		if !ok {
			break
		}
		buckets = append(buckets, bucket.New(seq, boundary))
		highWater = next
	}
	return Plan{Buckets: buckets, HighWater: highWater}, nil
}

// stringPlan splits the key space at the configured boundaries:
// [,b0) [b0,b1) ... [bn,). Case-insensitive boundaries are folded before
// they are ordered, matching how their filters compare.
func stringPlan(cfg segment.Config) Plan {
	bounds := slices.Clone(cfg.Boundaries)
	if !cfg.CaseSensitive {
		for i, b := range bounds {
			bounds[i] = strings.ToLower(b)
		}
	}
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)
	bounds = slices.DeleteFunc(bounds, func(s string) bool { return s == "" })

	var buckets []bucket.Bucket
	from := ""
	for _, b := range bounds {
		buckets = append(buckets, bucket.New(int64(len(buckets)+1), bucket.StringInterval{From: from, To: b}))
		from = b
	}
	buckets = append(buckets, bucket.New(int64(len(buckets)+1), bucket.StringInterval{From: from}))
	return Plan{Buckets: buckets}
}

// explicitPlan groups the configured values, ValuesPerBucket at a time.
func explicitPlan(cfg segment.Config) (Plan, error) {
	seen := make(map[string]bool, len(cfg.Values))
	var values []string
	for _, v := range cfg.Values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	if len(values) == 0 {
		return Plan{}, fmt.Errorf("no explicit values: %w", bucket.ErrInvalidBoundary)
	}

	size := cfg.ValuesPerBucket
	if size <= 0 {
		size = len(values)
	}

	var buckets []bucket.Bucket
	for chunk := range slices.Chunk(values, size) {
		buckets = append(buckets, bucket.New(int64(len(buckets)+1), bucket.ExplicitValues{Values: chunk}))
	}
	return Plan{Buckets: buckets}, nil
}

// Preview returns the planned buckets followed by up to n generated ones.
func Preview(p Plan, n int) ([]bucket.Bucket, error) {
	set, err := bucket.NewSet(p.Buckets, p.HighWater)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if _, ok := set.GenerateNext(p.NextSpan); !ok {
			break
		}
	}
	return set.Snapshot(), nil
}
