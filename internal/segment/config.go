package segment

import (
	"fmt"
	"time"

	"workseg/internal/bucket"
)

// Config describes how a job is segmented and how its buckets are leased.
type Config struct {
	Kind                bucket.Kind `yaml:"kind"`
	ItemPath            string      `yaml:"item_path"`
	SpanSize            int64       `yaml:"span_size"`
	CaseSensitive       bool        `yaml:"case_sensitive"`
	LeaseTimeoutSeconds int         `yaml:"lease_timeout_seconds"`
	MaxRetries          int         `yaml:"max_retries"`
	AllowMultiBucket    bool        `yaml:"allow_multi_bucket"`

	// Numeric segmentation bounds. To is exclusive; a nil To with Dynamic set
	// makes the segmentation open-ended.
	From    int64  `yaml:"from"`
	To      *int64 `yaml:"to"`
	Dynamic bool   `yaml:"dynamic"`

	// Boundaries splits a string item into [b0,b1), [b1,b2), ... [bn,∞).
	Boundaries []string `yaml:"boundaries"`

	// Values lists explicit item values, ValuesPerBucket at a time.
	Values          []string `yaml:"values"`
	ValuesPerBucket int      `yaml:"values_per_bucket"`
}

// LeaseTimeout returns the DELEGATED lease duration.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

// Validate checks the options that apply to c.Kind.
func (c Config) Validate() error {
	kind, err := bucket.ParseKind(string(c.Kind))
	if err != nil {
		return err
	}
	if c.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("lease timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if kind != bucket.KindNull && c.ItemPath == "" {
		return fmt.Errorf("item path is required for %s segmentation", kind)
	}

	switch kind {
	case bucket.KindNumeric:
		if c.SpanSize <= 0 {
			return fmt.Errorf("span size must be positive for numeric segmentation")
		}
		if c.To == nil && !c.Dynamic {
			return fmt.Errorf("numeric segmentation without an upper bound must be dynamic")
		}
		if c.To != nil && *c.To < c.From {
			return fmt.Errorf("numeric range [%d,%d): %w", c.From, *c.To, bucket.ErrInvalidBoundary)
		}
	case bucket.KindExplicit:
		if len(c.Values) == 0 {
			return fmt.Errorf("explicit segmentation needs values: %w", bucket.ErrInvalidBoundary)
		}
	}
	return nil
}
