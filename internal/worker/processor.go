package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"workseg/internal/filter"
	"workseg/internal/metrics"
	"workseg/internal/storage"
)

// Visitor receives every object inside a bucket.
type Visitor interface {
	Visit(ctx context.Context, seq int64, obj storage.ObjectInfo) error
}

// Processor scans the source for the objects inside a leased bucket
type Processor struct {
	config  Config
	client  storage.Client
	visitor Visitor
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewProcessor creates a bucket processor. visitor may be nil.
func NewProcessor(config Config, client storage.Client, visitor Visitor, m *metrics.Collector, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Attempts <= 0 {
		config.Attempts = 1
	}
	return &Processor{
		config:  config,
		client:  client,
		visitor: visitor,
		metrics: m,
		logger:  logger,
	}
}

// Process scans the objects of a leased bucket, retrying transient errors
// while the lease lasts.
func (p *Processor) Process(ctx context.Context, lease *Lease) Result {
	startTime := time.Now()
	logger := p.logger.With(zap.Int64("seq", lease.Seq()))

	var res Result
	for attempt := 1; attempt <= p.config.Attempts; attempt++ {
		res = p.scan(ctx, lease)
		if res.Err == nil {
			p.metrics.AddItems(res.Matched)
			logger.Info("Bucket scanned",
				zap.Stringer("boundary", lease.Bucket.Boundary),
				zap.Int64("scanned", res.Scanned),
				zap.Int64("matched", res.Matched),
				zap.Int64("bytes", res.Bytes),
				zap.Duration("duration", time.Since(startTime)))
			return res
		}

		logger.Warn("Bucket scan attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(res.Err))

		if ctx.Err() != nil || !p.isRetriableError(res.Err) {
			break
		}
		if attempt < p.config.Attempts {
			select {
			case <-time.After(p.calculateBackoff(attempt)):
			case <-ctx.Done():
				return res
			}
		}
	}
	return res
}

func (p *Processor) scan(ctx context.Context, lease *Lease) Result {
	if keys, ok := explicitKeys(lease.Filters); ok {
		return p.scanKeys(ctx, lease, keys)
	}
	return p.scanListing(ctx, lease)
}

// scanKeys looks up each key of a key-membership bucket instead of listing.
func (p *Processor) scanKeys(ctx context.Context, lease *Lease, keys []string) Result {
	var res Result
	for _, key := range keys {
		obj, err := p.client.HeadObject(ctx, p.config.SourceBucket, p.config.Prefix+key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			res.Err = fmt.Errorf("head %s: %w", key, err)
			return res
		}
		res.Scanned++
		if err := p.accept(ctx, lease, obj, &res); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func (p *Processor) scanListing(ctx context.Context, lease *Lease) Result {
	var res Result

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := storage.ListOptions{Prefix: p.config.Prefix}
	if start, ok := keyLowerBound(lease.Filters); ok {
		opts.StartAfter = p.config.Prefix + start
	}
	objCh, errCh := p.client.ListObjects(listCtx, p.config.SourceBucket, opts)

	stop, hasStop := keyUpperBound(lease.Filters)
	for obj := range objCh {
		if hasStop && strings.TrimPrefix(obj.Key, p.config.Prefix) >= stop {
			// Listing is in key order; nothing after this is inside the bucket.
			cancel()
			break
		}
		res.Scanned++
		if err := p.accept(ctx, lease, obj, &res); err != nil {
			res.Err = err
			return res
		}
	}

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		res.Err = fmt.Errorf("list %s: %w", p.config.SourceBucket, err)
	}
	if res.Err == nil && ctx.Err() != nil {
		res.Err = ctx.Err()
	}
	return res
}

func (p *Processor) accept(ctx context.Context, lease *Lease, obj storage.ObjectInfo, res *Result) error {
	ok, err := filter.Match(lease.Filters, relative{obj, p.config.Prefix})
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", obj.Key, err)
	}
	if !ok {
		return nil
	}
	if p.visitor != nil {
		if err := p.visitor.Visit(ctx, lease.Seq(), obj); err != nil {
			return fmt.Errorf("visit %s: %w", obj.Key, err)
		}
	}
	res.Matched++
	res.Bytes += obj.Size
	return nil
}

// relative evaluates the key attribute without the configured prefix.
type relative struct {
	storage.ObjectInfo
	prefix string
}

func (r relative) Attr(path string) (any, bool) {
	if path == "key" {
		return strings.TrimPrefix(r.Key, r.prefix), true
	}
	return r.ObjectInfo.Attr(path)
}

// explicitKeys returns the key set of a case-sensitive key-membership filter.
func explicitKeys(filters []filter.Filter) ([]string, bool) {
	for _, f := range filters {
		if in, ok := f.(filter.In); ok && in.Path == "key" && !in.CaseInsensitive {
			return in.Values, true
		}
	}
	return nil, false
}

// keyUpperBound returns the exclusive upper key of a case-sensitive key range.
// keyLowerBound returns a key every object inside the bucket sorts after.
// For an inclusive bound the last rune is dropped: the shorter prefix sorts
// before the bound and stays valid UTF-8.
func keyLowerBound(filters []filter.Filter) (string, bool) {
	for _, f := range filters {
		c, ok := f.(filter.Compare)
		if !ok || c.Path != "key" || c.CaseInsensitive {
			continue
		}
		s, ok := c.Value.(string)
		if !ok || s == "" {
			continue
		}
		switch c.Op {
		case filter.OpGt:
			return s, true
		case filter.OpGte:
			_, size := utf8.DecodeLastRuneInString(s)
			if start := s[:len(s)-size]; start != "" {
				return start, true
			}
		}
	}
	return "", false
}

func keyUpperBound(filters []filter.Filter) (string, bool) {
	for _, f := range filters {
		c, ok := f.(filter.Compare)
		if !ok || c.Path != "key" || c.CaseInsensitive || c.Op != filter.OpLt {
			continue
		}
		if s, ok := c.Value.(string); ok {
			return s, true
		}
	}
	return "", false
}

func (p *Processor) isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "slow down")
}

func (p *Processor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}
