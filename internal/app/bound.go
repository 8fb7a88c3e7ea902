package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"workseg/internal/storage"
)

// SourceBound tracks the largest numeric value of an attribute across the
// source listing. Open-ended numeric jobs stop generating buckets once their
// high-water mark passes it.
type SourceBound struct {
	ctx     context.Context
	client  storage.Client
	bucket  string
	prefix  string
	path    string
	refresh time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	max       int64
	found     bool
	fetchedAt time.Time
}

// NewSourceBound creates a bound over path for objects under prefix.
// The listing is repeated at most once per refresh.
func NewSourceBound(ctx context.Context, client storage.Client, bucket, prefix, path string, refresh time.Duration, logger *zap.Logger) *SourceBound {
	return &SourceBound{
		ctx:     ctx,
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		path:    path,
		refresh: refresh,
		logger:  logger,
	}
}

// More reports whether any object holds a value at or above from.
func (b *SourceBound) More(from int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.found && from <= b.max {
		return true
	}
	if !b.fetchedAt.IsZero() && time.Since(b.fetchedAt) < b.refresh {
		return false
	}

	max, found, err := b.scan()
	b.fetchedAt = time.Now()
	if err != nil {
		b.logger.Warn("Failed to read source bound",
			zap.String("bucket", b.bucket),
			zap.String("item_path", b.path),
			zap.Error(err))
		return false
	}
	b.max, b.found = max, found
	return found && from <= max
}

func (b *SourceBound) scan() (int64, bool, error) {
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	objects, errs := b.client.ListObjects(ctx, b.bucket, storage.ListOptions{Prefix: b.prefix})
	var max int64
	found := false
	for obj := range objects {
		v, ok := obj.Attr(b.path)
		if !ok {
			continue
		}
		n, ok := v.(int64)
		if !ok {
			continue
		}
		if !found || n > max {
			max, found = n, true
		}
	}
	if err := <-errs; err != nil {
		return 0, false, err
	}
	return max, found, nil
}
