package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"workseg/internal/bucket"
)

// Pool runs a fixed number of sessions against one job
type Pool struct {
	size      int
	config    Config
	coord     Coordinator
	processor *Processor
	logger    *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(size int, config Config, coord Coordinator, processor *Processor, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Pool{
		size:      size,
		config:    config,
		coord:     coord,
		processor: processor,
		logger:    logger,
	}
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, wg)
	}
}

func (p *Pool) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	session := NewSession(p.coord, p.config.LeaseMargin, p.logger)
	logger := p.logger.With(zap.String("worker_id", session.ID()))
	logger.Info("Worker started")

	defer func() {
		if err := session.Close(); err != nil {
			logger.Error("Failed to release held buckets", zap.Error(err))
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Info("Worker stopped - context cancelled")
			return
		}

		lease, err := session.RequestBucket(ctx)
		if err != nil {
			logger.Error("Failed to claim bucket", zap.Error(err))
			if !p.wait(ctx) {
				return
			}
			continue
		}

		if lease == nil {
			exhausted, err := p.coord.IsJobExhausted(ctx)
			if err != nil {
				logger.Error("Failed to check job state", zap.Error(err))
			}
			if exhausted {
				logger.Info("Worker finished - job exhausted")
				return
			}
			if p.coord.Cancelled() {
				logger.Info("Worker finished - job cancelled")
				return
			}
			// Buckets are still delegated elsewhere and may come back.
			if !p.wait(ctx) {
				return
			}
			continue
		}

		if err := session.Run(ctx, lease, p.processor.Process); err != nil {
			if errors.Is(err, bucket.ErrStaleCompletion) || errors.Is(err, bucket.ErrIllegalTransition) {
				logger.Warn("Bucket outcome rejected", zap.Int64("seq", lease.Seq()), zap.Error(err))
				continue
			}
			logger.Error("Failed to report bucket", zap.Int64("seq", lease.Seq()), zap.Error(err))
		}
	}
}

func (p *Pool) wait(ctx context.Context) bool {
	select {
	case <-time.After(p.config.PollInterval):
		return true
	case <-ctx.Done():
		return false
	}
}
