package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"workseg/internal/bucket"
	"workseg/internal/checkpoint"
	"workseg/internal/metrics"
	"workseg/internal/segment"
)

var (
	// ErrJobNotFound is returned for a job the engine is not running.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when a job is started twice.
	ErrJobRunning = errors.New("job already running")
)

// Engine runs one Coordinator per job. Jobs never contend with each other.
type Engine struct {
	jobs     *xsync.Map[string, *Coordinator]
	store    checkpoint.Store
	registry *segment.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEngine creates an engine whose jobs share store, registry and metrics.
func NewEngine(store checkpoint.Store, registry *segment.Registry, m *metrics.Collector, logger *zap.Logger) *Engine {
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	if registry == nil {
		registry = segment.NewDefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		jobs:     xsync.NewMap[string, *Coordinator](),
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
}

// StartJob opens a job and makes it available to workers. Unset store,
// registry, metrics and logger options are taken from the engine.
func (e *Engine) StartJob(ctx context.Context, opts Options, plan []bucket.Bucket) (*Coordinator, error) {
	if _, ok := e.jobs.Load(opts.JobID); ok {
		return nil, fmt.Errorf("%s: %w", opts.JobID, ErrJobRunning)
	}
	if opts.Store == nil {
		opts.Store = e.store
	}
	if opts.Registry == nil {
		opts.Registry = e.registry
	}
	if opts.Metrics == nil {
		opts.Metrics = e.metrics
	}
	if opts.Logger == nil {
		opts.Logger = e.logger
	}

	c, err := Open(ctx, opts, plan)
	if err != nil {
		return nil, err
	}
	if _, loaded := e.jobs.LoadOrStore(opts.JobID, c); loaded {
		return nil, fmt.Errorf("%s: %w", opts.JobID, ErrJobRunning)
	}
	return c, nil
}

// Job returns the coordinator of a running job.
func (e *Engine) Job(jobID string) (*Coordinator, error) {
	c, ok := e.jobs.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return c, nil
}

// RequestBucket claims the next bucket of jobID for worker. A nil claim means
// no work is available right now.
func (e *Engine) RequestBucket(ctx context.Context, jobID, worker string) (*Claim, error) {
	c, err := e.Job(jobID)
	if err != nil {
		return nil, err
	}
	return c.ClaimNext(ctx, worker)
}

// ReportComplete marks a bucket of jobID complete.
func (e *Engine) ReportComplete(ctx context.Context, jobID, worker string, seq int64) error {
	c, err := e.Job(jobID)
	if err != nil {
		return err
	}
	return c.Complete(ctx, worker, seq)
}

// ReportFailed releases a bucket of jobID for retry.
func (e *Engine) ReportFailed(ctx context.Context, jobID, worker string, seq int64, reason string) error {
	c, err := e.Job(jobID)
	if err != nil {
		return err
	}
	_, err = c.Release(ctx, worker, seq, reason)
	return err
}

// IsExhausted reports whether jobID has no work left.
func (e *Engine) IsExhausted(ctx context.Context, jobID string) (bool, error) {
	c, err := e.Job(jobID)
	if err != nil {
		return false, err
	}
	return c.IsJobExhausted(ctx)
}

// Sweep runs TimeoutSweep on every running job with its configured lease.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	var errs []error
	e.jobs.Range(func(jobID string, c *Coordinator) bool {
		released, err := c.TimeoutSweep(ctx, now, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", jobID, err))
		}
		if len(released) > 0 {
			e.logger.Warn("Released expired leases",
				zap.String("job_id", jobID),
				zap.Int64s("buckets", released))
		}
		return true
	})
	return errors.Join(errs...)
}

// Archive removes a job from the engine. Its stored state is kept.
func (e *Engine) Archive(jobID string) error {
	if _, ok := e.jobs.LoadAndDelete(jobID); !ok {
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Jobs returns the IDs of running jobs.
func (e *Engine) Jobs() []string {
	ids := make([]string, 0, e.jobs.Size())
	e.jobs.Range(func(jobID string, _ *Coordinator) bool {
		ids = append(ids, jobID)
		return true
	})
	return ids
}
