package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"workseg/internal/bucket"
	"workseg/internal/checkpoint"
	"workseg/internal/filter"
	"workseg/internal/metrics"
	"workseg/internal/segment"
)

// ReasonLeaseExpired is the release reason recorded by TimeoutSweep.
const ReasonLeaseExpired = "lease-expired"

// maxConflicts bounds how often one call reloads the job after losing a
// store update to another process.
const maxConflicts = 3

// Options configures a job coordinator.
type Options struct {
	JobID      string
	Config     segment.Config
	TargetType string
	Items      segment.ItemDefinitionProvider
	Registry   *segment.Registry
	Store      checkpoint.Store
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	Clock      func() time.Time

	// NextSpan generates buckets once the planned ones are used up. Nil
	// means the segmentation is static.
	NextSpan bucket.NextSpanFunc
	// HighWater is the initial generation mark for a new job.
	HighWater int64
}

// Claim is a bucket delegated to a worker together with the filters that
// restrict the worker to it.
type Claim struct {
	Bucket      bucket.Bucket
	Filters     []filter.Filter
	Fingerprint uint64
	// Redelivered is set when the worker already held the bucket.
	Redelivered bool
}

// Descriptor returns the transport form of the claimed bucket.
func (c *Claim) Descriptor() bucket.Descriptor {
	return c.Bucket.Descriptor()
}

// Stats summarises a job's buckets.
type Stats struct {
	Total     int
	Ready     int
	Delegated int
	Complete  int
	Failed    int
	HighWater int64
	Cancelled bool
}

// Coordinator serialises every bucket transition of one job. A state change
// is written to the store before it is applied in memory or reported to a
// caller.
type Coordinator struct {
	jobID      string
	cfg        segment.Config
	targetType string
	items      segment.ItemDefinitionProvider
	registry   *segment.Registry
	store      checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
	clock      func() time.Time
	nextSpan   bucket.NextSpanFunc

	mu        sync.Mutex
	set       *bucket.Set
	cancelled bool
	spansDone bool
}

// Open resumes jobID from the store, or creates it from plan when the store
// does not know it. It fails before any claim when the job's segmentation
// kind cannot be resolved.
func Open(ctx context.Context, opts Options, plan []bucket.Bucket) (*Coordinator, error) {
	if opts.JobID == "" {
		return nil, errors.New("job id is required")
	}
	if opts.Registry == nil {
		opts.Registry = segment.NewDefaultRegistry()
	}
	if opts.Store == nil {
		opts.Store = checkpoint.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	kind, err := bucket.ParseKind(string(opts.Config.Kind))
	if err != nil {
		return nil, err
	}
	if _, err := opts.Registry.Resolve(kind); err != nil {
		return nil, fmt.Errorf("job %s: %w", opts.JobID, err)
	}

	c := &Coordinator{
		jobID:      opts.JobID,
		cfg:        opts.Config,
		targetType: opts.TargetType,
		items:      opts.Items,
		registry:   opts.Registry,
		store:      opts.Store,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With(zap.String("job_id", opts.JobID)),
		clock:      opts.Clock,
		nextSpan:   opts.NextSpan,
	}

	_, _, err = c.store.LoadJob(ctx, c.jobID)
	switch {
	case errors.Is(err, checkpoint.ErrJobNotFound):
		job := checkpoint.JobRecord{JobID: c.jobID, Kind: kind, HighWater: opts.HighWater}
		if err := c.store.CreateJob(ctx, job, plan); err != nil {
			return nil, fmt.Errorf("create job %s: %w", c.jobID, err)
		}
		c.logger.Info("Job created",
			zap.String("kind", string(kind)),
			zap.Int("planned_buckets", len(plan)),
			zap.Bool("dynamic", c.nextSpan != nil))
	case err != nil:
		return nil, fmt.Errorf("load job %s: %w", c.jobID, err)
	}

	if err := c.reload(ctx); err != nil {
		return nil, err
	}

	stats := c.Stats()
	c.logger.Info("Job opened",
		zap.Int("buckets", stats.Total),
		zap.Int("ready", stats.Ready),
		zap.Int("delegated", stats.Delegated),
		zap.Int("complete", stats.Complete),
		zap.Int("failed", stats.Failed),
		zap.Int64("high_water", stats.HighWater),
		zap.Bool("cancelled", stats.Cancelled))
	c.metrics.SetTotalBuckets(int64(stats.Total))
	c.metrics.SetOutstanding(c.jobID, stats.Ready+stats.Delegated)

	return c, nil
}

// reload replaces the in-memory set with the stored one. The caller holds
// c.mu, or c is not yet shared.
func (c *Coordinator) reload(ctx context.Context) error {
	job, buckets, err := c.store.LoadJob(ctx, c.jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", c.jobID, err)
	}

	highWater := job.HighWater
	for _, b := range buckets {
		if hw, ok := upperBound(b.Boundary); ok && hw > highWater {
			highWater = hw
		}
	}

	set, err := bucket.NewSet(buckets, highWater)
	if err != nil {
		return fmt.Errorf("job %s: %w", c.jobID, err)
	}
	c.set = set
	c.cancelled = job.Cancelled
	return nil
}

// syncJobLocked picks up job-level changes written by other processes
// sharing the store: a cancellation, or buckets generated past our
// high-water mark.
func (c *Coordinator) syncJobLocked(ctx context.Context) error {
	job, err := c.store.GetJob(ctx, c.jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", c.jobID, err)
	}
	if job.HighWater > c.set.HighWater() {
		return c.reload(ctx)
	}
	if job.Cancelled {
		c.cancelled = true
	}
	return nil
}

// upperBound returns the first value past a numeric boundary.
func upperBound(b bucket.Boundary) (int64, bool) {
	n, ok := b.(bucket.NumericInterval)
	if !ok {
		return 0, false
	}
	if n.ExclusiveTo {
		return n.To, true
	}
	return n.To + 1, true
}

// JobID returns the job's identifier.
func (c *Coordinator) JobID() string { return c.jobID }

// LeaseTimeout returns the configured DELEGATED lease duration.
func (c *Coordinator) LeaseTimeout() time.Duration { return c.cfg.LeaseTimeout() }

// ClaimNext delegates the lowest-numbered READY bucket to worker, generating
// a new dynamic bucket when none is ready. It returns nil without error when
// there is no work right now; that is not the same as the job being
// exhausted.
func (c *Coordinator) ClaimNext(ctx context.Context, worker string) (*Claim, error) {
	if worker == "" {
		return nil, fmt.Errorf("empty worker id: %w", bucket.ErrIllegalTransition)
	}

	start := time.Now()
	defer func() { c.metrics.ObserveClaim(time.Since(start)) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.syncJobLocked(ctx); err != nil {
		return nil, err
	}
	if c.cancelled {
		return nil, nil
	}

	if !c.cfg.AllowMultiBucket {
		if held := c.set.DelegatedTo(worker); len(held) > 0 {
			return c.redeliver(held[0])
		}
	}

	conflicts := 0
	for {
		b, generated, ok, err := c.pickLocked(ctx)
		if err != nil {
			if c.retryable(ctx, err, &conflicts) {
				continue
			}
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		filters, err := c.filtersFor(b)
		if err != nil {
			if !bucket.IsConfigError(err) {
				return nil, err
			}
			if ierr := c.invalidateLocked(ctx, b, err); ierr != nil {
				if c.retryable(ctx, ierr, &conflicts) {
					continue
				}
				return nil, ierr
			}
			if generated {
				// Every later span would fail the same way.
				c.spansDone = true
				return nil, fmt.Errorf("job %s: dynamic bucket %d: %w", c.jobID, b.SequentialNumber, err)
			}
			continue
		}

		next, err := b.Delegate(worker, c.clock())
		if err != nil {
			return nil, err
		}
		if err := c.commitLocked(ctx, b, next); err != nil {
			if c.retryable(ctx, err, &conflicts) {
				continue
			}
			return nil, err
		}

		claim := &Claim{Bucket: next, Filters: filters, Fingerprint: filter.Fingerprint(filters)}
		c.metrics.Event(c.jobID, metrics.EventClaimed)
		c.logger.Info("Bucket claimed",
			zap.String("worker_id", worker),
			zap.Int64("seq", next.SequentialNumber),
			zap.Stringer("boundary", next.Boundary),
			zap.Int("retries", next.Retries),
			zap.String("filters", filter.Describe(filters)),
			zap.String("fingerprint", fmt.Sprintf("%016x", claim.Fingerprint)))
		return claim, nil
	}
}

func (c *Coordinator) redeliver(b bucket.Bucket) (*Claim, error) {
	filters, err := c.filtersFor(b)
	if err != nil {
		return nil, err
	}
	c.metrics.Event(c.jobID, metrics.EventRedelivered)
	c.logger.Debug("Bucket redelivered",
		zap.String("worker_id", b.Owner),
		zap.Int64("seq", b.SequentialNumber))
	return &Claim{Bucket: b, Filters: filters, Fingerprint: filter.Fingerprint(filters), Redelivered: true}, nil
}

// pickLocked returns the next READY bucket, appending a generated one when
// the planned buckets are used up.
func (c *Coordinator) pickLocked(ctx context.Context) (bucket.Bucket, bool, bool, error) {
	if b, ok := c.set.NextReady(); ok {
		return b, false, true, nil
	}
	if c.spansDone {
		return bucket.Bucket{}, false, false, nil
	}

	b, highWater, ok := c.set.PlanNext(c.nextSpan)
	if !ok {
		c.spansDone = true
		return bucket.Bucket{}, false, false, nil
	}
	if err := c.store.AppendBucket(ctx, c.jobID, b, highWater); err != nil {
		return bucket.Bucket{}, false, false, fmt.Errorf("append bucket %d: %w", b.SequentialNumber, err)
	}
	if err := c.set.Append(b, highWater); err != nil {
		return bucket.Bucket{}, false, false, err
	}

	c.metrics.Event(c.jobID, metrics.EventGenerated)
	c.logger.Debug("Bucket generated",
		zap.Int64("seq", b.SequentialNumber),
		zap.Stringer("boundary", b.Boundary),
		zap.Int64("high_water", highWater))
	return b, true, true, nil
}

// retryable reloads the job after another writer changed the store under us.
func (c *Coordinator) retryable(ctx context.Context, err error, conflicts *int) bool {
	if !errors.Is(err, checkpoint.ErrConflict) && !errors.Is(err, bucket.ErrDuplicateBucket) {
		return false
	}
	*conflicts++
	if *conflicts > maxConflicts {
		return false
	}
	c.logger.Warn("Store changed concurrently, reloading job", zap.Error(err))
	if rerr := c.reload(ctx); rerr != nil {
		c.logger.Error("Failed to reload job", zap.Error(rerr))
		return false
	}
	return true
}

func (c *Coordinator) filtersFor(b bucket.Bucket) ([]filter.Filter, error) {
	factory, err := c.registry.Resolve(b.Kind())
	if err != nil {
		return nil, err
	}
	return factory.CreateFilters(b, c.cfg, c.targetType, c.items)
}

func (c *Coordinator) invalidateLocked(ctx context.Context, b bucket.Bucket, cause error) error {
	next, err := b.Invalidate(cause.Error())
	if err != nil {
		return err
	}
	if err := c.commitLocked(ctx, b, next); err != nil {
		return err
	}
	c.metrics.Event(c.jobID, metrics.EventInvalid)
	c.logger.Error("Bucket boundary is invalid, failing bucket",
		zap.Int64("seq", b.SequentialNumber),
		zap.Stringer("boundary", b.Boundary),
		zap.Error(cause))
	return nil
}

// commitLocked persists the prev -> next transition and then applies it.
func (c *Coordinator) commitLocked(ctx context.Context, prev, next bucket.Bucket) error {
	if err := c.store.UpdateBucket(ctx, c.jobID, prev, next); err != nil {
		return fmt.Errorf("persist bucket %d: %w", next.SequentialNumber, err)
	}
	if err := c.set.Apply(next); err != nil {
		return err
	}
	c.metrics.SetOutstanding(c.jobID, c.set.Outstanding())
	return nil
}

// Complete marks bucket seq COMPLETE. It returns ErrStaleCompletion when the
// bucket is no longer delegated to worker; the worker must discard its
// results for the bucket.
func (c *Coordinator) Complete(ctx context.Context, worker string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, _, err := c.mutateLocked(ctx, seq, func(cur bucket.Bucket) (bucket.Bucket, error) {
		if !cur.OwnedBy(worker) {
			return cur, fmt.Errorf("bucket %d not delegated to %q: %w", seq, worker, bucket.ErrStaleCompletion)
		}
		return cur.Complete(worker)
	})
	if errors.Is(err, bucket.ErrStaleCompletion) {
		c.metrics.Event(c.jobID, metrics.EventStale)
		c.logger.Warn("Stale completion",
			zap.String("worker_id", worker),
			zap.Int64("seq", seq),
			zap.String("state", string(cur.State)),
			zap.String("owner", cur.Owner))
		return err
	}
	if err != nil {
		return err
	}

	c.metrics.Event(c.jobID, metrics.EventCompleted)
	c.metrics.ObserveBucket(c.clock().Sub(cur.DelegatedAt))
	c.logger.Info("Bucket complete",
		zap.String("worker_id", worker),
		zap.Int64("seq", seq))
	return nil
}

// mutateLocked computes the next version of bucket seq with fn and persists
// it. When another process changed the bucket first, the job is reloaded and
// fn runs again against the stored version. The version fn saw last is
// returned with the result.
func (c *Coordinator) mutateLocked(ctx context.Context, seq int64, fn func(bucket.Bucket) (bucket.Bucket, error)) (bucket.Bucket, bucket.Bucket, error) {
	conflicts := 0
	for {
		cur, ok := c.set.Get(seq)
		if !ok {
			return cur, cur, fmt.Errorf("bucket %d: %w", seq, bucket.ErrUnknownBucket)
		}
		next, err := fn(cur)
		if err != nil {
			return cur, cur, err
		}
		if err := c.commitLocked(ctx, cur, next); err != nil {
			if c.retryable(ctx, err, &conflicts) {
				continue
			}
			return cur, cur, err
		}
		return cur, next, nil
	}
}

// lostOwnership marks a transition refused because worker no longer holds
// the bucket, so callers can treat it like a stale completion.
func lostOwnership(err error) error {
	if errors.Is(err, bucket.ErrIllegalTransition) {
		return fmt.Errorf("%w: %w", bucket.ErrStaleCompletion, err)
	}
	return err
}

// Release returns bucket seq to READY and counts the retry. Past the retry
// budget the bucket becomes FAILED_PERMANENT instead. The resulting bucket is
// returned.
func (c *Coordinator) Release(ctx context.Context, worker string, seq int64, reason string) (bucket.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.releaseLocked(ctx, worker, seq, reason, metrics.EventReleased, nil)
}

// releaseLocked releases seq on behalf of worker. A non-nil expired must
// accept the stored version, or the release is refused as stale.
func (c *Coordinator) releaseLocked(ctx context.Context, worker string, seq int64, reason, event string, expired func(bucket.Bucket) bool) (bucket.Bucket, error) {
	cur, next, err := c.mutateLocked(ctx, seq, func(cur bucket.Bucket) (bucket.Bucket, error) {
		if expired != nil && cur.OwnedBy(worker) && !expired(cur) {
			return cur, fmt.Errorf("bucket %d lease renewed: %w", seq, bucket.ErrStaleCompletion)
		}
		next, err := cur.Release(worker, reason, c.cfg.MaxRetries)
		return next, lostOwnership(err)
	})
	if err != nil {
		return cur, err
	}

	c.metrics.ObserveBucket(c.clock().Sub(cur.DelegatedAt))
	if next.State == bucket.StateFailedPermanent {
		c.metrics.Event(c.jobID, metrics.EventFailedPermanent)
		c.logger.Error("Bucket failed permanently",
			zap.String("worker_id", worker),
			zap.Int64("seq", seq),
			zap.Int("retries", next.Retries),
			zap.String("reason", reason))
	} else {
		c.metrics.Event(c.jobID, event)
		c.logger.Warn("Bucket released",
			zap.String("worker_id", worker),
			zap.Int64("seq", seq),
			zap.Int("retries", next.Retries),
			zap.String("reason", reason))
	}
	return next, nil
}

// Fail moves bucket seq straight to FAILED_PERMANENT, for failures that a
// retry cannot fix.
func (c *Coordinator) Fail(ctx context.Context, worker string, seq int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _, err := c.mutateLocked(ctx, seq, func(cur bucket.Bucket) (bucket.Bucket, error) {
		next, err := cur.Fail(worker, reason)
		return next, lostOwnership(err)
	})
	if err != nil {
		return err
	}

	c.metrics.Event(c.jobID, metrics.EventFailedPermanent)
	c.logger.Error("Bucket failed permanently",
		zap.String("worker_id", worker),
		zap.Int64("seq", seq),
		zap.String("reason", reason))
	return nil
}

// TimeoutSweep releases every DELEGATED bucket whose lease ran out before now,
// as if its owner had released it. A zero lease uses the configured one. The
// job is reloaded first so that buckets finished by other processes sharing
// the store are not swept. The sequential numbers of released buckets are
// returned.
func (c *Coordinator) TimeoutSweep(ctx context.Context, now time.Time, lease time.Duration) ([]int64, error) {
	if lease <= 0 {
		lease = c.cfg.LeaseTimeout()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reload(ctx); err != nil {
		return nil, err
	}

	expired := func(b bucket.Bucket) bool { return now.After(b.DelegatedAt.Add(lease)) }

	var released []int64
	var errs []error
	for _, b := range c.set.Delegated() {
		if !expired(b) {
			continue
		}
		_, err := c.releaseLocked(ctx, b.Owner, b.SequentialNumber, ReasonLeaseExpired, metrics.EventLeaseExpired, expired)
		if errors.Is(err, bucket.ErrStaleCompletion) {
			// Finished or reclaimed elsewhere since the reload.
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		released = append(released, b.SequentialNumber)
	}
	return released, errors.Join(errs...)
}

// IsJobExhausted reports whether every bucket is COMPLETE or
// FAILED_PERMANENT and no further bucket can be generated. Outstanding
// buckets are re-read from the store, since another process may have
// finished them.
func (c *Coordinator) IsJobExhausted(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set.Outstanding() > 0 {
		if err := c.reload(ctx); err != nil {
			return false, err
		}
		if c.set.Outstanding() > 0 {
			return false, nil
		}
	}
	if !c.spansDone {
		if _, _, ok := c.set.PlanNext(c.nextSpan); ok {
			return false, nil
		}
		c.spansDone = true
	}
	return true, nil
}

// Cancel stops all further claims. Delegated buckets may still be completed
// or released, or expire through TimeoutSweep.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		return nil
	}
	if err := c.store.MarkCancelled(ctx, c.jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", c.jobID, err)
	}
	c.cancelled = true
	c.logger.Info("Job cancelled", zap.Int("delegated", len(c.set.Delegated())))
	return nil
}

// Cancelled reports whether the job has been cancelled.
func (c *Coordinator) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancelled
}

// Stats returns per-state bucket counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := c.set.Counts()
	return Stats{
		Total:     c.set.Len(),
		Ready:     counts[bucket.StateReady],
		Delegated: counts[bucket.StateDelegated],
		Complete:  counts[bucket.StateComplete],
		Failed:    counts[bucket.StateFailedPermanent],
		HighWater: c.set.HighWater(),
		Cancelled: c.cancelled,
	}
}

// FailedBuckets returns the buckets that reached FAILED_PERMANENT.
func (c *Coordinator) FailedBuckets() []bucket.Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.set.Failed()
}

// Snapshot returns copies of all buckets in claim order.
func (c *Coordinator) Snapshot() []bucket.Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.set.Snapshot()
}
