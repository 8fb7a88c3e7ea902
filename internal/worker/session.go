package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workseg/internal/bucket"
	"workseg/internal/coordinator"
)

// Coordinator is the job API a session works against.
type Coordinator interface {
	ClaimNext(ctx context.Context, worker string) (*coordinator.Claim, error)
	Complete(ctx context.Context, worker string, seq int64) error
	Release(ctx context.Context, worker string, seq int64, reason string) (bucket.Bucket, error)
	Fail(ctx context.Context, worker string, seq int64, reason string) error
	LeaseTimeout() time.Duration
	IsJobExhausted(ctx context.Context) (bool, error)
	Cancelled() bool
}

// Lease is a claimed bucket and the time by which it must be finished.
type Lease struct {
	*coordinator.Claim
	Deadline time.Time
}

// Seq returns the leased bucket's sequential number.
func (l *Lease) Seq() int64 { return l.Bucket.SequentialNumber }

// Session is one worker's view of a job: it claims buckets under a stable
// worker identity and reports their outcome.
type Session struct {
	id     string
	coord  Coordinator
	margin time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	held map[int64]*Lease
}

// NewSession creates a session with a fresh worker identity.
func NewSession(coord Coordinator, margin time.Duration, logger *zap.Logger) *Session {
	return NewSessionWithID(uuid.NewString(), coord, margin, logger)
}

// NewSessionWithID creates a session for a known worker identity, e.g. one
// resuming after a restart.
func NewSessionWithID(id string, coord Coordinator, margin time.Duration, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:     id,
		coord:  coord,
		margin: margin,
		logger: logger.With(zap.String("worker_id", id)),
		held:   make(map[int64]*Lease),
	}
}

// ID returns the worker identity.
func (s *Session) ID() string { return s.id }

// RequestBucket claims the next bucket. A nil lease means no work right now.
func (s *Session) RequestBucket(ctx context.Context) (*Lease, error) {
	claim, err := s.coord.ClaimNext(ctx, s.id)
	if err != nil || claim == nil {
		return nil, err
	}

	lease := &Lease{
		Claim:    claim,
		Deadline: claim.Bucket.DelegatedAt.Add(s.coord.LeaseTimeout()),
	}
	s.mu.Lock()
	s.held[lease.Seq()] = lease
	s.mu.Unlock()
	return lease, nil
}

// Finish reports the outcome of a leased bucket: COMPLETE on success,
// FAILED_PERMANENT for a permanent error, otherwise a release for retry.
// An ErrStaleCompletion means the bucket was reassigned and the work must be
// discarded.
func (s *Session) Finish(ctx context.Context, lease *Lease, res Result) error {
	s.forget(lease)

	seq := lease.Seq()
	switch {
	case res.Err == nil:
		err := s.coord.Complete(ctx, s.id, seq)
		if errors.Is(err, bucket.ErrStaleCompletion) {
			s.logger.Warn("Bucket no longer ours, discarding results", zap.Int64("seq", seq))
		}
		return err
	case res.Permanent:
		return s.coord.Fail(ctx, s.id, seq, res.Err.Error())
	default:
		_, err := s.coord.Release(ctx, s.id, seq, res.Err.Error())
		return err
	}
}

// Run works a leased bucket with fn under a context that ends before the
// lease deadline. If the deadline passes or ctx ends first, the bucket is
// released instead of being reported.
func (s *Session) Run(ctx context.Context, lease *Lease, fn func(context.Context, *Lease) Result) error {
	workCtx, cancel := context.WithDeadline(ctx, lease.Deadline.Add(-s.margin))
	defer cancel()

	res := fn(workCtx, lease)

	switch {
	case ctx.Err() != nil:
		return s.release(lease, ReasonShutdown)
	case errors.Is(workCtx.Err(), context.DeadlineExceeded):
		s.logger.Warn("Lease deadline reached before bucket finished",
			zap.Int64("seq", lease.Seq()),
			zap.Time("deadline", lease.Deadline))
		return s.release(lease, ReasonLeaseDeadline)
	default:
		return s.Finish(ctx, lease, res)
	}
}

// release returns a bucket even when the caller's context has ended.
func (s *Session) release(lease *Lease, reason string) error {
	s.forget(lease)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.coord.Release(ctx, s.id, lease.Seq(), reason); err != nil {
		return fmt.Errorf("release bucket %d: %w", lease.Seq(), err)
	}
	return nil
}

func (s *Session) forget(lease *Lease) {
	s.mu.Lock()
	delete(s.held, lease.Seq())
	s.mu.Unlock()
}

// Held returns the leases the session has not finished.
func (s *Session) Held() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Lease, 0, len(s.held))
	for _, l := range s.held {
		out = append(out, l)
	}
	return out
}

// Close releases every unfinished lease.
func (s *Session) Close() error {
	var errs []error
	for _, lease := range s.Held() {
		if err := s.release(lease, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
