package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workseg/internal/bucket"
)

var (
	// ErrJobNotFound is returned when a job has no stored state.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job that is already stored.
	ErrJobExists = errors.New("job already exists")

	// ErrConflict is returned when a conditional bucket update finds the
	// stored bucket in a different state than expected.
	ErrConflict = errors.New("bucket state changed concurrently")

	// ErrClosed is returned by a closed store.
	ErrClosed = errors.New("checkpoint store is closed")
)

// JobRecord is the persisted job-level aggregate.
type JobRecord struct {
	JobID     string      `json:"job_id"`
	Kind      bucket.Kind `json:"kind"`
	HighWater int64       `json:"high_water"`
	Cancelled bool        `json:"cancelled"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// BucketRecord is the persisted form of a bucket.
type BucketRecord struct {
	Seq         int64           `json:"seq"`
	Boundary    json.RawMessage `json:"boundary"`
	State       bucket.State    `json:"state"`
	Owner       string          `json:"owner,omitempty"`
	Retries     int             `json:"retries"`
	DelegatedAt int64           `json:"delegated_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store persists job state. UpdateBucket is a compare-and-set keyed by
// (job, sequential number): it applies only when the stored bucket still
// matches prev.
type Store interface {
	CreateJob(ctx context.Context, job JobRecord, buckets []bucket.Bucket) error
	LoadJob(ctx context.Context, jobID string) (JobRecord, []bucket.Bucket, error)
	// GetJob reads only the job-level record.
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	AppendBucket(ctx context.Context, jobID string, b bucket.Bucket, highWater int64) error
	UpdateBucket(ctx context.Context, jobID string, prev, next bucket.Bucket) error
	MarkCancelled(ctx context.Context, jobID string) error

	// Cleanup
	Close() error
}

// NewRecord converts a bucket to its persisted form.
func NewRecord(b bucket.Bucket) (BucketRecord, error) {
	boundary, err := bucket.MarshalBoundary(b.Boundary)
	if err != nil {
		return BucketRecord{}, err
	}
	rec := BucketRecord{
		Seq:       b.SequentialNumber,
		Boundary:  boundary,
		State:     b.State,
		Owner:     b.Owner,
		Retries:   b.Retries,
		LastError: b.LastError,
		UpdatedAt: time.Now(),
	}
	if !b.DelegatedAt.IsZero() {
		rec.DelegatedAt = b.DelegatedAt.UnixNano()
	}
	return rec, nil
}

// Bucket converts a persisted record back to a bucket.
func (r BucketRecord) Bucket() (bucket.Bucket, error) {
	boundary, err := bucket.UnmarshalBoundary(r.Boundary)
	if err != nil {
		return bucket.Bucket{}, fmt.Errorf("bucket %d: %w", r.Seq, err)
	}
	b := bucket.Bucket{
		SequentialNumber: r.Seq,
		Boundary:         boundary,
		State:            r.State,
		Owner:            r.Owner,
		Retries:          r.Retries,
		LastError:        r.LastError,
	}
	if r.DelegatedAt != 0 {
		b.DelegatedAt = time.Unix(0, r.DelegatedAt)
	}
	return b, nil
}

// sameVersion reports whether a stored bucket still matches the version a
// caller based its update on.
func sameVersion(stored, prev bucket.Bucket) bool {
	return stored.State == prev.State &&
		stored.Owner == prev.Owner &&
		stored.Retries == prev.Retries
}
