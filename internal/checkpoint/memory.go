package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workseg/internal/bucket"
)

// MemoryStore keeps job state in process memory. It is used when no
// persistent backend is configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*memJob
	closed bool
}

type memJob struct {
	record  JobRecord
	buckets map[int64]bucket.Bucket
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memJob)}
}

func (s *MemoryStore) job(jobID string) (*memJob, error) {
	if s.closed {
		return nil, ErrClosed
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return j, nil
}

// CreateJob implements Store.
func (s *MemoryStore) CreateJob(_ context.Context, job JobRecord, buckets []bucket.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("%s: %w", job.JobID, ErrJobExists)
	}
	j := &memJob{record: job, buckets: make(map[int64]bucket.Bucket, len(buckets))}
	j.record.UpdatedAt = time.Now()
	for _, b := range buckets {
		if _, ok := j.buckets[b.SequentialNumber]; ok {
			return fmt.Errorf("bucket %d: %w", b.SequentialNumber, bucket.ErrDuplicateBucket)
		}
		j.buckets[b.SequentialNumber] = b
	}
	s.jobs[job.JobID] = j
	return nil
}

// LoadJob implements Store.
func (s *MemoryStore) LoadJob(_ context.Context, jobID string) (JobRecord, []bucket.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return JobRecord{}, nil, err
	}
	buckets := make([]bucket.Bucket, 0, len(j.buckets))
	for _, b := range j.buckets {
		buckets = append(buckets, b)
	}
	return j.record, buckets, nil
}

// GetJob implements Store.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return JobRecord{}, err
	}
	return j.record, nil
}

// AppendBucket implements Store.
func (s *MemoryStore) AppendBucket(_ context.Context, jobID string, b bucket.Bucket, highWater int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if _, ok := j.buckets[b.SequentialNumber]; ok {
		return fmt.Errorf("bucket %d: %w", b.SequentialNumber, bucket.ErrDuplicateBucket)
	}
	j.buckets[b.SequentialNumber] = b
	j.record.HighWater = highWater
	j.record.UpdatedAt = time.Now()
	return nil
}

// UpdateBucket implements Store.
func (s *MemoryStore) UpdateBucket(_ context.Context, jobID string, prev, next bucket.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	stored, ok := j.buckets[next.SequentialNumber]
	if !ok {
		return fmt.Errorf("bucket %d: %w", next.SequentialNumber, bucket.ErrUnknownBucket)
	}
	if !sameVersion(stored, prev) {
		return fmt.Errorf("bucket %d: %w", next.SequentialNumber, ErrConflict)
	}
	j.buckets[next.SequentialNumber] = next
	return nil
}

// MarkCancelled implements Store.
func (s *MemoryStore) MarkCancelled(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	j.record.Cancelled = true
	j.record.UpdatedAt = time.Now()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
