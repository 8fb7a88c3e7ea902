package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"workseg/internal/bucket"
)

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// KVStore implements Store on a NATS JetStream key-value bucket. Bucket
// updates are conditioned on the entry revision, so a stale writer loses with
// ErrConflict.
//
// Key layout:
//
//	<job>.job            JobRecord
//	<job>.b.<seq>        BucketRecord (seq zero-padded to keep keys sortable)
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore wraps an existing key-value bucket.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// OpenKV creates the named key-value bucket, or binds to it when it already exists.
func OpenKV(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "work bucket checkpoints",
		History:     1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", name, err)
	}
	return kv, nil
}

func jobKey(jobID string) string { return jobID + ".job" }

func bucketKey(jobID string, seq int64) string {
	return fmt.Sprintf("%s.b.%012d", jobID, seq)
}

func checkJobID(jobID string) error {
	if !validJobID.MatchString(jobID) {
		return fmt.Errorf("job id %q is not a valid key token", jobID)
	}
	return nil
}

// CreateJob implements Store. The job key is created first so that a second
// creator fails before writing any bucket.
func (s *KVStore) CreateJob(ctx context.Context, job JobRecord, buckets []bucket.Bucket) error {
	if err := checkJobID(job.JobID); err != nil {
		return err
	}

	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(ctx, jobKey(job.JobID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%s: %w", job.JobID, ErrJobExists)
		}
		return fmt.Errorf("create job %s: %w", job.JobID, err)
	}

	for _, b := range buckets {
		if err := s.createBucket(ctx, job.JobID, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) createBucket(ctx context.Context, jobID string, b bucket.Bucket) error {
	rec, err := NewRecord(b)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(ctx, bucketKey(jobID, b.SequentialNumber), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("bucket %d: %w", b.SequentialNumber, bucket.ErrDuplicateBucket)
		}
		return fmt.Errorf("create bucket %d: %w", b.SequentialNumber, err)
	}
	return nil
}

func (s *KVStore) getJob(ctx context.Context, jobID string) (JobRecord, uint64, error) {
	entry, err := s.kv.Get(ctx, jobKey(jobID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return JobRecord{}, 0, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return JobRecord{}, 0, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job JobRecord
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return JobRecord{}, 0, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, entry.Revision(), nil
}

func (s *KVStore) getBucket(ctx context.Context, key string) (bucket.Bucket, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return bucket.Bucket{}, 0, err
	}
	var rec BucketRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return bucket.Bucket{}, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	b, err := rec.Bucket()
	return b, entry.Revision(), err
}

// GetJob implements Store.
func (s *KVStore) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	if err := checkJobID(jobID); err != nil {
		return JobRecord{}, err
	}
	job, _, err := s.getJob(ctx, jobID)
	return job, err
}

// LoadJob implements Store.
func (s *KVStore) LoadJob(ctx context.Context, jobID string) (JobRecord, []bucket.Bucket, error) {
	if err := checkJobID(jobID); err != nil {
		return JobRecord{}, nil, err
	}
	job, _, err := s.getJob(ctx, jobID)
	if err != nil {
		return JobRecord{}, nil, err
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return JobRecord{}, nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := jobID + ".b."
	var bucketKeys []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			bucketKeys = append(bucketKeys, k)
		}
	}
	sort.Strings(bucketKeys)

	buckets := make([]bucket.Bucket, 0, len(bucketKeys))
	for _, k := range bucketKeys {
		b, _, err := s.getBucket(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return JobRecord{}, nil, err
		}
		buckets = append(buckets, b)
	}
	return job, buckets, nil
}

// AppendBucket implements Store. The bucket key is written before the job's
// high-water mark; a reader that sees the bucket but an older mark recomputes
// the mark from the buckets it loaded.
func (s *KVStore) AppendBucket(ctx context.Context, jobID string, b bucket.Bucket, highWater int64) error {
	if err := s.createBucket(ctx, jobID, b); err != nil {
		return err
	}
	return s.updateJob(ctx, jobID, func(job *JobRecord) {
		if highWater > job.HighWater {
			job.HighWater = highWater
		}
	})
}

// UpdateBucket implements Store.
func (s *KVStore) UpdateBucket(ctx context.Context, jobID string, prev, next bucket.Bucket) error {
	key := bucketKey(jobID, next.SequentialNumber)
	stored, revision, err := s.getBucket(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("bucket %d: %w", next.SequentialNumber, bucket.ErrUnknownBucket)
	}
	if err != nil {
		return fmt.Errorf("get bucket %d: %w", next.SequentialNumber, err)
	}
	if !sameVersion(stored, prev) {
		return fmt.Errorf("bucket %d: %w", next.SequentialNumber, ErrConflict)
	}

	rec, err := NewRecord(next)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Update(ctx, key, data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("bucket %d: %w", next.SequentialNumber, ErrConflict)
		}
		return fmt.Errorf("update bucket %d: %w", next.SequentialNumber, err)
	}
	return nil
}

// MarkCancelled implements Store.
func (s *KVStore) MarkCancelled(ctx context.Context, jobID string) error {
	return s.updateJob(ctx, jobID, func(job *JobRecord) { job.Cancelled = true })
}

func (s *KVStore) updateJob(ctx context.Context, jobID string, mutate func(*JobRecord)) error {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		job, revision, err := s.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		mutate(&job)
		job.UpdatedAt = time.Now()
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = s.kv.Update(ctx, jobKey(jobID), data, revision)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("update job %s: %w", jobID, err)
		}
	}
	return fmt.Errorf("job %s: %w", jobID, ErrConflict)
}

// Close implements Store. The underlying connection belongs to the caller.
func (s *KVStore) Close() error {
	return nil
}
