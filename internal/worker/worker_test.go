package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"workseg/internal/bucket"
	"workseg/internal/coordinator"
	"workseg/internal/filter"
	"workseg/internal/segment"
	"workseg/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	seen map[string]int64
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[string]int64)}
}

func (r *recorder) Visit(_ context.Context, seq int64, obj storage.ObjectInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[obj.Key] = seq
	return nil
}

func sizedObjects(n int) *storage.MemoryClient {
	client := storage.NewMemoryClient()
	for i := 0; i < n; i++ {
		client.Put("src", storage.ObjectInfo{Key: fmt.Sprintf("obj-%03d", i), Size: int64(i * 10)})
	}
	return client
}

func openJob(t *testing.T, cfg segment.Config, next bucket.NextSpanFunc, plan []bucket.Bucket) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.Open(context.Background(), coordinator.Options{
		JobID:      "job",
		Config:     cfg,
		TargetType: "object",
		NextSpan:   next,
		Logger:     zaptest.NewLogger(t),
	}, plan)
	require.NoError(t, err)
	return c
}

func exhausted(t *testing.T, c *coordinator.Coordinator) bool {
	t.Helper()
	done, err := c.IsJobExhausted(context.Background())
	require.NoError(t, err)
	return done
}

func sizeConfig(leaseSeconds int) segment.Config {
	return segment.Config{
		Kind:                bucket.KindNumeric,
		ItemPath:            "size",
		SpanSize:            50,
		LeaseTimeoutSeconds: leaseSeconds,
		MaxRetries:          3,
	}
}

func TestSession_RunCompletes(t *testing.T) {
	ctx := context.Background()
	coord := openJob(t, sizeConfig(60), bucket.NumericSpans(50, 100, true), nil)
	rec := newRecorder()
	proc := NewProcessor(Config{SourceBucket: "src"}, sizedObjects(10), rec, nil, zaptest.NewLogger(t))
	s := NewSession(coord, 0, zaptest.NewLogger(t))

	for {
		lease, err := s.RequestBucket(ctx)
		require.NoError(t, err)
		if lease == nil {
			break
		}
		require.Equal(t, s.ID(), lease.Bucket.Owner)
		require.Equal(t, lease.Bucket.DelegatedAt.Add(time.Minute), lease.Deadline)
		require.NoError(t, s.Run(ctx, lease, proc.Process))
	}

	require.True(t, exhausted(t, coord))
	require.Len(t, rec.seen, 10)
	require.EqualValues(t, 1, rec.seen["obj-004"])
	require.EqualValues(t, 2, rec.seen["obj-005"])
	require.Empty(t, s.Held())
}

func TestSession_LeaseDeadline(t *testing.T) {
	ctx := context.Background()
	coord := openJob(t, sizeConfig(1), nil, []bucket.Bucket{bucket.New(1, bucket.Null{})})
	s := NewSession(coord, 950*time.Millisecond, zaptest.NewLogger(t))

	lease, err := s.RequestBucket(ctx)
	require.NoError(t, err)

	err = s.Run(ctx, lease, func(ctx context.Context, _ *Lease) Result {
		<-ctx.Done()
		return Result{Err: ctx.Err()}
	})
	require.NoError(t, err)

	b := coord.Snapshot()[0]
	require.Equal(t, bucket.StateReady, b.State)
	require.Equal(t, 1, b.Retries)
	require.Equal(t, ReasonLeaseDeadline, b.LastError)
}

func TestSession_Shutdown(t *testing.T) {
	coord := openJob(t, sizeConfig(60), nil, []bucket.Bucket{bucket.New(1, bucket.Null{})})
	s := NewSession(coord, 0, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	lease, err := s.RequestBucket(ctx)
	require.NoError(t, err)

	err = s.Run(ctx, lease, func(context.Context, *Lease) Result {
		cancel()
		return Result{}
	})
	require.NoError(t, err)
	require.Equal(t, ReasonShutdown, coord.Snapshot()[0].LastError)
	require.Equal(t, bucket.StateReady, coord.Snapshot()[0].State)
}

func TestSession_Finish(t *testing.T) {
	ctx := context.Background()
	plan := []bucket.Bucket{bucket.New(1, bucket.Null{}), bucket.New(2, bucket.Null{})}
	coord := openJob(t, sizeConfig(60), nil, plan)
	s := NewSession(coord, 0, zaptest.NewLogger(t))

	lease, err := s.RequestBucket(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, lease, Result{Err: errors.New("connection reset")}))
	require.Equal(t, bucket.StateReady, coord.Snapshot()[0].State)

	lease, err = s.RequestBucket(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, lease.Seq())
	require.NoError(t, s.Finish(ctx, lease, Result{Err: errors.New("access denied"), Permanent: true}))
	require.Equal(t, bucket.StateFailedPermanent, coord.Snapshot()[0].State)

	// Completing a bucket another worker holds is rejected.
	other := NewSession(coord, 0, zaptest.NewLogger(t))
	lease, err = other.RequestBucket(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, s.Finish(ctx, lease, Result{}), bucket.ErrStaleCompletion)
}

func TestSession_CloseReleasesHeld(t *testing.T) {
	ctx := context.Background()
	coord := openJob(t, sizeConfig(60), nil, []bucket.Bucket{bucket.New(1, bucket.Null{})})
	s := NewSessionWithID("w-1", coord, 0, zaptest.NewLogger(t))

	_, err := s.RequestBucket(ctx)
	require.NoError(t, err)
	require.Len(t, s.Held(), 1)

	require.NoError(t, s.Close())
	require.Empty(t, s.Held())
	require.Equal(t, bucket.StateReady, coord.Snapshot()[0].State)
}

func lease(filters ...filter.Filter) *Lease {
	return &Lease{Claim: &coordinator.Claim{Bucket: bucket.New(7, bucket.Null{}), Filters: filters}}
}

func TestProcessor_KeyRange(t *testing.T) {
	client := storage.NewMemoryClient()
	for _, k := range []string{"data/a1", "data/a2", "data/b1", "data/b2", "data/c1", "data/d1"} {
		client.Put("src", storage.ObjectInfo{Key: k, Size: 1})
	}
	rec := newRecorder()
	p := NewProcessor(Config{SourceBucket: "src", Prefix: "data/"}, client, rec, nil, zaptest.NewLogger(t))

	res := p.Process(context.Background(), lease(
		filter.Compare{Path: "key", Op: filter.OpGte, Value: "b1"},
		filter.Compare{Path: "key", Op: filter.OpLt, Value: "c1"},
	))
	require.NoError(t, res.Err)
	require.EqualValues(t, 2, res.Matched)
	require.EqualValues(t, 2, res.Bytes)
	// The listing starts at the lower bound and stops at the first key past
	// the range.
	require.EqualValues(t, 2, res.Scanned)
	require.Equal(t, map[string]int64{"data/b1": 7, "data/b2": 7}, rec.seen)
}

func TestKeyLowerBound(t *testing.T) {
	start, ok := keyLowerBound([]filter.Filter{filter.Compare{Path: "key", Op: filter.OpGte, Value: "obj-010"}})
	require.True(t, ok)
	require.Equal(t, "obj-01", start)

	start, ok = keyLowerBound([]filter.Filter{filter.Compare{Path: "key", Op: filter.OpGte, Value: "ké"}})
	require.True(t, ok)
	require.Equal(t, "k", start)

	start, ok = keyLowerBound([]filter.Filter{filter.Compare{Path: "key", Op: filter.OpGt, Value: "m"}})
	require.True(t, ok)
	require.Equal(t, "m", start)

	_, ok = keyLowerBound([]filter.Filter{filter.Compare{Path: "key", Op: filter.OpGte, Value: "b"}})
	require.False(t, ok)
	_, ok = keyLowerBound([]filter.Filter{filter.Compare{Path: "key", Op: filter.OpGte, Value: "bb", CaseInsensitive: true}})
	require.False(t, ok)
	_, ok = keyLowerBound([]filter.Filter{filter.Compare{Path: "size", Op: filter.OpGte, Value: int64(4)}})
	require.False(t, ok)
}

func TestProcessor_ExplicitKeys(t *testing.T) {
	client := storage.NewMemoryClient()
	client.Put("src", storage.ObjectInfo{Key: "a"}, storage.ObjectInfo{Key: "b"})
	p := NewProcessor(Config{SourceBucket: "src"}, client, nil, nil, zaptest.NewLogger(t))

	res := p.Process(context.Background(), lease(filter.In{Path: "key", Values: []string{"a", "zz"}}))
	require.NoError(t, res.Err)
	require.EqualValues(t, 1, res.Scanned)
	require.EqualValues(t, 1, res.Matched)
}

func TestProcessor_FilterError(t *testing.T) {
	client := storage.NewMemoryClient()
	client.Put("src", storage.ObjectInfo{Key: "a", Size: 3})
	p := NewProcessor(Config{SourceBucket: "src", Attempts: 3}, client, nil, nil, zaptest.NewLogger(t))

	res := p.Process(context.Background(), lease(filter.Compare{Path: "size", Op: filter.OpGte, Value: "x"}))
	require.Error(t, res.Err)
	require.Zero(t, res.Matched)
}

func TestPool_RunsJobToExhaustion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord := openJob(t, sizeConfig(60), bucket.NumericSpans(50, 200, true), nil)
	rec := newRecorder()
	cfg := Config{SourceBucket: "src", PollInterval: 10 * time.Millisecond}
	proc := NewProcessor(cfg, sizedObjects(20), rec, nil, zaptest.NewLogger(t))
	pool := NewPool(3, cfg, coord, proc, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	wg.Wait()

	require.NoError(t, ctx.Err())
	require.True(t, exhausted(t, coord))
	require.Len(t, rec.seen, 20)

	stats := coord.Stats()
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 4, stats.Complete)
}

func TestPool_StopsOnCancelledJob(t *testing.T) {
	ctx := context.Background()
	coord := openJob(t, sizeConfig(60), nil, []bucket.Bucket{bucket.New(1, bucket.Null{})})
	require.NoError(t, coord.Cancel(ctx))

	cfg := Config{SourceBucket: "src", PollInterval: 10 * time.Millisecond}
	pool := NewPool(2, cfg, coord, NewProcessor(cfg, storage.NewMemoryClient(), nil, nil, nil), zaptest.NewLogger(t))

	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	wg.Wait()
	require.Equal(t, 1, coord.Stats().Ready)
}
