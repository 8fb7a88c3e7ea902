package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"workseg/internal/bucket"
	"workseg/internal/checkpoint"
	"workseg/internal/filter"
	"workseg/internal/metrics"
	"workseg/internal/segment"
)

var testItems = segment.StaticItems{
	"object": {
		"key":  segment.TypeString,
		"size": segment.TypeInt,
	},
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func numericConfig() segment.Config {
	return segment.Config{
		Kind:                bucket.KindNumeric,
		ItemPath:            "size",
		SpanSize:            100,
		LeaseTimeoutSeconds: 10,
		MaxRetries:          2,
	}
}

func staticPlan(n int) []bucket.Bucket {
	plan := make([]bucket.Bucket, 0, n)
	for i := 0; i < n; i++ {
		lo := int64(i) * 10
		plan = append(plan, bucket.New(int64(i+1), bucket.NumericInterval{From: lo, To: lo + 10, ExclusiveTo: true}))
	}
	return plan
}

func open(t *testing.T, opts Options, plan []bucket.Bucket) *Coordinator {
	t.Helper()
	if opts.JobID == "" {
		opts.JobID = "job"
	}
	if opts.Config.Kind == bucket.KindDefault {
		opts.Config = numericConfig()
	}
	if opts.TargetType == "" {
		opts.TargetType = "object"
	}
	if opts.Items == nil {
		opts.Items = testItems
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	c, err := Open(context.Background(), opts, plan)
	require.NoError(t, err)
	return c
}

func exhausted(t *testing.T, c *Coordinator) bool {
	t.Helper()
	done, err := c.IsJobExhausted(context.Background())
	require.NoError(t, err)
	return done
}

func TestClaimNext_ThreeWorkersDynamicSpans(t *testing.T) {
	ctx := context.Background()
	c := open(t, Options{NextSpan: bucket.NumericSpans(100, 250, true)}, nil)

	claims := make([]*Claim, 3)
	var wg sync.WaitGroup
	for i := range claims {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claim, err := c.ClaimNext(ctx, string(rune('a'+i)))
			require.NoError(t, err)
			claims[i] = claim
		}(i)
	}
	wg.Wait()

	var got []bucket.Boundary
	for _, claim := range claims {
		require.NotNil(t, claim)
		got = append(got, claim.Bucket.Boundary)
	}
	require.ElementsMatch(t, []bucket.Boundary{
		bucket.NumericInterval{From: 0, To: 100, ExclusiveTo: true},
		bucket.NumericInterval{From: 100, To: 200, ExclusiveTo: true},
		bucket.NumericInterval{From: 200, To: 250, ExclusiveTo: true},
	}, got)

	none, err := c.ClaimNext(ctx, "d")
	require.NoError(t, err)
	require.Nil(t, none)
	require.False(t, exhausted(t, c))

	for _, claim := range claims {
		require.NoError(t, c.Complete(ctx, claim.Bucket.Owner, claim.Bucket.SequentialNumber))
	}
	require.True(t, exhausted(t, c))
	require.EqualValues(t, 250, c.Stats().HighWater)
}

func TestClaimNext_Exclusive(t *testing.T) {
	ctx := context.Background()
	c := open(t, Options{}, staticPlan(50))

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				claim, err := c.ClaimNext(ctx, worker)
				require.NoError(t, err)
				if claim == nil {
					return
				}
				mu.Lock()
				owner, dup := seen[claim.Bucket.SequentialNumber]
				seen[claim.Bucket.SequentialNumber] = worker
				mu.Unlock()
				require.False(t, dup, "bucket %d claimed by %s and %s", claim.Bucket.SequentialNumber, owner, worker)
				require.NoError(t, c.Complete(ctx, worker, claim.Bucket.SequentialNumber))
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	require.Len(t, seen, 50)
	require.True(t, exhausted(t, c))
}

func TestClaimNext_OrderingDeterminism(t *testing.T) {
	ctx := context.Background()
	plan := staticPlan(5)
	// Plan order must not matter.
	plan[0], plan[4] = plan[4], plan[0]
	c := open(t, Options{Config: func() segment.Config {
		cfg := numericConfig()
		cfg.AllowMultiBucket = true
		return cfg
	}()}, plan)

	var got []int64
	for {
		claim, err := c.ClaimNext(ctx, "w")
		require.NoError(t, err)
		if claim == nil {
			break
		}
		got = append(got, claim.Bucket.SequentialNumber)
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestClaimNext_RedeliversHeldBucket(t *testing.T) {
	ctx := context.Background()
	c := open(t, Options{}, staticPlan(2))

	first, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.False(t, first.Redelivered)

	again, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.True(t, again.Redelivered)
	require.Equal(t, first.Bucket.SequentialNumber, again.Bucket.SequentialNumber)
	require.Equal(t, first.Fingerprint, again.Fingerprint)

	other, err := c.ClaimNext(ctx, "v")
	require.NoError(t, err)
	require.EqualValues(t, 2, other.Bucket.SequentialNumber)
}

func TestClaimNext_Filters(t *testing.T) {
	c := open(t, Options{}, staticPlan(1))

	claim, err := c.ClaimNext(context.Background(), "w")
	require.NoError(t, err)
	require.Equal(t, []filter.Filter{
		filter.Compare{Path: "size", Op: filter.OpGte, Value: int64(0)},
		filter.Compare{Path: "size", Op: filter.OpLt, Value: int64(10)},
	}, claim.Filters)
	require.Equal(t, filter.Fingerprint(claim.Filters), claim.Fingerprint)

	d := claim.Descriptor()
	require.Equal(t, bucket.StateDelegated, d.State)
	require.EqualValues(t, 1, d.SequentialNumber)
}

func TestRelease_RetryBound(t *testing.T) {
	ctx := context.Background()
	c := open(t, Options{}, staticPlan(1))
	maxRetries := numericConfig().MaxRetries

	for i := 0; i <= maxRetries; i++ {
		claim, err := c.ClaimNext(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, claim, "attempt %d", i)

		b, err := c.Release(ctx, "w", claim.Bucket.SequentialNumber, "boom")
		require.NoError(t, err)
		require.Equal(t, i+1, b.Retries)
		if i < maxRetries {
			require.Equal(t, bucket.StateReady, b.State)
		} else {
			require.Equal(t, bucket.StateFailedPermanent, b.State)
		}
	}

	claim, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Nil(t, claim)
	require.True(t, exhausted(t, c))

	failed := c.FailedBuckets()
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].LastError)
}

func TestRelease_NotOwner(t *testing.T) {
	ctx := context.Background()
	c := open(t, Options{}, staticPlan(1))

	claim, err := c.ClaimNext(ctx, "a")
	require.NoError(t, err)

	_, err = c.Release(ctx, "b", claim.Bucket.SequentialNumber, "nope")
	require.ErrorIs(t, err, bucket.ErrIllegalTransition)

	_, err = c.Release(ctx, "a", 42, "nope")
	require.ErrorIs(t, err, bucket.ErrUnknownBucket)
}

func TestFail_Permanent(t *testing.T) {
	ctx := context.Background()
	c := open(t, Options{}, staticPlan(1))

	claim, err := c.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Fail(ctx, "a", claim.Bucket.SequentialNumber, "access denied"))
	require.True(t, exhausted(t, c))
	require.Equal(t, 1, c.Stats().Failed)
}

func TestTimeoutSweep_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := open(t, Options{Clock: clock.Now}, staticPlan(2))

	first, err := c.ClaimNext(ctx, "x")
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Bucket.SequentialNumber)

	second, err := c.ClaimNext(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Bucket.SequentialNumber)
	require.NoError(t, c.Complete(ctx, "x", 1))

	released, err := c.TimeoutSweep(ctx, clock.Now().Add(5*time.Second), 0)
	require.NoError(t, err)
	require.Empty(t, released)

	clock.Advance(11 * time.Second)
	released, err = c.TimeoutSweep(ctx, clock.Now(), 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, released)

	reclaimed, err := c.ClaimNext(ctx, "B")
	require.NoError(t, err)
	require.EqualValues(t, 2, reclaimed.Bucket.SequentialNumber)
	require.Equal(t, 1, reclaimed.Bucket.Retries)
	require.Equal(t, ReasonLeaseExpired, reclaimed.Bucket.LastError)

	// A is late and no longer owns the bucket.
	require.ErrorIs(t, c.Complete(ctx, "A", 2), bucket.ErrStaleCompletion)
	require.NoError(t, c.Complete(ctx, "B", 2))
	require.True(t, exhausted(t, c))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	c := open(t, Options{Store: store}, staticPlan(3))

	claim, err := c.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx))
	require.True(t, c.Cancelled())

	none, err := c.ClaimNext(ctx, "b")
	require.NoError(t, err)
	require.Nil(t, none)

	// In-flight work may still finish.
	require.NoError(t, c.Complete(ctx, "a", claim.Bucket.SequentialNumber))
	require.False(t, exhausted(t, c))

	job, _, err := store.LoadJob(ctx, "job")
	require.NoError(t, err)
	require.True(t, job.Cancelled)
}

func TestClaimNext_InvalidBucketDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	plan := []bucket.Bucket{
		bucket.New(1, bucket.NumericInterval{From: 10, To: 0}),
		bucket.New(2, bucket.NumericInterval{From: 0, To: 10, ExclusiveTo: true}),
	}
	c := open(t, Options{}, plan)

	claim, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.EqualValues(t, 2, claim.Bucket.SequentialNumber)

	failed := c.FailedBuckets()
	require.Len(t, failed, 1)
	require.EqualValues(t, 1, failed[0].SequentialNumber)
	require.Contains(t, failed[0].LastError, bucket.ErrInvalidBoundary.Error())
}

func TestClaimNext_InvalidDynamicBucketStopsGeneration(t *testing.T) {
	ctx := context.Background()
	cfg := numericConfig()
	cfg.ItemPath = "missing"
	c := open(t, Options{Config: cfg, NextSpan: bucket.NumericSpans(100, 0, false)}, nil)

	_, err := c.ClaimNext(ctx, "w")
	require.ErrorIs(t, err, bucket.ErrInvalidBoundary)

	claim, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Nil(t, claim)
	require.True(t, exhausted(t, c))
}

func TestOpen_UnsupportedKind(t *testing.T) {
	registry := segment.NewRegistry()
	registry.Register(bucket.KindNumeric, segment.NumericFactory{})

	cfg := numericConfig()
	cfg.Kind = bucket.KindString
	_, err := Open(context.Background(), Options{JobID: "job", Config: cfg, Registry: registry}, nil)
	require.ErrorIs(t, err, bucket.ErrUnsupportedKind)
	require.True(t, bucket.IsConfigError(err))
}

func TestOpen_ResumesFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	clock := newFakeClock()

	store, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	spans := bucket.NumericSpans(100, 0, false)
	c := open(t, Options{Store: store, Clock: clock.Now, NextSpan: spans}, nil)

	a, err := c.ClaimNext(ctx, "a")
	require.NoError(t, err)
	b, err := c.ClaimNext(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, "a", a.Bucket.SequentialNumber))
	require.NoError(t, store.Close())

	store2, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	resumed := open(t, Options{Store: store2, Clock: clock.Now, NextSpan: spans}, []bucket.Bucket{bucket.New(99, bucket.Null{})})

	stats := resumed.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Complete)
	require.Equal(t, 1, stats.Delegated)
	require.EqualValues(t, 200, stats.HighWater)

	// b still owns its bucket after the restart.
	again, err := resumed.ClaimNext(ctx, "b")
	require.NoError(t, err)
	require.True(t, again.Redelivered)
	require.Equal(t, b.Bucket.SequentialNumber, again.Bucket.SequentialNumber)

	next, err := resumed.ClaimNext(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 3, next.Bucket.SequentialNumber)
	require.Equal(t, bucket.NumericInterval{From: 200, To: 300, ExclusiveTo: true}, next.Bucket.Boundary)
}

func TestClaimNext_SharedStoreConflict(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	plan := staticPlan(2)

	// Two processes over one store.
	p1 := open(t, Options{Store: store}, plan)
	p2 := open(t, Options{Store: store}, plan)

	c1, err := p1.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	c2, err := p2.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotEqual(t, c1.Bucket.SequentialNumber, c2.Bucket.SequentialNumber)
}

func TestSharedStore_CancelReachesOtherProcess(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	p1 := open(t, Options{Store: store}, staticPlan(3))
	p2 := open(t, Options{Store: store}, staticPlan(3))

	require.NoError(t, p1.Cancel(ctx))

	claim, err := p2.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, claim)
	require.True(t, p2.Cancelled())
	require.Equal(t, 3, p2.Stats().Ready)
}

func TestSharedStore_ExhaustedAfterRemoteCompletion(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	p1 := open(t, Options{Store: store}, staticPlan(2))
	p2 := open(t, Options{Store: store}, staticPlan(2))

	a, err := p1.ClaimNext(ctx, "a")
	require.NoError(t, err)
	b, err := p1.ClaimNext(ctx, "b")
	require.NoError(t, err)

	none, err := p2.ClaimNext(ctx, "c")
	require.NoError(t, err)
	require.Nil(t, none)
	require.False(t, exhausted(t, p2))

	require.NoError(t, p1.Complete(ctx, "a", a.Bucket.SequentialNumber))
	require.NoError(t, p1.Complete(ctx, "b", b.Bucket.SequentialNumber))

	require.True(t, exhausted(t, p2))
	require.Equal(t, 2, p2.Stats().Complete)
}

func TestSharedStore_SweepSkipsRemotelyCompleted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := checkpoint.NewMemoryStore()
	p1 := open(t, Options{Store: store, Clock: clock.Now}, staticPlan(2))
	p2 := open(t, Options{Store: store, Clock: clock.Now}, staticPlan(2))

	first, err := p1.ClaimNext(ctx, "a")
	require.NoError(t, err)
	second, err := p1.ClaimNext(ctx, "b")
	require.NoError(t, err)

	// p2 learns about both delegations through a claim conflict.
	none, err := p2.ClaimNext(ctx, "c")
	require.NoError(t, err)
	require.Nil(t, none)
	require.Equal(t, 2, p2.Stats().Delegated)

	require.NoError(t, p1.Complete(ctx, "a", first.Bucket.SequentialNumber))

	clock.Advance(11 * time.Second)
	for i := 0; i < 2; i++ {
		released, err := p2.TimeoutSweep(ctx, clock.Now(), 0)
		require.NoError(t, err)
		if i == 0 {
			require.Equal(t, []int64{second.Bucket.SequentialNumber}, released)
		} else {
			require.Empty(t, released)
		}
	}

	stats := p2.Stats()
	require.Equal(t, 1, stats.Complete)
	require.Equal(t, 1, stats.Ready)
}

func TestSharedStore_LostLeaseIsStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := checkpoint.NewMemoryStore()
	p1 := open(t, Options{Store: store, Clock: clock.Now}, staticPlan(1))
	p2 := open(t, Options{Store: store, Clock: clock.Now}, staticPlan(1))

	claim, err := p1.ClaimNext(ctx, "slow")
	require.NoError(t, err)
	seq := claim.Bucket.SequentialNumber

	// p2 expires the lease and hands the bucket to another worker while p1
	// still believes "slow" owns it.
	clock.Advance(11 * time.Second)
	released, err := p2.TimeoutSweep(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.Equal(t, []int64{seq}, released)
	reclaimed, err := p2.ClaimNext(ctx, "fast")
	require.NoError(t, err)
	require.Equal(t, seq, reclaimed.Bucket.SequentialNumber)

	require.ErrorIs(t, p1.Complete(ctx, "slow", seq), bucket.ErrStaleCompletion)
	_, err = p1.Release(ctx, "slow", seq, "gave up")
	require.ErrorIs(t, err, bucket.ErrStaleCompletion)
	require.ErrorIs(t, p1.Fail(ctx, "slow", seq, "broken"), bucket.ErrStaleCompletion)

	require.NoError(t, p2.Complete(ctx, "fast", seq))
	require.True(t, exhausted(t, p1))
}

func TestSharedStore_GeneratedBucketsAreSeen(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	spans := bucket.NumericSpans(100, 300, true)
	p1 := open(t, Options{Store: store, NextSpan: spans}, nil)
	p2 := open(t, Options{Store: store, NextSpan: spans}, nil)

	c1, err := p1.ClaimNext(ctx, "a")
	require.NoError(t, err)
	c2, err := p2.ClaimNext(ctx, "b")
	require.NoError(t, err)

	require.EqualValues(t, 1, c1.Bucket.SequentialNumber)
	require.EqualValues(t, 2, c2.Bucket.SequentialNumber)
	require.Equal(t, bucket.NumericInterval{From: 100, To: 200, ExclusiveTo: true}, c2.Bucket.Boundary)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := open(t, Options{Metrics: m}, staticPlan(2))

	claim, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, "w", claim.Bucket.SequentialNumber))

	count, err := testutil.GatherAndCount(reg, "workseg_bucket_events_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	status := m.GetProgressTracker().GetStatus()
	require.EqualValues(t, 2, status.TotalBuckets)
	require.EqualValues(t, 1, status.CompletedBuckets)
}
