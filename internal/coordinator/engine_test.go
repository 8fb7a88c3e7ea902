package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"workseg/internal/bucket"
	"workseg/internal/checkpoint"
)

func TestEngine(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := NewEngine(checkpoint.NewMemoryStore(), nil, nil, zaptest.NewLogger(t))

	opts := Options{JobID: "nums", Config: numericConfig(), TargetType: "object", Items: testItems, Clock: clock.Now}
	_, err := e.StartJob(ctx, opts, staticPlan(2))
	require.NoError(t, err)

	_, err = e.StartJob(ctx, opts, staticPlan(2))
	require.ErrorIs(t, err, ErrJobRunning)

	claim, err := e.RequestBucket(ctx, "nums", "w1")
	require.NoError(t, err)
	require.EqualValues(t, 1, claim.Bucket.SequentialNumber)

	data, err := json.Marshal(claim.Descriptor())
	require.NoError(t, err)
	require.JSONEq(t, `{"sequentialNumber":1,"boundary":{"kind":"numeric","numeric":{"from":0,"to":10,"exclusiveTo":true}},"state":"delegated"}`, string(data))

	require.NoError(t, e.ReportFailed(ctx, "nums", "w1", 1, "transient"))
	require.ErrorIs(t, e.ReportComplete(ctx, "nums", "w1", 1), bucket.ErrStaleCompletion)

	claim, err = e.RequestBucket(ctx, "nums", "w2")
	require.NoError(t, err)
	require.EqualValues(t, 1, claim.Bucket.SequentialNumber)

	clock.Advance(time.Minute)
	require.NoError(t, e.Sweep(ctx, clock.Now()))

	done, err := e.IsExhausted(ctx, "nums")
	require.NoError(t, err)
	require.False(t, done)

	for {
		claim, err := e.RequestBucket(ctx, "nums", "w3")
		require.NoError(t, err)
		if claim == nil {
			break
		}
		require.NoError(t, e.ReportComplete(ctx, "nums", "w3", claim.Bucket.SequentialNumber))
	}
	done, err = e.IsExhausted(ctx, "nums")
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, []string{"nums"}, e.Jobs())
	require.NoError(t, e.Archive("nums"))
	require.ErrorIs(t, e.Archive("nums"), ErrJobNotFound)

	_, err = e.RequestBucket(ctx, "nums", "w1")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.IsExhausted(ctx, "nums")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngine_JobsDoNotShareBuckets(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(nil, nil, nil, nil)

	for _, id := range []string{"a", "b"} {
		_, err := e.StartJob(ctx, Options{JobID: id, Config: numericConfig(), Items: testItems, TargetType: "object"}, staticPlan(1))
		require.NoError(t, err)
	}

	ca, err := e.RequestBucket(ctx, "a", "w")
	require.NoError(t, err)
	cb, err := e.RequestBucket(ctx, "b", "w")
	require.NoError(t, err)
	require.NotNil(t, ca)
	require.NotNil(t, cb)
	require.False(t, cb.Redelivered)
}
