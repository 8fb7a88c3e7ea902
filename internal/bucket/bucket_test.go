package bucket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucket_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("ready to delegated to complete", func(t *testing.T) {
		b := New(1, NumericInterval{From: 0, To: 10, ExclusiveTo: true})
		require.Equal(t, StateReady, b.State)

		b, err := b.Delegate("w1", now)
		require.NoError(t, err)
		require.Equal(t, StateDelegated, b.State)
		require.Equal(t, "w1", b.Owner)
		require.Equal(t, now, b.DelegatedAt)

		b, err = b.Complete("w1")
		require.NoError(t, err)
		require.Equal(t, StateComplete, b.State)
		require.Empty(t, b.Owner)
	})

	t.Run("complete by another worker is rejected", func(t *testing.T) {
		b, err := New(1, Null{}).Delegate("w1", now)
		require.NoError(t, err)

		same, err := b.Complete("w2")
		require.ErrorIs(t, err, ErrIllegalTransition)
		require.Equal(t, b, same, "rejected transitions must not change the bucket")
	})

	t.Run("release counts retries until the budget is spent", func(t *testing.T) {
		b := New(7, Null{})
		for i := 1; i <= 2; i++ {
			var err error
			b, err = b.Delegate("w", now)
			require.NoError(t, err)
			b, err = b.Release("w", "boom", 2)
			require.NoError(t, err)
			require.Equal(t, StateReady, b.State)
			require.Equal(t, i, b.Retries)
			require.Equal(t, "boom", b.LastError)
		}

		b, err := b.Delegate("w", now)
		require.NoError(t, err)
		b, err = b.Release("w", "boom", 2)
		require.NoError(t, err)
		require.Equal(t, StateFailedPermanent, b.State)
		require.Equal(t, 3, b.Retries)
	})

	t.Run("terminal states admit no transition", func(t *testing.T) {
		b, _ := New(1, Null{}).Delegate("w", now)
		b, _ = b.Complete("w")

		_, err := b.Delegate("w", now)
		require.ErrorIs(t, err, ErrIllegalTransition)
		_, err = b.Release("w", "x", 5)
		require.ErrorIs(t, err, ErrIllegalTransition)
		_, err = b.Invalidate("x")
		require.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("invalidate only from ready", func(t *testing.T) {
		b, err := New(1, ExplicitValues{}).Invalidate("empty")
		require.NoError(t, err)
		require.Equal(t, StateFailedPermanent, b.State)
		require.Equal(t, "empty", b.LastError)
	})
}

func TestDescriptor_JSON(t *testing.T) {
	in := Descriptor{
		SequentialNumber: 3,
		Boundary:         StringInterval{From: "a", To: "m"},
		State:            StateDelegated,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"sequentialNumber":3,"boundary":{"kind":"string","string":{"from":"a","to":"m"}},"state":"delegated"}`,
		string(data))

	var out Descriptor
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalBoundary_Errors(t *testing.T) {
	_, err := UnmarshalBoundary([]byte(`{"kind":"geo"}`))
	require.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = UnmarshalBoundary([]byte(`{"kind":"numeric"}`))
	require.ErrorIs(t, err, ErrInvalidBoundary)

	b, err := UnmarshalBoundary([]byte(`{"kind":"null"}`))
	require.NoError(t, err)
	require.Equal(t, Null{}, b)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	require.Equal(t, KindNull, k)

	k, err = ParseKind("explicit")
	require.NoError(t, err)
	require.Equal(t, KindExplicit, k)

	_, err = ParseKind("hash")
	require.ErrorIs(t, err, ErrUnsupportedKind)
	require.True(t, IsConfigError(err))
}
