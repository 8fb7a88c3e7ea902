package bucket

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// NextSpanFunc produces the boundary following highWater for open-ended
// segmentation, together with the new high-water mark. It returns false when
// no more boundary space remains.
type NextSpanFunc func(highWater int64) (Boundary, int64, bool)

// NumericSpans generates consecutive [lo, lo+span) intervals starting at the
// high-water mark. When bounded, the last interval is clipped to to.
func NumericSpans(span, to int64, bounded bool) NextSpanFunc {
	return func(highWater int64) (Boundary, int64, bool) {
		if span <= 0 || (bounded && highWater >= to) {
			return nil, highWater, false
		}
		upper := highWater + span
		if bounded && upper > to {
			upper = to
		}
		return NumericInterval{From: highWater, To: upper, ExclusiveTo: true}, upper, true
	}
}

// SpansWhile generates consecutive [lo, lo+span) intervals for as long as
// more reports that input exists at or above lo.
func SpansWhile(span int64, more func(from int64) bool) NextSpanFunc {
	return func(highWater int64) (Boundary, int64, bool) {
		if span <= 0 || !more(highWater) {
			return nil, highWater, false
		}
		return NumericInterval{From: highWater, To: highWater + span, ExclusiveTo: true}, highWater + span, true
	}
}

// Set is the ordered collection of one job's buckets. It is not safe for
// concurrent use; the coordinator serialises access.
type Set struct {
	buckets   []*Bucket
	index     map[int64]*Bucket
	highWater int64
}

// NewSet builds a set from buckets, ordered by sequential number.
func NewSet(buckets []Bucket, highWater int64) (*Set, error) {
	s := &Set{
		buckets:   make([]*Bucket, 0, len(buckets)),
		index:     make(map[int64]*Bucket, len(buckets)),
		highWater: highWater,
	}
	for _, b := range buckets {
		if _, ok := s.index[b.SequentialNumber]; ok {
			return nil, fmt.Errorf("bucket %d: %w", b.SequentialNumber, ErrDuplicateBucket)
		}
		s.buckets = append(s.buckets, &b)
		s.index[b.SequentialNumber] = &b
	}
	slices.SortFunc(s.buckets, func(a, b *Bucket) int {
		return cmp.Compare(a.SequentialNumber, b.SequentialNumber)
	})
	return s, nil
}

// Len returns the number of buckets.
func (s *Set) Len() int { return len(s.buckets) }

// HighWater returns the dynamic generation high-water mark.
func (s *Set) HighWater() int64 { return s.highWater }

// Get returns a copy of the bucket with sequential number seq.
func (s *Set) Get(seq int64) (Bucket, bool) {
	b, ok := s.index[seq]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// AllReady returns the READY buckets, lowest sequential number first.
func (s *Set) AllReady() []Bucket {
	return s.filter(func(b *Bucket) bool { return b.State == StateReady })
}

// NextReady returns the READY bucket with the lowest sequential number.
func (s *Set) NextReady() (Bucket, bool) {
	for _, b := range s.buckets {
		if b.State == StateReady {
			return *b, true
		}
	}
	return Bucket{}, false
}

// Delegated returns the DELEGATED buckets.
func (s *Set) Delegated() []Bucket {
	return s.filter(func(b *Bucket) bool { return b.State == StateDelegated })
}

// DelegatedTo returns the buckets currently delegated to worker.
func (s *Set) DelegatedTo(worker string) []Bucket {
	return s.filter(func(b *Bucket) bool { return b.OwnedBy(worker) })
}

// Failed returns the FAILED_PERMANENT buckets.
func (s *Set) Failed() []Bucket {
	return s.filter(func(b *Bucket) bool { return b.State == StateFailedPermanent })
}

// Outstanding counts non-terminal buckets.
func (s *Set) Outstanding() int {
	n := 0
	for _, b := range s.buckets {
		if !b.State.Terminal() {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all buckets in claim order.
func (s *Set) Snapshot() []Bucket {
	return s.filter(func(*Bucket) bool { return true })
}

// Counts returns the number of buckets per state.
func (s *Set) Counts() map[State]int {
	counts := make(map[State]int, 4)
	for _, b := range s.buckets {
		counts[b.State]++
	}
	return counts
}

func (s *Set) filter(keep func(*Bucket) bool) []Bucket {
	var out []Bucket
	for _, b := range s.buckets {
		if keep(b) {
			out = append(out, *b)
		}
	}
	return out
}

// PlanNext computes the next dynamic bucket without adding it.
func (s *Set) PlanNext(next NextSpanFunc) (Bucket, int64, bool) {
	if next == nil {
		return Bucket{}, s.highWater, false
	}
	boundary, highWater, ok := next(s.highWater)
	if !ok {
		return Bucket{}, s.highWater, false
	}
	var seq int64 = 1
	if n := len(s.buckets); n > 0 {
		seq = s.buckets[n-1].SequentialNumber + 1
	}
	return New(seq, boundary), highWater, true
}

// Append adds a bucket planned by PlanNext and advances the high-water mark.
func (s *Set) Append(b Bucket, highWater int64) error {
	if _, ok := s.index[b.SequentialNumber]; ok {
		return fmt.Errorf("bucket %d: %w", b.SequentialNumber, ErrDuplicateBucket)
	}
	if n := len(s.buckets); n > 0 && s.buckets[n-1].SequentialNumber > b.SequentialNumber {
		return fmt.Errorf("bucket %d appended after %d: %w",
			b.SequentialNumber, s.buckets[n-1].SequentialNumber, ErrIllegalTransition)
	}
	s.buckets = append(s.buckets, &b)
	s.index[b.SequentialNumber] = &b
	if highWater > s.highWater {
		s.highWater = highWater
	}
	return nil
}

// GenerateNext allocates the next dynamic bucket in READY state.
func (s *Set) GenerateNext(next NextSpanFunc) (Bucket, bool) {
	b, highWater, ok := s.PlanNext(next)
	if !ok {
		return Bucket{}, false
	}
	if err := s.Append(b, highWater); err != nil {
		return Bucket{}, false
	}
	return b, true
}

// Apply replaces the stored bucket with b. The sequential number must exist.
func (s *Set) Apply(b Bucket) error {
	cur, ok := s.index[b.SequentialNumber]
	if !ok {
		return fmt.Errorf("bucket %d: %w", b.SequentialNumber, ErrUnknownBucket)
	}
	*cur = b
	return nil
}

func (s *Set) transition(seq int64, fn func(Bucket) (Bucket, error)) (Bucket, error) {
	cur, ok := s.index[seq]
	if !ok {
		return Bucket{}, fmt.Errorf("bucket %d: %w", seq, ErrUnknownBucket)
	}
	next, err := fn(*cur)
	if err != nil {
		return *cur, err
	}
	*cur = next
	return next, nil
}

// MarkDelegated moves bucket seq to DELEGATED for worker.
func (s *Set) MarkDelegated(seq int64, worker string, now time.Time) (Bucket, error) {
	return s.transition(seq, func(b Bucket) (Bucket, error) { return b.Delegate(worker, now) })
}

// MarkComplete moves bucket seq to COMPLETE if worker owns it.
func (s *Set) MarkComplete(seq int64, worker string) (Bucket, error) {
	return s.transition(seq, func(b Bucket) (Bucket, error) { return b.Complete(worker) })
}

// MarkReleased returns bucket seq to READY, or FAILED_PERMANENT past maxRetries.
func (s *Set) MarkReleased(seq int64, worker, reason string, maxRetries int) (Bucket, error) {
	return s.transition(seq, func(b Bucket) (Bucket, error) { return b.Release(worker, reason, maxRetries) })
}

// MarkFailed moves bucket seq to FAILED_PERMANENT if worker owns it.
func (s *Set) MarkFailed(seq int64, worker, reason string) (Bucket, error) {
	return s.transition(seq, func(b Bucket) (Bucket, error) { return b.Fail(worker, reason) })
}

// MarkInvalid moves READY bucket seq to FAILED_PERMANENT.
func (s *Set) MarkInvalid(seq int64, reason string) (Bucket, error) {
	return s.transition(seq, func(b Bucket) (Bucket, error) { return b.Invalidate(reason) })
}
