package bucket

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a bucket's lifecycle state.
type State string

const (
	StateReady           State = "ready"
	StateDelegated       State = "delegated"
	StateComplete        State = "complete"
	StateFailedPermanent State = "failed_permanent"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailedPermanent
}

// Bucket is one partition of a job's object space.
type Bucket struct {
	SequentialNumber int64
	Boundary         Boundary
	State            State
	Owner            string
	Retries          int
	DelegatedAt      time.Time
	LastError        string
}

// New returns a READY bucket.
func New(seq int64, boundary Boundary) Bucket {
	if boundary == nil {
		boundary = Null{}
	}
	return Bucket{SequentialNumber: seq, Boundary: boundary, State: StateReady}
}

// Kind returns the segmentation kind of the bucket's boundary.
func (b Bucket) Kind() Kind {
	if b.Boundary == nil {
		return KindNull
	}
	return b.Boundary.Kind()
}

// OwnedBy reports whether b is delegated to worker.
func (b Bucket) OwnedBy(worker string) bool {
	return b.State == StateDelegated && b.Owner == worker
}

func (b Bucket) String() string {
	return fmt.Sprintf("#%d %s %s", b.SequentialNumber, b.Boundary, b.State)
}

func illegal(b Bucket, to State, worker string) error {
	return fmt.Errorf("bucket %d %s (owner %q) -> %s by %q: %w",
		b.SequentialNumber, b.State, b.Owner, to, worker, ErrIllegalTransition)
}

// Delegate moves a READY bucket to DELEGATED for worker.
func (b Bucket) Delegate(worker string, now time.Time) (Bucket, error) {
	if b.State != StateReady || worker == "" {
		return b, illegal(b, StateDelegated, worker)
	}
	b.State = StateDelegated
	b.Owner = worker
	b.DelegatedAt = now
	return b, nil
}

// Complete moves a bucket delegated to worker to COMPLETE.
func (b Bucket) Complete(worker string) (Bucket, error) {
	if !b.OwnedBy(worker) {
		return b, illegal(b, StateComplete, worker)
	}
	b.State = StateComplete
	b.Owner = ""
	b.LastError = ""
	return b, nil
}

// Release returns a bucket delegated to worker to READY and counts the retry.
// Once the count exceeds maxRetries the bucket becomes FAILED_PERMANENT.
func (b Bucket) Release(worker, reason string, maxRetries int) (Bucket, error) {
	if !b.OwnedBy(worker) {
		return b, illegal(b, StateReady, worker)
	}
	b.Retries++
	b.Owner = ""
	b.DelegatedAt = time.Time{}
	b.LastError = reason
	if b.Retries > maxRetries {
		b.State = StateFailedPermanent
	} else {
		b.State = StateReady
	}
	return b, nil
}

// Fail moves a bucket delegated to worker straight to FAILED_PERMANENT.
func (b Bucket) Fail(worker, reason string) (Bucket, error) {
	if !b.OwnedBy(worker) {
		return b, illegal(b, StateFailedPermanent, worker)
	}
	b.State = StateFailedPermanent
	b.Owner = ""
	b.DelegatedAt = time.Time{}
	b.LastError = reason
	return b, nil
}

// Invalidate fails a READY bucket whose boundary cannot produce a filter.
func (b Bucket) Invalidate(reason string) (Bucket, error) {
	if b.State != StateReady {
		return b, illegal(b, StateFailedPermanent, "")
	}
	b.State = StateFailedPermanent
	b.LastError = reason
	return b, nil
}

// Descriptor is the transport form of a bucket.
type Descriptor struct {
	SequentialNumber int64
	Boundary         Boundary
	State            State
}

// Descriptor returns the transport form of b.
func (b Bucket) Descriptor() Descriptor {
	return Descriptor{SequentialNumber: b.SequentialNumber, Boundary: b.Boundary, State: b.State}
}

type descriptorJSON struct {
	SequentialNumber int64           `json:"sequentialNumber"`
	Boundary         json.RawMessage `json:"boundary"`
	State            State           `json:"state"`
}

// MarshalJSON encodes d as {sequentialNumber, boundary, state}.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	raw, err := MarshalBoundary(d.Boundary)
	if err != nil {
		return nil, err
	}
	return json.Marshal(descriptorJSON{SequentialNumber: d.SequentialNumber, Boundary: raw, State: d.State})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var v descriptorJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	boundary, err := UnmarshalBoundary(v.Boundary)
	if err != nil {
		return err
	}
	*d = Descriptor{SequentialNumber: v.SequentialNumber, Boundary: boundary, State: v.State}
	return nil
}
