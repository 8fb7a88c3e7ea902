package bucket

import "errors"

// Configuration errors. Retrying cannot change a malformed configuration, so
// these are surfaced to the job owner and never retried.
var (
	// ErrUnsupportedKind is returned when no filter factory (and no fallback)
	// is registered for a segmentation kind.
	ErrUnsupportedKind = errors.New("unsupported segmentation kind")

	// ErrInvalidBoundary is returned when a bucket boundary cannot be turned
	// into a filter (from > to, empty explicit value set, unknown item path).
	ErrInvalidBoundary = errors.New("invalid bucket boundary")

	// ErrKindMismatch is returned when a factory is handed a boundary of a
	// different kind than the one it is registered for.
	ErrKindMismatch = errors.New("boundary kind does not match factory")
)

// Concurrency and state errors. The worker acted on stale ownership and must
// discard partial results for the bucket.
var (
	// ErrIllegalTransition is returned when a lifecycle transition is not
	// allowed from the bucket's current state or owner.
	ErrIllegalTransition = errors.New("illegal bucket transition")

	// ErrStaleCompletion is returned when a worker completes a bucket it no
	// longer owns.
	ErrStaleCompletion = errors.New("stale bucket completion")

	// ErrUnknownBucket is returned for a sequential number that is not part of the job.
	ErrUnknownBucket = errors.New("unknown bucket")

	// ErrDuplicateBucket is returned when two buckets share a sequential number.
	ErrDuplicateBucket = errors.New("duplicate bucket sequential number")
)

// IsConfigError reports whether err is a configuration-class error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnsupportedKind) ||
		errors.Is(err, ErrInvalidBoundary) ||
		errors.Is(err, ErrKindMismatch)
}
