package worker

import "time"

// Release reasons recorded by a session.
const (
	ReasonLeaseDeadline = "lease-deadline"
	ReasonShutdown      = "worker-shutdown"
)

// Result is the outcome of working one bucket
type Result struct {
	Scanned int64 // objects examined
	Matched int64 // objects inside the bucket
	Bytes   int64 // size of matched objects
	Err     error
	// Permanent marks an error that retrying the bucket cannot fix.
	Permanent bool
}

// Config contains worker configuration
type Config struct {
	SourceBucket   string
	Prefix         string
	Attempts       int           // scan attempts inside one claim before releasing
	RetryBackoffMs int           // base backoff between attempts
	PollInterval   time.Duration // wait when no bucket is ready
	LeaseMargin    time.Duration // stop this long before the lease deadline
}
