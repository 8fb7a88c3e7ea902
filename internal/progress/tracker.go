package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current job status
type Status struct {
	TotalBuckets     int64         // buckets known so far (grows with dynamic segmentation)
	ClaimedBuckets   int64         // successful claims, including re-claims after release
	InFlightBuckets  int64         // currently delegated
	CompletedBuckets int64         // reached COMPLETE
	FailedBuckets    int64         // reached FAILED_PERMANENT
	ReleasedBuckets  int64         // releases, including lease expiries
	MatchedItems     int64         // items processed inside completed buckets
	StartTime        time.Time     // job start
	LastUpdateTime   time.Time     // last change
	CurrentSpeed     float64       // items/second over the last few seconds
	AverageSpeed     float64       // items/second since start
	ETA              time.Duration // estimated time to finish the known buckets
}

// Tracker tracks job progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
}

type speedSample struct {
	timestamp time.Time
	items     int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{
		status: Status{
			StartTime:      time.Now(),
			LastUpdateTime: time.Now(),
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
	}
}

// SetTotal sets the number of known buckets
func (t *Tracker) SetTotal(buckets int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalBuckets = buckets
}

// AddTotal records dynamically generated buckets
func (t *Tracker) AddTotal(buckets int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalBuckets += buckets
}

// Claimed records a bucket handed to a worker
func (t *Tracker) Claimed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ClaimedBuckets++
	t.status.InFlightBuckets++
	t.status.LastUpdateTime = time.Now()
}

// Completed records a completed bucket
func (t *Tracker) Completed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CompletedBuckets++
	t.status.InFlightBuckets--
	t.updateSpeed(0)
}

// AddItems records items processed inside a bucket
func (t *Tracker) AddItems(items int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.MatchedItems += items
	t.updateSpeed(items)
}

// Released records a bucket returned by a worker or by lease expiry.
// failed reports whether the release exhausted the retry budget.
func (t *Tracker) Released(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ReleasedBuckets++
	t.status.InFlightBuckets--
	if failed {
		t.status.FailedBuckets++
	}
	t.status.LastUpdateTime = time.Now()
}

// Invalid records a bucket failed before it was ever delegated
func (t *Tracker) Invalid() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedBuckets++
	t.status.LastUpdateTime = time.Now()
}

// updateSpeed updates the speed calculation (must be called with lock held)
func (t *Tracker) updateSpeed(items int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, items: items})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA(now)

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed calculates current speed based on the last 5 seconds of samples
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentItems int64
	var firstSample *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentItems += sample.items
		firstSample = sample
	}

	if firstSample != nil {
		if d := now.Sub(firstSample.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentItems) / d.Seconds()
		}
	}
}

// calculateAverageSpeed calculates average speed since start
func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.MatchedItems) / elapsed.Seconds()
	}
}

// calculateETA extrapolates the bucket completion rate over the remaining known buckets
func (t *Tracker) calculateETA(now time.Time) {
	done := t.status.CompletedBuckets + t.status.FailedBuckets
	remaining := t.status.TotalBuckets - done
	if done == 0 || remaining <= 0 {
		t.status.ETA = 0
		return
	}

	perBucket := now.Sub(t.status.StartTime) / time.Duration(done)
	t.status.ETA = perBucket * time.Duration(remaining)
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the share of known buckets in a terminal state
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalBuckets == 0 {
		return 0
	}

	done := t.status.CompletedBuckets + t.status.FailedBuckets
	return float64(done) / float64(t.status.TotalBuckets) * 100
}

// FormatSpeed formats an item rate
func FormatSpeed(itemsPerSecond float64) string {
	switch {
	case itemsPerSecond < 1000:
		return fmt.Sprintf("%.1f items/s", itemsPerSecond)
	case itemsPerSecond < 1000*1000:
		return fmt.Sprintf("%.1fk items/s", itemsPerSecond/1000)
	default:
		return fmt.Sprintf("%.1fM items/s", itemsPerSecond/(1000*1000))
	}
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
