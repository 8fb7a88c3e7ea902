package metrics

import (
	"net/http"
	"time"

	"workseg/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bucket lifecycle events counted by the collector.
const (
	EventClaimed         = "claimed"
	EventRedelivered     = "redelivered"
	EventGenerated       = "generated"
	EventCompleted       = "completed"
	EventReleased        = "released"
	EventLeaseExpired    = "lease_expired"
	EventFailedPermanent = "failed_permanent"
	EventInvalid         = "invalid"
	EventStale           = "stale"
)

// Collector collects and exposes metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry        *prometheus.Registry
	bucketEvents    *prometheus.CounterVec
	outstanding     *prometheus.GaugeVec
	itemsTotal      prometheus.Counter
	claimDuration   prometheus.Histogram
	bucketDuration  prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a new metrics collector registered on reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		bucketEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workseg_bucket_events_total",
				Help: "Bucket lifecycle events by job and event",
			},
			[]string{"job", "event"},
		),
		outstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workseg_outstanding_buckets",
				Help: "Buckets not yet COMPLETE or FAILED_PERMANENT",
			},
			[]string{"job"},
		),
		itemsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workseg_items_total",
				Help: "Items processed inside completed buckets",
			},
		),
		claimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workseg_claim_duration_seconds",
				Help:    "Time spent inside the coordinator critical section per claim",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		bucketDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workseg_bucket_duration_seconds",
				Help:    "Time from claim to worker outcome",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	reg.MustRegister(c.bucketEvents)
	reg.MustRegister(c.outstanding)
	reg.MustRegister(c.itemsTotal)
	reg.MustRegister(c.claimDuration)
	reg.MustRegister(c.bucketDuration)

	return c
}

// Event counts a bucket lifecycle event for job and forwards it to the
// progress tracker.
func (c *Collector) Event(job, event string) {
	if c == nil {
		return
	}
	c.bucketEvents.WithLabelValues(job, event).Inc()

	switch event {
	case EventClaimed:
		c.progressTracker.Claimed()
	case EventCompleted:
		c.progressTracker.Completed()
	case EventGenerated:
		c.progressTracker.AddTotal(1)
	case EventReleased, EventLeaseExpired:
		c.progressTracker.Released(false)
	case EventFailedPermanent:
		c.progressTracker.Released(true)
	case EventInvalid:
		c.progressTracker.Invalid()
	}
}

// AddItems adds to the processed item counter.
func (c *Collector) AddItems(n int64) {
	if c == nil {
		return
	}
	c.itemsTotal.Add(float64(n))
	c.progressTracker.AddItems(n)
}

// SetOutstanding sets the outstanding bucket gauge for job.
func (c *Collector) SetOutstanding(job string, n int) {
	if c == nil {
		return
	}
	c.outstanding.WithLabelValues(job).Set(float64(n))
}

// ObserveClaim observes time spent claiming a bucket.
func (c *Collector) ObserveClaim(d time.Duration) {
	if c == nil {
		return
	}
	c.claimDuration.Observe(d.Seconds())
}

// ObserveBucket observes time from claim to outcome.
func (c *Collector) ObserveBucket(d time.Duration) {
	if c == nil {
		return
	}
	c.bucketDuration.Observe(d.Seconds())
}

// Handler returns the HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	if c == nil {
		return nil
	}
	return c.progressTracker
}

// SetTotalBuckets sets the known bucket count for progress tracking
func (c *Collector) SetTotalBuckets(n int64) {
	if c == nil {
		return
	}
	c.progressTracker.SetTotal(n)
}
