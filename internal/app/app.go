package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"workseg/internal/bucket"
	"workseg/internal/checkpoint"
	"workseg/internal/config"
	"workseg/internal/coordinator"
	"workseg/internal/metrics"
	"workseg/internal/progress"
	"workseg/internal/segment"
	"workseg/internal/storage"
	"workseg/internal/worker"
)

// Report summarises a finished run
type Report struct {
	JobID  string
	Stats  coordinator.Stats
	Failed []bucket.Bucket
}

// Runner drives one job against a source bucket with a local worker pool
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   storage.Client
	store    checkpoint.Store
	nc       *nats.Conn
	metrics  *metrics.Collector
	engine   *coordinator.Engine
	manifest *Manifest
}

// New creates a runner scanning the configured S3 source
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := storage.NewMinIOClient(storage.Config{
		Endpoint:  cfg.Source.Endpoint,
		AccessKey: cfg.Source.AccessKey,
		SecretKey: cfg.Source.SecretKey,
		Secure:    cfg.Source.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	return NewWithClient(ctx, cfg, client, logger)
}

// NewWithClient creates a runner scanning client
func NewWithClient(ctx context.Context, cfg *config.Config, client storage.Client, logger *zap.Logger) (*Runner, error) {
	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		metrics: metrics.New(nil),
	}

	if err := r.openStore(ctx); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	if cfg.Runner.Output != "" {
		m, err := NewManifest(cfg.Runner.Output)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.manifest = m
	}

	r.engine = coordinator.NewEngine(r.store, segment.NewDefaultRegistry(), r.metrics, logger)
	return r, nil
}

func (r *Runner) openStore(ctx context.Context) error {
	cp := r.cfg.Runner.Checkpoint
	switch cp.Backend {
	case config.BackendMemory:
		r.store = checkpoint.NewMemoryStore()
	case config.BackendSQLite:
		store, err := checkpoint.NewSQLiteStore(cp.Path)
		if err != nil {
			return err
		}
		r.store = store
	case config.BackendNATS:
		nc, err := nats.Connect(cp.NATSURL, nats.Name("workseg-"+r.cfg.Job.ID))
		if err != nil {
			return fmt.Errorf("connect %s: %w", cp.NATSURL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return err
		}
		kv, err := checkpoint.OpenKV(ctx, js, cp.KVBucket)
		if err != nil {
			nc.Close()
			return err
		}
		r.nc = nc
		r.store = checkpoint.NewKVStore(kv)
	default:
		return fmt.Errorf("unknown checkpoint backend %q", cp.Backend)
	}
	return nil
}

func (r *Runner) startJob(ctx context.Context) (*coordinator.Coordinator, error) {
	plan, err := BuildPlan(r.cfg.Job.Segmentation)
	if err != nil {
		return nil, fmt.Errorf("failed to plan job: %w", err)
	}
	if plan.Unbounded && r.client != nil {
		seg := r.cfg.Job.Segmentation
		bound := NewSourceBound(ctx, r.client, r.cfg.Source.Bucket, r.cfg.Source.Prefix, seg.ItemPath, r.cfg.Runner.PollInterval, r.logger)
		plan.NextSpan = bucket.SpansWhile(seg.SpanSize, bound.More)
	}

	return r.engine.StartJob(ctx, coordinator.Options{
		JobID:      r.cfg.Job.ID,
		Config:     r.cfg.Job.Segmentation,
		TargetType: r.cfg.Job.TargetType,
		Items:      ObjectItems{},
		NextSpan:   plan.NextSpan,
		HighWater:  plan.HighWater,
	}, plan.Buckets)
}

// Run works the job until it is exhausted, cancelled, or ctx ends. Workers
// stopped by ctx release their buckets so a later run resumes them.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	seg := r.cfg.Job.Segmentation
	r.logger.Info("Starting job",
		zap.String("job_id", r.cfg.Job.ID),
		zap.String("kind", string(seg.Kind)),
		zap.String("item_path", seg.ItemPath),
		zap.String("bucket", r.cfg.Source.Bucket),
		zap.String("prefix", r.cfg.Source.Prefix),
		zap.Int("concurrency", r.cfg.Runner.Concurrency),
		zap.String("checkpoint", r.cfg.Runner.Checkpoint.Backend),
	)

	coord, err := r.startJob(ctx)
	if err != nil {
		return nil, err
	}

	if addr := r.cfg.Runner.MetricsAddr; addr != "" {
		go func() {
			if err := r.metrics.StartServer(addr); err != nil {
				r.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var progressDisplay *progress.Display
	if r.cfg.Runner.ShowProgress && progress.IsTerminalSupported() {
		progressDisplay = progress.NewDisplay(r.metrics.GetProgressTracker(), 2*time.Second)
		progressDisplay.Start()
		r.logger.Info("Progress display enabled")
	} else if !r.cfg.Runner.ShowProgress {
		r.logger.Info("Progress display disabled (disabled in config)")
	} else {
		r.logger.Info("Progress display disabled (unsupported terminal)")
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		r.sweep(sweepCtx)
	}()

	workerCfg := worker.Config{
		SourceBucket:   r.cfg.Source.Bucket,
		Prefix:         r.cfg.Source.Prefix,
		Attempts:       r.cfg.Runner.Attempts,
		RetryBackoffMs: r.cfg.Runner.RetryBackoffMs,
		PollInterval:   r.cfg.Runner.PollInterval,
		LeaseMargin:    r.cfg.Runner.LeaseMargin,
	}
	var visitor worker.Visitor
	if r.manifest != nil {
		visitor = r.manifest
	}
	processor := worker.NewProcessor(workerCfg, r.client, visitor, r.metrics, r.logger)
	pool := worker.NewPool(r.cfg.Runner.Concurrency, workerCfg, coord, processor, r.logger)

	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	wg.Wait()

	stopSweeper()
	<-sweeperDone

	if progressDisplay != nil {
		progressDisplay.Stop()
	}

	report := &Report{
		JobID:  r.cfg.Job.ID,
		Stats:  coord.Stats(),
		Failed: coord.FailedBuckets(),
	}
	for _, b := range report.Failed {
		r.logger.Error("Bucket failed permanently",
			zap.Int64("seq", b.SequentialNumber),
			zap.Stringer("boundary", b.Boundary),
			zap.Int("retries", b.Retries),
			zap.String("last_error", b.LastError))
	}

	if err := ctx.Err(); err != nil {
		r.logger.Info("Job interrupted", zap.Int("outstanding", report.Stats.Ready+report.Stats.Delegated))
		return report, err
	}
	r.logger.Info("Job finished",
		zap.Int("complete", report.Stats.Complete),
		zap.Int("failed", report.Stats.Failed),
		zap.Bool("cancelled", report.Stats.Cancelled))
	return report, nil
}

// sweep is the scheduler for lease expiry.
func (r *Runner) sweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Runner.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if err := r.engine.Sweep(ctx, now); err != nil {
				r.logger.Error("Lease sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Cancel marks the job cancelled so no further buckets are claimed by any
// runner sharing the checkpoint store.
func (r *Runner) Cancel(ctx context.Context) (*Report, error) {
	coord, err := r.startJob(ctx)
	if err != nil {
		return nil, err
	}
	if err := coord.Cancel(ctx); err != nil {
		return nil, err
	}
	return &Report{JobID: r.cfg.Job.ID, Stats: coord.Stats(), Failed: coord.FailedBuckets()}, nil
}

// Close cleans up resources
func (r *Runner) Close() error {
	var errs []error
	if r.manifest != nil {
		errs = append(errs, r.manifest.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.nc != nil {
		r.nc.Close()
	}
	return errors.Join(errs...)
}
