package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"workseg/internal/bucket"
	"workseg/internal/segment"
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config represents the application configuration
type Config struct {
	Job      Job    `yaml:"job"`
	Source   Source `yaml:"source"`
	Runner   Runner `yaml:"runner"`
	LogLevel string `yaml:"log_level"`
}

// Job identifies a job and how it is segmented
type Job struct {
	ID           string         `yaml:"id"`
	TargetType   string         `yaml:"target_type"`
	Segmentation segment.Config `yaml:"segmentation"`
}

// Source represents the S3-compatible storage the job scans
type Source struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Runner represents local execution settings
type Runner struct {
	Concurrency    int           `yaml:"concurrency"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LeaseMargin    time.Duration `yaml:"lease_margin"`
	Attempts       int           `yaml:"attempts"`
	RetryBackoffMs int           `yaml:"retry_backoff_ms"`
	Checkpoint     Checkpoint    `yaml:"checkpoint"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	ShowProgress   bool          `yaml:"show_progress"`
	Output         string        `yaml:"output"`
}

// Checkpoint selects where bucket state is persisted
type Checkpoint struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	NATSURL  string `yaml:"nats_url"`
	KVBucket string `yaml:"kv_bucket"`
}

// Default returns the configuration used before the file and flags apply.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Job: Job{
			TargetType: "object",
			Segmentation: segment.Config{
				Kind:                bucket.KindNull,
				LeaseTimeoutSeconds: 300,
				MaxRetries:          3,
				CaseSensitive:       true,
				ValuesPerBucket:     100,
			},
		},
		Runner: Runner{
			Concurrency:    4,
			SweepInterval:  10 * time.Second,
			PollInterval:   time.Second,
			LeaseMargin:    5 * time.Second,
			Attempts:       3,
			RetryBackoffMs: 500,
			Checkpoint: Checkpoint{
				Backend:  BackendSQLite,
				Path:     "./workseg.db",
				NATSURL:  "nats://127.0.0.1:4222",
				KVBucket: "workseg",
			},
			MetricsAddr:  ":8080",
			ShowProgress: true,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// RegisterFlags adds every configuration flag to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	// Job flags
	flags.String("job-id", "", "Job identifier (required)")
	flags.String("target-type", d.Job.TargetType, "Object type the segmentation item belongs to")
	flags.String("kind", string(d.Job.Segmentation.Kind), "Segmentation kind (null/numeric/string/explicit)")
	flags.String("item-path", "", "Object attribute buckets are compared on (key/size/etag/content_type/last_modified/meta.<name>)")
	flags.Int64("span-size", 0, "Width of each numeric bucket")
	flags.Int64("from", 0, "Numeric segmentation lower bound")
	flags.Int64("to", 0, "Numeric segmentation upper bound (exclusive)")
	flags.Bool("dynamic", false, "Generate numeric buckets on demand")
	flags.StringSlice("boundaries", nil, "String segmentation boundaries")
	flags.StringSlice("values", nil, "Explicit segmentation values")
	flags.Int("values-per-bucket", d.Job.Segmentation.ValuesPerBucket, "Explicit values per bucket")
	flags.Bool("case-sensitive", d.Job.Segmentation.CaseSensitive, "Compare string items case-sensitively")
	flags.Int("lease-timeout", d.Job.Segmentation.LeaseTimeoutSeconds, "Bucket lease in seconds")
	flags.Int("max-retries", d.Job.Segmentation.MaxRetries, "Releases before a bucket fails permanently")
	flags.Bool("allow-multi-bucket", false, "Let one worker hold several buckets")

	// Source flags
	flags.String("src-endpoint", "", "S3 endpoint")
	flags.String("src-access-key", "", "S3 access key")
	flags.String("src-secret-key", "", "S3 secret key")
	flags.Bool("src-secure", false, "Use HTTPS for source")
	flags.String("bucket", "", "Source bucket name")
	flags.String("prefix", "", "Object prefix filter")

	// Runner flags
	flags.Int("concurrency", d.Runner.Concurrency, "Number of concurrent workers")
	flags.Duration("sweep-interval", d.Runner.SweepInterval, "Interval between expired lease sweeps")
	flags.Duration("poll-interval", d.Runner.PollInterval, "Wait between claims when no bucket is ready")
	flags.Duration("lease-margin", d.Runner.LeaseMargin, "Stop working a bucket this long before its lease ends")
	flags.Int("attempts", d.Runner.Attempts, "Scan attempts per claim")
	flags.Int("retry-backoff-ms", d.Runner.RetryBackoffMs, "Initial retry backoff in milliseconds")
	flags.String("checkpoint-backend", d.Runner.Checkpoint.Backend, "Checkpoint backend (memory/sqlite/nats)")
	flags.String("checkpoint", d.Runner.Checkpoint.Path, "Checkpoint database file")
	flags.String("nats-url", d.Runner.Checkpoint.NATSURL, "NATS server URL for the nats backend")
	flags.String("kv-bucket", d.Runner.Checkpoint.KVBucket, "JetStream key-value bucket for the nats backend")
	flags.String("metrics-addr", d.Runner.MetricsAddr, "Metrics listen address (empty disables)")
	flags.Bool("show-progress", d.Runner.ShowProgress, "Show progress display")
	flags.String("output", "", "Write matched objects as JSON lines to this file")
	flags.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	seg := &cfg.Job.Segmentation

	if flags.Changed("job-id") {
		cfg.Job.ID, _ = flags.GetString("job-id")
	}
	if flags.Changed("target-type") {
		cfg.Job.TargetType, _ = flags.GetString("target-type")
	}
	if flags.Changed("kind") {
		kind, _ := flags.GetString("kind")
		seg.Kind = bucket.Kind(kind)
	}
	if flags.Changed("item-path") {
		seg.ItemPath, _ = flags.GetString("item-path")
	}
	if flags.Changed("span-size") {
		seg.SpanSize, _ = flags.GetInt64("span-size")
	}
	if flags.Changed("from") {
		seg.From, _ = flags.GetInt64("from")
	}
	if flags.Changed("to") {
		to, _ := flags.GetInt64("to")
		seg.To = &to
	}
	if flags.Changed("dynamic") {
		seg.Dynamic, _ = flags.GetBool("dynamic")
	}
	if flags.Changed("boundaries") {
		seg.Boundaries, _ = flags.GetStringSlice("boundaries")
	}
	if flags.Changed("values") {
		seg.Values, _ = flags.GetStringSlice("values")
	}
	if flags.Changed("values-per-bucket") {
		seg.ValuesPerBucket, _ = flags.GetInt("values-per-bucket")
	}
	if flags.Changed("case-sensitive") {
		seg.CaseSensitive, _ = flags.GetBool("case-sensitive")
	}
	if flags.Changed("lease-timeout") {
		seg.LeaseTimeoutSeconds, _ = flags.GetInt("lease-timeout")
	}
	if flags.Changed("max-retries") {
		seg.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("allow-multi-bucket") {
		seg.AllowMultiBucket, _ = flags.GetBool("allow-multi-bucket")
	}

	if flags.Changed("src-endpoint") {
		cfg.Source.Endpoint, _ = flags.GetString("src-endpoint")
	}
	if flags.Changed("src-access-key") {
		cfg.Source.AccessKey, _ = flags.GetString("src-access-key")
	}
	if flags.Changed("src-secret-key") {
		cfg.Source.SecretKey, _ = flags.GetString("src-secret-key")
	}
	if flags.Changed("src-secure") {
		cfg.Source.Secure, _ = flags.GetBool("src-secure")
	}
	if flags.Changed("bucket") {
		cfg.Source.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("prefix") {
		cfg.Source.Prefix, _ = flags.GetString("prefix")
	}

	if flags.Changed("concurrency") {
		cfg.Runner.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("sweep-interval") {
		cfg.Runner.SweepInterval, _ = flags.GetDuration("sweep-interval")
	}
	if flags.Changed("poll-interval") {
		cfg.Runner.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("lease-margin") {
		cfg.Runner.LeaseMargin, _ = flags.GetDuration("lease-margin")
	}
	if flags.Changed("attempts") {
		cfg.Runner.Attempts, _ = flags.GetInt("attempts")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Runner.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Runner.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("checkpoint") {
		cfg.Runner.Checkpoint.Path, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("nats-url") {
		cfg.Runner.Checkpoint.NATSURL, _ = flags.GetString("nats-url")
	}
	if flags.Changed("kv-bucket") {
		cfg.Runner.Checkpoint.KVBucket, _ = flags.GetString("kv-bucket")
	}
	if flags.Changed("metrics-addr") {
		cfg.Runner.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("show-progress") {
		cfg.Runner.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("output") {
		cfg.Runner.Output, _ = flags.GetString("output")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := c.Job.Segmentation.Validate(); err != nil {
		return fmt.Errorf("segmentation: %w", err)
	}

	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Runner.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Runner.LeaseMargin >= c.Job.Segmentation.LeaseTimeout() {
		return fmt.Errorf("lease margin %s must be shorter than the lease", c.Runner.LeaseMargin)
	}

	switch c.Runner.Checkpoint.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Runner.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint path is required for the sqlite backend")
		}
	case BackendNATS:
		if c.Runner.Checkpoint.NATSURL == "" || c.Runner.Checkpoint.KVBucket == "" {
			return fmt.Errorf("nats url and kv bucket are required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Runner.Checkpoint.Backend)
	}

	return nil
}

// ValidateSource checks the settings needed to scan the source bucket
func (c *Config) ValidateSource() error {
	if c.Source.Endpoint == "" {
		return fmt.Errorf("source endpoint is required")
	}
	if c.Source.AccessKey == "" {
		return fmt.Errorf("source access key is required")
	}
	if c.Source.SecretKey == "" {
		return fmt.Errorf("source secret key is required")
	}
	if c.Source.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}
