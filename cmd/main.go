package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"workseg/internal/app"
	"workseg/internal/config"
	"workseg/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	preview    int
)

var rootCmd = &cobra.Command{
	Use:   "workseg",
	Short: "Split an object scan into work buckets and process them concurrently",
	Long: `Segments the objects of an S3 compatible bucket into work buckets and hands
them to concurrent workers, with leases, retries, and a resumable checkpoint.`,
	RunE:          runJob,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the buckets a job would be split into",
	RunE:  runPlan,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a job so no runner claims further buckets",
	RunE:  runCancel,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	planCmd.Flags().IntVar(&preview, "preview", 5, "Dynamic buckets to generate for the preview")

	rootCmd.AddCommand(planCmd, cancelCmd)
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, releasing held buckets...")
		cancel()
	}()

	runner, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	report, err := runner.Run(ctx)

	if closeErr := runner.Close(); closeErr != nil {
		log.Error("Error closing runner", zap.Error(closeErr))
	}
	if err != nil {
		return err
	}
	if report.Stats.Failed > 0 {
		return fmt.Errorf("%d buckets failed permanently", report.Stats.Failed)
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	plan, err := app.BuildPlan(cfg.Job.Segmentation)
	if err != nil {
		return err
	}
	buckets, err := app.Preview(plan, preview)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, b := range buckets {
		if err := enc.Encode(b.Descriptor()); err != nil {
			return err
		}
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	runner, err := app.NewWithClient(ctx, cfg, nil, log)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer runner.Close()

	report, err := runner.Cancel(ctx)
	if err != nil {
		return err
	}
	log.Info("Job cancelled",
		zap.String("job_id", report.JobID),
		zap.Int("complete", report.Stats.Complete),
		zap.Int("outstanding", report.Stats.Ready+report.Stats.Delegated))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
