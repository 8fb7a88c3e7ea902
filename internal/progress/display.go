package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display handles the progress display
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display writing to stdout
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return NewDisplayTo(os.Stdout, tracker, interval)
}

// NewDisplayTo creates a progress display writing to out
func NewDisplayTo(out io.Writer, tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the progress display and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, strings.Join(d.generateDisplay(d.tracker.GetStatus()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

// generateDisplay generates the progress display lines
func (d *Display) generateDisplay(status Status) []string {
	percent := d.tracker.GetProgressPercent()

	lines := []string{
		"",
		"Bucket progress",
		strings.Repeat("=", 51),
		fmt.Sprintf("Buckets: %d/%d done (%.1f%%)", status.CompletedBuckets+status.FailedBuckets, status.TotalBuckets, percent),
		"    " + d.generateProgressBar(percent, 40),
		fmt.Sprintf("  in flight: %d  complete: %d  failed: %d  released: %d",
			status.InFlightBuckets, status.CompletedBuckets, status.FailedBuckets, status.ReleasedBuckets),
		fmt.Sprintf("  items: %d  current: %s  average: %s",
			status.MatchedItems, FormatSpeed(status.CurrentSpeed), FormatSpeed(status.AverageSpeed)),
		fmt.Sprintf("  elapsed: %s  remaining: %s",
			FormatDuration(time.Since(status.StartTime)), FormatDuration(status.ETA)),
	}
	return lines
}

// generateFinalDisplay generates the final completion display
func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		"",
		"Job finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Buckets complete: %d", status.CompletedBuckets),
		fmt.Sprintf("Buckets failed:   %d", status.FailedBuckets),
		fmt.Sprintf("Releases:         %d", status.ReleasedBuckets),
		fmt.Sprintf("Items:            %d", status.MatchedItems),
		fmt.Sprintf("Elapsed:          %s", FormatDuration(time.Since(status.StartTime))),
		"",
	}
}

// generateProgressBar generates a visual progress bar
func (d *Display) generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
