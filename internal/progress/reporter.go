package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// Label prefixes every line, e.g. "crawl" or "fetch".
	Label string

	// Total is the number of tasks expected, or 0 if unknown.
	Total int

	// Workers is the number of parallel workers (for display).
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 5s
	UpdateInterval time.Duration
}

// Counts is a point-in-time copy of the reporter's counters.
type Counts struct {
	Completed  int
	Skipped    int
	Failed     int
	InProgress int
	Bytes      int64
	Days       int
	Files      int
}

// Reporter outputs human-readable progress information. Its counters are
// safe for concurrent use by workers; a nil *Reporter ignores all calls.
type Reporter struct {
	opts Options

	mu         sync.Mutex
	bytes      atomic.Int64
	completed  atomic.Int32
	skipped    atomic.Int32
	failed     atomic.Int32
	inProgress atomic.Int32
	days       atomic.Int32
	files      atomic.Int32
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	stopped    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 5 * time.Second
	}
	if opts.Label == "" {
		opts.Label = "progress"
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime

	if r.opts.Total > 0 {
		fmt.Fprintf(r.opts.Output, "[tilesync] %s: %d tasks | Workers: %d\n",
			r.opts.Label, r.opts.Total, r.opts.Workers)
	}

	go r.updateLoop()
}

// Stop prints the final status and stops the reporter.
func (r *Reporter) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// TaskStarted marks a task as in progress.
func (r *Reporter) TaskStarted() {
	if r == nil {
		return
	}
	r.inProgress.Add(1)
}

// TaskCompleted marks an in-progress task as completed.
func (r *Reporter) TaskCompleted(size int64) {
	if r == nil {
		return
	}
	r.bytes.Add(size)
	r.completed.Add(1)
	r.inProgress.Add(-1)
}

// TaskFailed marks an in-progress task as failed.
func (r *Reporter) TaskFailed() {
	if r == nil {
		return
	}
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// TaskCanceled records a task dropped before it started. It counts as
// failed.
func (r *Reporter) TaskCanceled() {
	if r == nil {
		return
	}
	r.failed.Add(1)
}

// TaskSkipped records a task that never started because its output exists.
func (r *Reporter) TaskSkipped() {
	if r == nil {
		return
	}
	r.skipped.Add(1)
}

// DayProcessed records one crawled (year, day) listing with files entries.
func (r *Reporter) DayProcessed(files int) {
	if r == nil {
		return
	}
	r.days.Add(1)
	r.files.Add(int32(files))
}

// Counts returns the current counters.
func (r *Reporter) Counts() Counts {
	if r == nil {
		return Counts{}
	}
	return Counts{
		Completed:  int(r.completed.Load()),
		Skipped:    int(r.skipped.Load()),
		Failed:     int(r.failed.Load()),
		InProgress: int(r.inProgress.Load()),
		Bytes:      r.bytes.Load(),
		Days:       int(r.days.Load()),
		Files:      int(r.files.Load()),
	}
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	c := r.Counts()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(c.Bytes-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = c.Bytes

	if c.Days > 0 {
		fmt.Fprintf(r.opts.Output, "[tilesync] %s: %d days | %d files\n",
			r.opts.Label, c.Days, c.Files)
		return
	}

	pending := r.opts.Total - c.Completed - c.Skipped - c.Failed - c.InProgress
	if pending < 0 {
		pending = 0
	}
	fmt.Fprintf(r.opts.Output, "[tilesync] %s: %d completed | %d skipped | %d failed | %d in-progress | %d pending | %s/s\n",
		r.opts.Label, c.Completed, c.Skipped, c.Failed, c.InProgress, pending, formatBytes(int64(speed)))
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	c := r.Counts()
	duration := time.Since(r.startTime)

	if c.Days > 0 {
		fmt.Fprintf(r.opts.Output, "[tilesync] %s: %d days | %d files | Total time: %s\n",
			r.opts.Label, c.Days, c.Files, formatDuration(duration))
		return
	}

	avgSpeed := float64(c.Bytes) / duration.Seconds()
	fmt.Fprintf(r.opts.Output, "[tilesync] %s: %d completed | %d skipped | %d failed | %s in %s (%s/s)\n",
		r.opts.Label, c.Completed, c.Skipped, c.Failed,
		formatBytes(c.Bytes), formatDuration(duration), formatBytes(int64(avgSpeed)))
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// FormatDuration is exported for use by other packages.
func FormatDuration(d time.Duration) string {
	return formatDuration(d)
}
