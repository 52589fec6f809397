package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/tilesync/internal/dedup"
	tilehttp "github.com/ligustah/tilesync/internal/http"
	"github.com/ligustah/tilesync/internal/progress"
)

var (
	// ErrIncompleteFile is returned when a fetched file is truncated or
	// fails verification. The partial file is removed.
	ErrIncompleteFile = errors.New("fetcher: incomplete file")

	// ErrWrite is returned when the output tree cannot be written.
	ErrWrite = errors.New("fetcher: local write failed")
)

// Task is one file to fetch. ID is the task's position in the input.
type Task struct {
	ID   int
	URL  string
	Dest string
}

// Status is the outcome of a task.
type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Kind classifies a failure.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindRequestExhausted
	KindIncompleteFile
	KindTimeout
	KindCanceled
	KindNotFound
	KindUnauthorized
	KindIO
)

var kindNames = [...]string{
	KindNone:             "none",
	KindTransient:        "transient",
	KindRequestExhausted: "request_exhausted",
	KindIncompleteFile:   "incomplete_file",
	KindTimeout:          "timeout",
	KindCanceled:         "canceled",
	KindNotFound:         "not_found",
	KindUnauthorized:     "unauthorized",
	KindIO:               "io",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result reports what happened to one task.
type Result struct {
	Task    Task
	Status  Status
	Kind    Kind
	Bytes   int64
	Elapsed time.Duration
	Err     error
}

// VerifyFunc checks a fully written file before it is moved into place.
type VerifyFunc func(path string) error

// Options configures a fetch batch.
type Options struct {
	// Workers is the number of concurrent fetches.
	// Default: 3
	Workers int

	// TaskTimeout bounds a single task, retries included. 0 means no limit.
	TaskTimeout time.Duration

	// HTTPOptions configures each worker's client.
	HTTPOptions tilehttp.Options

	// Filter skips tasks whose destination name is already present and
	// learns the names of files as they are written. Optional.
	Filter *dedup.Filter

	// Verify checks downloaded files. Default: VerifyHDF5.
	Verify VerifyFunc

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// MaxConsecutiveFailures is the number of consecutive failed tasks
	// that stops the batch. 0 disables the circuit breaker.
	MaxConsecutiveFailures int
}

// FailedTask records a task that counted toward the circuit breaker.
type FailedTask struct {
	Task Task
	Kind Kind
	Err  error
}

// CircuitBreakerError is returned by Batch.Wait when too many consecutive
// tasks failed. Tasks not yet started at that point are reported as
// KindCanceled.
//
// Use errors.As to extract this error and inspect FailedTasks for details.
type CircuitBreakerError struct {
	ConsecutiveFailures int
	FailedTasks         []FailedTask
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

// Batch is a running fetch.
type Batch struct {
	results chan Result
	done    chan struct{}
	err     error
}

// Results yields exactly one Result per task, in completion order, and is
// closed when the batch is finished.
func (b *Batch) Results() <-chan Result {
	return b.results
}

// Wait blocks until every worker has exited. It returns a
// *CircuitBreakerError if the breaker tripped and nil otherwise; individual
// task failures are reported through Results.
func (b *Batch) Wait() error {
	<-b.done
	return b.err
}

// Run starts fetching tasks in the background.
//
// One dispatcher feeds Workers goroutines, each owning its own HTTP client.
// Cancelling ctx, or a tripped circuit breaker, stops dispatch: tasks not yet
// handed to a worker are reported as KindCanceled. A transfer already in
// flight is not cut off; it completes, hits TaskTimeout, or stops at its next
// retry boundary.
func Run(ctx context.Context, tasks []Task, opts Options) *Batch {
	opts = withDefaults(opts)
	if opts.Workers > len(tasks) {
		opts.Workers = max(len(tasks), 1)
	}

	logger := opts.Logger.With(zap.String("run", uuid.NewString()))
	b := &Batch{
		results: make(chan Result, len(tasks)),
		done:    make(chan struct{}),
	}

	poolCtx, cancel := context.WithCancel(ctx)
	cb := &breaker{max: opts.MaxConsecutiveFailures, cancel: cancel}

	logger.Info("fetch started", zap.Int("tasks", len(tasks)), zap.Int("workers", opts.Workers))
	start := time.Now()

	group, gctx := errgroup.WithContext(poolCtx)
	jobs := make(chan Task)

	group.Go(func() error {
		defer close(jobs)
		for i, t := range tasks {
			select {
			case jobs <- t:
			case <-gctx.Done():
				for _, rest := range tasks[i:] {
					b.results <- Result{Task: rest, Status: StatusFailed, Kind: KindCanceled, Err: gctx.Err()}
					opts.Progress.TaskCanceled()
				}
				return nil
			}
		}
		return nil
	})

	for i := 0; i < opts.Workers; i++ {
		w := &worker{
			id:     i,
			opts:   opts,
			client: newClient(opts, logger),
			logger: logger.With(zap.Int("worker", i)),
		}
		group.Go(func() error {
			defer w.client.CloseIdleConnections()
			for t := range jobs {
				res := w.fetch(gctx, t)
				b.results <- res
				cb.record(res)
			}
			return nil
		})
	}

	go func() {
		group.Wait()
		b.err = cb.err()
		cancel()
		close(b.results)
		logger.Info("fetch finished", zap.Duration("elapsed", time.Since(start)), zap.Bool("circuit_breaker", b.err != nil))
		close(b.done)
	}()

	return b
}

// FetchAll runs tasks to completion and returns their results ordered by
// task ID, together with Batch.Wait's error.
func FetchAll(ctx context.Context, tasks []Task, opts Options) ([]Result, error) {
	batch := Run(ctx, tasks, opts)
	results := make([]Result, 0, len(tasks))
	for res := range batch.Results() {
		results = append(results, res)
	}
	slices.SortFunc(results, func(a, b Result) int { return a.Task.ID - b.Task.ID })
	return results, batch.Wait()
}

func withDefaults(opts Options) Options {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.HTTPOptions.MaxIdleConnsPerHost == 0 {
		logger := opts.HTTPOptions.Logger
		token := opts.HTTPOptions.Token
		opts.HTTPOptions = tilehttp.DefaultOptions()
		opts.HTTPOptions.Logger = logger
		opts.HTTPOptions.Token = token
	}
	if opts.Verify == nil {
		opts.Verify = VerifyHDF5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

func newClient(opts Options, logger *zap.Logger) *tilehttp.Client {
	httpOpts := opts.HTTPOptions
	if httpOpts.Logger == nil {
		httpOpts.Logger = logger
	}
	return tilehttp.NewClient(httpOpts)
}

type worker struct {
	id     int
	opts   Options
	client *tilehttp.Client
	logger *zap.Logger
}

// fetch runs one task and never returns without a Result. poolCtx only
// decides whether the task starts and whether it may retry.
func (w *worker) fetch(poolCtx context.Context, t Task) Result {
	res := Result{Task: t}
	name := filepath.Base(t.Dest)

	if w.opts.Filter.Has(name) {
		res.Status = StatusSkipped
		w.opts.Progress.TaskSkipped()
		w.logger.Debug("skipping present file", zap.String("name", name))
		return res
	}
	if err := poolCtx.Err(); err != nil {
		res.Status, res.Kind, res.Err = StatusFailed, KindCanceled, err
		w.opts.Progress.TaskCanceled()
		return res
	}

	w.opts.Progress.TaskStarted()
	start := time.Now()

	taskCtx := context.WithoutCancel(poolCtx)
	if w.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, w.opts.TaskTimeout)
		defer cancel()
	}

	n, err := w.download(taskCtx, poolCtx.Done(), t)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Status = StatusFailed
		res.Kind = classify(taskCtx, err)
		res.Err = err
		w.opts.Progress.TaskFailed()
		w.logger.Warn("fetch failed",
			zap.String("url", t.URL),
			zap.Stringer("kind", res.Kind),
			zap.Error(err),
		)
		return res
	}

	w.opts.Filter.Add(name)
	res.Status = StatusSuccess
	res.Bytes = n
	w.opts.Progress.TaskCompleted(n)
	w.logger.Debug("fetched",
		zap.String("url", t.URL),
		zap.String("dest", t.Dest),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res
}

// download streams the body to Dest+".part", verifies it and renames it into
// place. The partial file is removed on any failure. Closing stop prevents
// retries but not the transfer in progress.
func (w *worker) download(ctx context.Context, stop <-chan struct{}, t Task) (int64, error) {
	body, err := w.client.GetUntil(ctx, stop, t.URL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(t.Dest), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	part := t.Dest + dedup.PartialSuffix
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: %s after %d bytes: %w", ErrIncompleteFile, t.URL, n, copyErr)
	}
	if closeErr != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: %w", ErrWrite, closeErr)
	}

	if err := w.opts.Verify(part); err != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: %s: %v", ErrIncompleteFile, t.URL, err)
	}

	if err := os.Rename(part, t.Dest); err != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return n, nil
}

// classify maps a task error to a Kind. The task deadline takes precedence
// over whatever error it caused.
func classify(taskCtx context.Context, err error) Kind {
	switch {
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, tilehttp.ErrStopped):
		return KindCanceled
	case errors.Is(err, ErrIncompleteFile):
		return KindIncompleteFile
	case errors.Is(err, tilehttp.ErrRequestExhausted):
		return KindRequestExhausted
	case errors.Is(err, tilehttp.ErrNotFound):
		return KindNotFound
	case errors.Is(err, tilehttp.ErrUnauthorized), errors.Is(err, tilehttp.ErrForbidden):
		return KindUnauthorized
	case errors.Is(err, ErrWrite):
		return KindIO
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindTransient
}

// breaker stops a batch after max consecutive failures.
type breaker struct {
	mu          sync.Mutex
	max         int
	consecutive int
	failed      []FailedTask
	tripped     bool
	cancel      context.CancelFunc
}

func (b *breaker) record(res Result) {
	if b.max <= 0 || res.Status == StatusSkipped || res.Kind == KindCanceled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if res.Status == StatusSuccess {
		b.consecutive = 0
		b.failed = b.failed[:0]
		return
	}

	b.consecutive++
	b.failed = append(b.failed, FailedTask{Task: res.Task, Kind: res.Kind, Err: res.Err})
	if b.consecutive >= b.max && !b.tripped {
		b.tripped = true
		b.cancel()
	}
}

func (b *breaker) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return nil
	}
	return &CircuitBreakerError{
		ConsecutiveFailures: b.consecutive,
		FailedTasks:         slices.Clone(b.failed),
	}
}
