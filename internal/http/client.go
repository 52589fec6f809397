package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	ErrNotFound         = errors.New("http: resource not found")
	ErrForbidden        = errors.New("http: access forbidden")
	ErrUnauthorized     = errors.New("http: unauthorized")
	ErrTransient        = errors.New("http: transient failure")
	ErrRequestExhausted = errors.New("http: retry budget exhausted")
	ErrStopped          = errors.New("http: stopped before retry")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 4
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Default: 10m
	Timeout time.Duration

	// Token is sent as a bearer token on every request when non-empty.
	Token string

	// RetryAttempts is the maximum number of attempts, the first included.
	// Default: 10
	RetryAttempts int

	// RetryBackoff is the wait before the first retry.
	// Default: 5s
	RetryBackoff time.Duration

	// RetryStep is added to the backoff after every retry.
	// Default: 1s
	RetryStep time.Duration

	// Logger receives one warning per retry. Default: no-op.
	Logger *zap.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 4,
		Timeout:             10 * time.Minute,
		RetryAttempts:       10,
		RetryBackoff:        5 * time.Second,
		RetryStep:           time.Second,
	}
}

// ExhaustedError is returned when every attempt allowed by the retry policy
// failed. It matches ErrRequestExhausted with errors.Is.
type ExhaustedError struct {
	URL        string
	Attempts   int
	LastStatus int // 0 when the last attempt failed below HTTP
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("http: %s: gave up after %d attempts (last status %d): %v",
		e.URL, e.Attempts, e.LastStatus, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRequestExhausted, e.Err}
}

// Client is an authenticated HTTP client with a bounded linear backoff.
// A Client owns its transport; concurrent workers should each create one.
type Client struct {
	client *http.Client
	opts   Options
	logger *zap.Logger
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.RetryStep < 0 {
		opts.RetryStep = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:   opts,
		logger: logger,
	}
}

// Do issues the request until it succeeds or the retry budget is spent.
// On success the caller owns the response body. 401, 403 and 404 are not
// retried. Backoff waits return early with the context error on
// cancellation.
func (c *Client) Do(ctx context.Context, method, url string) (*http.Response, error) {
	return c.DoUntil(ctx, nil, method, url)
}

// DoUntil is Do with a stop signal that is only observed between attempts.
// An attempt in flight, and the body it returns, are governed by ctx alone;
// once stop is closed no further attempt is made and the error matches
// ErrStopped.
func (c *Client) DoUntil(ctx context.Context, stop <-chan struct{}, method, url string) (*http.Response, error) {
	var (
		lastErr    error
		lastStatus int
	)
	backoff := c.opts.RetryBackoff

	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying request",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Int("status", lastStatus),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, stop, backoff); err != nil {
				return nil, fmt.Errorf("%w after %d attempts: %w", err, attempt-1, lastErr)
			}
			backoff += c.opts.RetryStep
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastStatus = 0
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		discard(resp.Body)
		if err := permanentStatus(resp.StatusCode); err != nil {
			return nil, err
		}
		lastStatus = resp.StatusCode
		lastErr = fmt.Errorf("%w: %d %s", ErrTransient, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return nil, &ExhaustedError{
		URL:        url,
		Attempts:   c.opts.RetryAttempts,
		LastStatus: lastStatus,
		Err:        lastErr,
	}
}

// Get performs a GET request and returns the response body.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.GetUntil(ctx, nil, url)
}

// GetUntil is Get with the retry stop signal of DoUntil.
func (c *Client) GetUntil(ctx context.Context, stop <-chan struct{}, url string) (io.ReadCloser, error) {
	resp, err := c.DoUntil(ctx, stop, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// CloseIdleConnections releases the client's pooled connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// sleep waits d unless ctx is done or stop is closed first.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	select {
	case <-stop:
		return ErrStopped
	default:
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	case <-t.C:
		return nil
	}
}

// permanentStatus returns an error for statuses retrying cannot fix.
func permanentStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return nil
	}
}

// discard drains a small remainder of body so the connection can be reused.
func discard(body io.ReadCloser) {
	io.CopyN(io.Discard, body, 4096)
	body.Close()
}
