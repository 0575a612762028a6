package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/craftkit/internal/clock"
	"github.com/deepnoodle-ai/craftkit/log"
	wretry "github.com/deepnoodle-ai/wonton/retry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second

	// MaxAttemptsLimit bounds the attempt budget a Client accepts.
	MaxAttemptsLimit = 10
)

// Class says whether a failed call is worth repeating.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classifier maps an error returned by a call to its Class.
type Classifier func(err error) Class

// Waiter gates each attempt. *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Error is returned when a call fails permanently or runs out of attempts.
type Error struct {
	Kind             Class
	RetriesExhausted bool
	Attempts         int
	Err              error
}

func (e *Error) Error() string {
	if e.RetriesExhausted {
		return fmt.Sprintf("%s error after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client runs calls with bounded exponential backoff. The delay before
// attempt k (k >= 2) is baseDelay * 2^(k-2), capped at maxDelay. There is
// no jitter.
type Client struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limiter     Waiter
	clock       clock.Clock
	logger      log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts sets the total attempt budget, first call included. It is
// clamped to [1, MaxAttemptsLimit].
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithBaseDelay sets the delay before the second attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithMaxDelay caps the delay between two attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithLimiter makes every attempt wait for a rate limiter slot first.
func WithLimiter(w Waiter) Option {
	return func(c *Client) {
		c.limiter = w
	}
}

// WithClock sets the clock used for backoff waits.
func WithClock(cl clock.Clock) Option {
	return func(c *Client) {
		c.clock = cl
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(l log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient returns a Client with the given options applied.
func NewClient(opts ...Option) *Client {
	c := &Client{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		clock:       clock.Real{},
		logger:      log.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.maxAttempts = max(1, min(c.maxAttempts, MaxAttemptsLimit))
	if c.baseDelay < 0 {
		c.baseDelay = 0
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	return c
}

// Backoff returns the delay before the given attempt number (1-based).
func (c *Client) Backoff(attempt int) time.Duration {
	if attempt < 2 || c.baseDelay == 0 {
		return 0
	}
	delay := c.baseDelay
	for k := 2; k < attempt; k++ {
		if delay >= c.maxDelay/2 {
			return c.maxDelay
		}
		delay *= 2
	}
	return min(delay, c.maxDelay)
}

// Do runs f until it succeeds, fails permanently or exhausts the budget.
// A nil classify uses Classify. Rate limiter and context errors are returned
// without being wrapped in *Error; when ctx was cancelled with a cause, the
// cause is returned.
func (c *Client) Do(ctx context.Context, f func(ctx context.Context) error, classify Classifier) error {
	if classify == nil {
		classify = Classify
	}
	classOf := func(err error) Class {
		if wretry.IsPermanent(err) {
			return Permanent
		}
		return classify(err)
	}

	var waitErr error
	err := wretry.DoSimple(ctx, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				waitErr = err
				return wretry.MarkPermanent(err)
			}
		}
		return f(ctx)
	},
		wretry.WithMaxAttempts(c.maxAttempts),
		wretry.WithJitter(0),
		wretry.WithDelayFunc(func(failures int, _ *wretry.Config) time.Duration {
			return c.Backoff(failures + 1)
		}),
		wretry.WithRetryIf(func(err error) bool {
			return classOf(err) == Transient
		}),
		wretry.WithOnRetry(func(failures int, err error, delay time.Duration) {
			c.logger.Warn("retrying call",
				"attempt", failures+1,
				"delay", delay,
				"error", err)
		}),
		wretry.WithTimer(c.clock),
	)
	if err == nil {
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("waiting for rate limit: %w", waitErr)
	}

	var failed *wretry.Error
	if !errors.As(err, &failed) {
		return err
	}
	last := failed.LastError()
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(last, ctxErr) {
		return context.Cause(ctx)
	}
	if classOf(last) == Permanent {
		return &Error{Kind: Permanent, Attempts: failed.Attempts, Err: last}
	}
	return &Error{
		Kind:             Transient,
		RetriesExhausted: true,
		Attempts:         failed.Attempts,
		Err:              last,
	}
}

// Call is Do for functions that produce a value.
func Call[T any](ctx context.Context, c *Client, f func(ctx context.Context) (T, error), classify Classifier) (T, error) {
	var result T
	err := c.Do(ctx, func(ctx context.Context) error {
		value, err := f(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}, classify)
	return result, err
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	error
	StatusCode() int
}

// ShouldRetry determines if the given status code should trigger a retry
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusInternalServerError || // 500
		statusCode == http.StatusBadGateway || // 502
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout || // 504
		statusCode == 520 // Cloudflare
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so that Classify reports it as transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// MarkPermanent wraps err so that it is never retried.
func MarkPermanent(err error) error {
	return wretry.MarkPermanent(err)
}

// IsPermanent reports whether err was marked with MarkPermanent.
func IsPermanent(err error) bool {
	return wretry.IsPermanent(err)
}

// Classify is the default Classifier. Explicit marks win, then HTTP status
// codes, then transport failures. Anything else is permanent.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if wretry.IsPermanent(err) {
		return Permanent
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var status StatusCoder
	if errors.As(err, &status) {
		if ShouldRetry(status.StatusCode()) {
			return Transient
		}
		return Permanent
	}
	if isTransportError(err) {
		return Transient
	}
	return Permanent
}

// isTransportError reports connection-level trouble: timeouts, refused or
// reset connections and streams cut short. Unknown hosts are permanent.
func isTransportError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
