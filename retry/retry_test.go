package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/deepnoodle-ai/craftkit/internal/clock"
	"github.com/stretchr/testify/require"
)

type statusError struct{ code int }

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) StatusCode() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type countingWaiter struct {
	calls int
	err   error
}

func (w *countingWaiter) Wait(ctx context.Context) error {
	w.calls++
	return w.err
}

func always(c Class) Classifier {
	return func(error) Class { return c }
}

func TestDoExhaustsTransient(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	client := NewClient(WithClock(fake))

	count := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		count++
		return errors.New("overloaded")
	}, always(Transient))

	require.Equal(t, 3, count)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.RetriesExhausted)
	require.Equal(t, Transient, apiErr.Kind)
	require.Equal(t, 3, apiErr.Attempts)
	require.EqualError(t, apiErr.Err, "overloaded")
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	client := NewClient(WithClock(fake))

	count := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		count++
		return errors.New("invalid input")
	}, always(Permanent))

	require.Equal(t, 1, count)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.RetriesExhausted)
	require.Equal(t, Permanent, apiErr.Kind)
	require.Empty(t, fake.Sleeps())
}

func TestDoRecoversAfterTransient(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	client := NewClient(WithClock(fake), WithBaseDelay(500*time.Millisecond))

	count := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		count++
		if count < 3 {
			return MarkTransient(errors.New("busy"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, fake.Sleeps())
}

func TestDoWaitsOnLimiterBeforeEachAttempt(t *testing.T) {
	waiter := &countingWaiter{}
	client := NewClient(WithClock(clock.NewFake(time.Unix(0, 0))), WithLimiter(waiter))

	_ = client.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("down")
	}, always(Transient))
	require.Equal(t, 3, waiter.calls)
}

func TestDoLimiterErrorSkipsCall(t *testing.T) {
	waiter := &countingWaiter{err: errors.New("no slots")}
	client := NewClient(WithClock(clock.NewFake(time.Unix(0, 0))), WithLimiter(waiter))

	called := false
	err := client.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}, nil)
	require.ErrorContains(t, err, "no slots")
	require.False(t, called)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(WithClock(clock.NewFake(time.Unix(0, 0))))

	count := 0
	err := client.Do(ctx, func(ctx context.Context) error {
		count++
		cancel()
		return errors.New("busy")
	}, always(Transient))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, count)
}

func TestCall(t *testing.T) {
	client := NewClient(WithClock(clock.NewFake(time.Unix(0, 0))))
	value, err := Call(context.Background(), client, func(ctx context.Context) (string, error) {
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", value)
}

func TestBackoff(t *testing.T) {
	client := NewClient(WithBaseDelay(time.Second))
	require.Equal(t, time.Duration(0), client.Backoff(1))
	require.Equal(t, time.Second, client.Backoff(2))
	require.Equal(t, 2*time.Second, client.Backoff(3))
	require.Equal(t, 4*time.Second, client.Backoff(4))
	require.Equal(t, 16*time.Second, client.Backoff(6))
	require.Equal(t, DefaultMaxDelay, client.Backoff(7))
}

func TestBackoffIsCappedForLargeAttempts(t *testing.T) {
	client := NewClient(WithMaxAttempts(40), WithBaseDelay(time.Second), WithMaxDelay(time.Minute))
	for _, attempt := range []int{8, 36, 66, 1000} {
		require.Equal(t, time.Minute, client.Backoff(attempt), "attempt %d", attempt)
	}
	require.Equal(t, MaxAttemptsLimit, client.maxAttempts)
	require.Equal(t, 1, NewClient(WithMaxAttempts(0)).maxAttempts)
}

func TestDoWaitsAreCapped(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	client := NewClient(WithClock(fake), WithMaxAttempts(5), WithMaxDelay(3*time.Second))

	err := client.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("overloaded")
	}, always(Transient))
	require.Error(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, fake.Sleeps())
}

func TestDoReturnsCancelCause(t *testing.T) {
	cause := errors.New("generation stopped")
	ctx, cancel := context.WithCancelCause(context.Background())
	fake := clock.NewFake(time.Unix(0, 0))
	client := NewClient(WithClock(fake))

	count := 0
	err := client.Do(ctx, func(ctx context.Context) error {
		count++
		cancel(cause)
		return &statusError{503}
	}, nil)
	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, count)
}

func TestDoMarkedPermanentStops(t *testing.T) {
	client := NewClient(WithClock(clock.NewFake(time.Unix(0, 0))))

	count := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		count++
		return MarkPermanent(&statusError{503})
	}, always(Transient))

	require.Equal(t, 1, count)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, Permanent, apiErr.Kind)
	require.True(t, IsPermanent(apiErr.Err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"too many requests", &statusError{429}, Transient},
		{"service unavailable", &statusError{503}, Transient},
		{"gateway timeout", fmt.Errorf("wrapped: %w", &statusError{504}), Transient},
		{"bad request", &statusError{400}, Permanent},
		{"forbidden", &statusError{403}, Permanent},
		{"deadline", context.DeadlineExceeded, Transient},
		{"cancelled", context.Canceled, Permanent},
		{"net timeout", timeoutError{}, Transient},
		{"connection reset", fmt.Errorf("post: %w", syscall.ECONNRESET), Transient},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, Transient},
		{"unexpected eof", io.ErrUnexpectedEOF, Transient},
		{"unknown host", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Name: "nowhere", IsNotFound: true}}, Permanent},
		{"marked transient", MarkTransient(errors.New("x")), Transient},
		{"marked permanent", MarkPermanent(&statusError{503}), Permanent},
		{"unknown", errors.New("boom"), Permanent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Classify(tc.err))
		})
	}
}
