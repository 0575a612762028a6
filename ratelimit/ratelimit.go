// Package ratelimit implements a sliding-window call limiter that is shared by
// every pipeline talking to the same external service.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/craftkit/internal/clock"
)

// ErrNoCapacity is returned by Wait when the limiter is configured to never
// admit a call.
var ErrNoCapacity = errors.New("rate limiter admits no calls")

// Limiter tracks accepted call timestamps in a rolling window. CanProceed,
// RecordCall and TimeUntilNextSlot are pure decisions on the supplied time;
// Reserve and Wait combine them under a single lock so that concurrent callers
// never both claim the same slot.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    []time.Time
	clock    clock.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used by Wait. Defaults to the system clock.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// New returns a Limiter admitting at most maxCalls calls per window.
// A maxCalls of zero or less never admits a call.
func New(maxCalls int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxCalls: maxCalls,
		window:   window,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxCalls returns the configured number of calls per window.
func (l *Limiter) MaxCalls() int { return l.maxCalls }

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// CanProceed reports whether a call at now would be admitted.
func (l *Limiter) CanProceed(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canProceed(now)
}

// RecordCall records an accepted call at now.
func (l *Limiter) RecordCall(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(now)
}

// TimeUntilNextSlot returns zero when a call at now would be admitted, and
// otherwise the time until the oldest call in the window expires.
func (l *Limiter) TimeUntilNextSlot(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeUntilNextSlot(now)
}

// Reserve atomically checks for a free slot at now and records the call when
// one is available, returning zero. Otherwise nothing is recorded and the
// wait until the next slot is returned.
func (l *Limiter) Reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.canProceed(now) {
		l.record(now)
		return 0
	}
	return l.timeUntilNextSlot(now)
}

// Wait blocks until a slot has been reserved or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.maxCalls <= 0 {
		return ErrNoCapacity
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := l.Reserve(l.clock.Now())
		if wait == 0 {
			return nil
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops every timestamp at or before now - window. The remaining
// timestamps are those inside (now - window, now].
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := sort.Search(len(l.calls), func(i int) bool {
		return l.calls[i].After(cutoff)
	})
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func (l *Limiter) inWindow(now time.Time) int {
	n := 0
	for _, ts := range l.calls {
		if ts.After(now) {
			break
		}
		n++
	}
	return n
}

func (l *Limiter) canProceed(now time.Time) bool {
	if l.maxCalls <= 0 {
		return false
	}
	l.prune(now)
	return l.inWindow(now) < l.maxCalls
}

func (l *Limiter) timeUntilNextSlot(now time.Time) time.Duration {
	if l.canProceed(now) {
		return 0
	}
	if len(l.calls) == 0 {
		return l.window
	}
	return l.window - now.Sub(l.calls[0])
}

// record inserts now keeping the timestamps sorted.
func (l *Limiter) record(now time.Time) {
	i := sort.Search(len(l.calls), func(i int) bool {
		return l.calls[i].After(now)
	})
	l.calls = append(l.calls, time.Time{})
	copy(l.calls[i+1:], l.calls[i:])
	l.calls[i] = now
}
