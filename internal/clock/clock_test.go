package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvancesTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 0))
	c.Advance(time.Second)

	require.Equal(t, start.Add(3*time.Second), c.Now())
	require.Equal(t, []time.Duration{2 * time.Second, 0}, c.Sleeps())
}

func TestFakeSleepCancelled(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, c.Sleeps())
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real{}.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFakeAfter(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewFake(start)

	got := <-c.After(500 * time.Millisecond)
	require.Equal(t, start.Add(500*time.Millisecond), got)
	require.Equal(t, []time.Duration{500 * time.Millisecond}, c.Sleeps())
}
