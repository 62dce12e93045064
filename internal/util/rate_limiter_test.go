package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitWithinBurst(t *testing.T) {
	r := NewRateLimiter(100*time.Millisecond, 3)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitBlocksAfterBurst(t *testing.T) {
	r := NewRateLimiter(100*time.Millisecond, 1)

	require.NoError(t, r.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, r.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	r := NewRateLimiter(time.Minute, 1)
	require.NoError(t, r.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnRateLimitBacksOff(t *testing.T) {
	r := NewRateLimiter(100*time.Millisecond, 1)

	base := r.GetRate()
	r.OnRateLimit(0)
	assert.Greater(t, r.GetRate(), base)

	// A second drop in quick succession backs off steeper still.
	prev := r.GetRate()
	r.OnRateLimit(0)
	assert.Greater(t, r.GetRate(), prev)
}

func TestOnRateLimitCapped(t *testing.T) {
	r := NewRateLimiter(100*time.Millisecond, 1)

	for i := 0; i < 20; i++ {
		r.OnRateLimit(0)
	}
	assert.LessOrEqual(t, r.GetRate(), 5*time.Second)
}

func TestOnRateLimitHonorsRetryAfter(t *testing.T) {
	r := NewRateLimiter(100*time.Millisecond, 1)

	wait := r.OnRateLimit(10 * time.Second)
	assert.Equal(t, 10*time.Second, wait)

	wait = r.OnRateLimit(time.Millisecond)
	assert.Equal(t, r.GetRate(), wait)
}

func TestResetRate(t *testing.T) {
	r := NewRateLimiter(100*time.Millisecond, 1)

	r.OnRateLimit(0)
	require.Greater(t, r.GetRate(), 100*time.Millisecond)

	r.ResetRate()
	assert.Equal(t, 100*time.Millisecond, r.GetRate())
}

func TestDefaults(t *testing.T) {
	r := NewRateLimiter(0, 0)
	assert.Equal(t, DefaultRate, r.GetRate())
}
