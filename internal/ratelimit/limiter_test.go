package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smppload/internal/core"
)

func TestNewRateLimiter_ZeroRateDoesNotBlock(t *testing.T) {
	rl := NewRateLimiter(0)
	assert.Equal(t, 0, rl.Rate())

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10000; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "unthrottled limiter should never wait")
}

func TestRateLimiter_NilIsUnthrottled(t *testing.T) {
	var rl *RateLimiter
	assert.NoError(t, rl.Wait(context.Background()))
	assert.Equal(t, 0, rl.Rate())
}

func TestRateLimiter_Pacing(t *testing.T) {
	rl := NewRateLimiter(100)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 52; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	elapsed := time.Since(start)

	// 2 burst tokens, then 50 paced at 10ms each.
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 700*time.Millisecond)
}

func TestRateLimiter_SustainedRateDoesNotDrift(t *testing.T) {
	if testing.Short() {
		t.Skip("long-running pacing test")
	}
	const tps = 200
	rl := NewRateLimiter(tps)
	ctx := context.Background()

	// Simulate a jittery caller that does a little work between tokens.
	count := 0
	start := time.Now()
	for time.Since(start) < 2*time.Second {
		require.NoError(t, rl.Wait(ctx))
		count++
		if count%7 == 0 {
			time.Sleep(3 * time.Millisecond)
		}
	}
	measured := float64(count) / time.Since(start).Seconds()

	assert.InDelta(t, tps, measured, tps*0.05, "measured %.1f tps", measured)
}

func TestRateLimiter_CancelledBeforeWait(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiter_CancelInterruptsWait(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	// Exhaust the burst so the next Wait has to sleep ~1s.
	require.NoError(t, rl.Wait(ctx))
	require.NoError(t, rl.Wait(ctx))

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- rl.Wait(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, core.ErrCancelled))
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestRateLimiter_ConcurrentWait(t *testing.T) {
	rl := NewRateLimiter(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := rl.Wait(ctx); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestBurstFor(t *testing.T) {
	assert.Equal(t, 2, burstFor(1))
	assert.Equal(t, 2, burstFor(50))
	assert.Equal(t, 2, burstFor(100))
	assert.Equal(t, 20, burstFor(1000))
}
