// Package ratelimit paces submissions for a single bind.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"smppload/internal/core"
)

// burstWindowDivisor sizes the bucket to roughly 20ms worth of tokens.
// Tokens are credited from the bucket's own timeline, so a caller that
// arrives late within that window still gets the tokens it missed.
const burstWindowDivisor = 50

// RateLimiter is a per-bind throttle. A zero rate disables throttling.
type RateLimiter struct {
	limiter *rate.Limiter
	tps     int
}

func NewRateLimiter(tps int) *RateLimiter {
	if tps <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(tps), burstFor(tps)),
		tps:     tps,
	}
}

func burstFor(tps int) int {
	b := tps / burstWindowDivisor
	if b < 2 {
		b = 2
	}
	return b
}

// Wait blocks until the next send slot, or returns core.ErrCancelled as soon
// as ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	if r == nil || r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		// rate.Limiter refuses up front when the wait would outlive the
		// deadline; both cases mean this bind is shutting down.
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	return nil
}

// Rate returns the configured submissions per second, 0 when unthrottled.
func (r *RateLimiter) Rate() int {
	if r == nil {
		return 0
	}
	return r.tps
}
