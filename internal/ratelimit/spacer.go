package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Spacer enforces a minimum gap between consecutive dispatch starts. Each
// worker owns one; it is not meant to be shared.
type Spacer struct {
	limiter *rate.Limiter
}

// NewSpacer returns a Spacer with the given gap. A gap <= 0 never waits.
func NewSpacer(gap time.Duration) *Spacer {
	if gap <= 0 {
		return &Spacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Spacer{limiter: rate.NewLimiter(rate.Every(gap), 1)}
}

// Wait blocks until the gap since the previous start has elapsed, then
// records this start. The first call returns immediately.
func (s *Spacer) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}
