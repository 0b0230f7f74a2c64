package hh

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds every outbound hh.ru call, token refreshes included: at most
// maxConcurrent requests in flight and no more than rps requests per second.
type Gate struct {
	slots   *semaphore.Weighted
	limiter *rate.Limiter
}

func NewGate(maxConcurrent int, rps float64) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	limit := rate.Inf
	burst := maxConcurrent
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Gate{
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Do runs fn once a slot is free and the rate budget allows it.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire hh slot: %w", err)
	}
	defer g.slots.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait hh rate limit: %w", err)
	}
	return fn(ctx)
}
