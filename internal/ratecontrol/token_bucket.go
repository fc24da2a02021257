package ratecontrol

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// TokenBucket paces with a token bucket, allowing bursts up to burst.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket builds a token-bucket controller from {tps, burst}.
func NewTokenBucket(p Params) (Controller, error) {
	tps, err := floatOpt(p.Opts, "tps", 1)
	if err != nil {
		return nil, err
	}
	if tps <= 0 {
		return nil, fmt.Errorf("tps must be positive, got %v", tps)
	}
	perWorker := tps / p.workers()

	burst, err := floatOpt(p.Opts, "burst", perWorker)
	if err != nil {
		return nil, err
	}
	if burst < 1 {
		burst = 1
	}

	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(perWorker), int(burst)),
	}, nil
}

// Wait blocks until a token is available.
func (t *TokenBucket) Wait(ctx context.Context, _ State) error {
	return t.limiter.Wait(ctx)
}

// Stop is a no-op.
func (t *TokenBucket) Stop() {}
