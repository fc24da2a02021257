package ratecontrol

import (
	"context"
	"fmt"
	"time"
)

// FixedRate holds a target rate by scheduling the n-th submission at
// start + n/tps. A worker that falls behind is never pushed ahead of the
// schedule; it simply proceeds without sleeping.
type FixedRate struct {
	tps float64 // per worker
	now func() time.Time
}

// NewFixedRate builds a fixed-rate controller from {tps}.
// The configured rate is shared evenly among workers.
func NewFixedRate(p Params) (Controller, error) {
	tps, err := floatOpt(p.Opts, "tps", 1)
	if err != nil {
		return nil, err
	}
	if tps <= 0 {
		return nil, fmt.Errorf("tps must be positive, got %v", tps)
	}
	return &FixedRate{tps: tps / p.workers(), now: time.Now}, nil
}

// Rate returns the per-worker target rate.
func (f *FixedRate) Rate() float64 {
	return f.tps
}

// Next returns the ideal submission time for the next request.
func (f *FixedRate) Next(s State) time.Time {
	offset := time.Duration(float64(s.Sent()) / f.tps * float64(time.Second))
	return s.Start().Add(offset)
}

// Wait sleeps until the next scheduled submission time.
func (f *FixedRate) Wait(ctx context.Context, s State) error {
	return sleepUntil(ctx, f.now, f.Next(s))
}

// Stop is a no-op.
func (f *FixedRate) Stop() {}
