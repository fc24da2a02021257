package ratecontrol

import (
	"context"
	"fmt"
	"time"
)

// DefaultBacklogPoll is how often FixedBacklog re-checks the backlog.
const DefaultBacklogPoll = 10 * time.Millisecond

// FixedBacklog keeps a target number of unfinished requests per worker.
// Until the first request completes it paces at startingTps, then it
// admits a new request whenever the backlog drops below the target.
type FixedBacklog struct {
	target  int
	warmup  *intervalLimiter
	poll    time.Duration
	now     func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewFixedBacklog builds a fixed-backlog controller from
// {unfinished_per_client, startingTps}.
func NewFixedBacklog(p Params) (Controller, error) {
	target, err := floatOpt(p.Opts, "unfinished_per_client", 10)
	if err != nil {
		return nil, err
	}
	if target < 1 {
		return nil, fmt.Errorf("unfinished_per_client must be at least 1, got %v", target)
	}
	startTps, err := floatOpt(p.Opts, "startingTps", 1)
	if err != nil {
		return nil, err
	}
	if startTps <= 0 {
		return nil, fmt.Errorf("startingTps must be positive, got %v", startTps)
	}

	fb := &FixedBacklog{
		target:  int(target),
		poll:    DefaultBacklogPoll,
		now:     time.Now,
		sleepFn: sleepFor,
	}
	fb.warmup = newIntervalLimiter(startTps/p.workers(), fb.now)
	return fb, nil
}

// Target returns the per-worker backlog target.
func (f *FixedBacklog) Target() int {
	return f.target
}

// Wait blocks while the backlog is at or above the target.
func (f *FixedBacklog) Wait(ctx context.Context, s State) error {
	if s.Completed() == 0 {
		if Unfinished(s) >= f.target {
			return f.drain(ctx, s)
		}
		return f.warmup.wait(ctx)
	}
	return f.drain(ctx, s)
}

func (f *FixedBacklog) drain(ctx context.Context, s State) error {
	for Unfinished(s) >= f.target {
		if err := f.sleepFn(ctx, f.poll); err != nil {
			return err
		}
	}
	return nil
}

// Stop is a no-op.
func (f *FixedBacklog) Stop() {}

func sleepFor(ctx context.Context, d time.Duration) error {
	return sleepUntil(ctx, time.Now, time.Now().Add(d))
}
