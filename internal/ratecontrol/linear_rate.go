package ratecontrol

import (
	"context"
	"fmt"
	"time"
)

// LinearRate moves the rate linearly from startingTps to finishingTps over
// the round. Progress is measured in transactions for count-driven rounds and
// in elapsed time for duration-driven rounds.
type LinearRate struct {
	start    float64
	finish   float64
	txNumber int
	duration time.Duration
	limiter  *intervalLimiter
	now      func() time.Time
}

// NewLinearRate builds a linear-rate controller from {startingTps, finishingTps}.
func NewLinearRate(p Params) (Controller, error) {
	start, err := floatOpt(p.Opts, "startingTps", 1)
	if err != nil {
		return nil, err
	}
	finish, err := floatOpt(p.Opts, "finishingTps", start)
	if err != nil {
		return nil, err
	}
	if start <= 0 || finish <= 0 {
		return nil, fmt.Errorf("startingTps and finishingTps must be positive")
	}
	if p.TxNumber <= 0 && p.TxDuration <= 0 {
		return nil, fmt.Errorf("linear-rate needs a txNumber or txDuration")
	}

	w := p.workers()
	lr := &LinearRate{
		start:    start / w,
		finish:   finish / w,
		txNumber: p.TxNumber,
		duration: p.TxDuration,
		now:      time.Now,
	}
	lr.limiter = newIntervalLimiter(lr.start, lr.now)
	return lr, nil
}

// RateAt returns the target rate for the given progress.
func (l *LinearRate) RateAt(s State) float64 {
	var progress float64
	if l.txNumber > 0 {
		progress = float64(s.Sent()) / float64(l.txNumber)
	} else {
		progress = float64(l.now().Sub(s.Start())) / float64(l.duration)
	}
	if progress <= 0 {
		return l.start
	}
	if progress >= 1 {
		return l.finish
	}
	return l.start + progress*(l.finish-l.start)
}

// Wait applies the interpolated rate and waits for a permit.
func (l *LinearRate) Wait(ctx context.Context, s State) error {
	l.limiter.setRate(l.RateAt(s))
	return l.limiter.wait(ctx)
}

// Stop is a no-op.
func (l *LinearRate) Stop() {}
