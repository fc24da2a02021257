package ratecontrol

import (
	"context"
	"fmt"
	"time"
)

// SpikeRate runs at baselineTps and switches to spikeTps for the last
// spikeDuration of every spikeInterval.
type SpikeRate struct {
	baseline float64
	spike    float64
	duration time.Duration
	interval time.Duration
	limiter  *intervalLimiter
	now      func() time.Time
}

// NewSpikeRate builds a spike-rate controller from
// {baselineTps, spikeTps, spikeDuration, spikeInterval}.
func NewSpikeRate(p Params) (Controller, error) {
	baseline, err := floatOpt(p.Opts, "baselineTps", 1)
	if err != nil {
		return nil, err
	}
	spike, err := floatOpt(p.Opts, "spikeTps", baseline)
	if err != nil {
		return nil, err
	}
	duration, err := durationOpt(p.Opts, "spikeDuration", 5*time.Second)
	if err != nil {
		return nil, err
	}
	interval, err := durationOpt(p.Opts, "spikeInterval", 30*time.Second)
	if err != nil {
		return nil, err
	}
	if baseline <= 0 || spike <= 0 {
		return nil, fmt.Errorf("baselineTps and spikeTps must be positive")
	}
	if duration <= 0 || interval <= 0 || duration > interval {
		return nil, fmt.Errorf("spikeDuration must be positive and not exceed spikeInterval")
	}

	w := p.workers()
	s := &SpikeRate{
		baseline: baseline / w,
		spike:    spike / w,
		duration: duration,
		interval: interval,
		now:      time.Now,
	}
	s.limiter = newIntervalLimiter(s.baseline, s.now)
	return s, nil
}

// RateAt returns the target rate for the elapsed time.
func (s *SpikeRate) RateAt(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed%s.interval >= s.interval-s.duration {
		return s.spike
	}
	return s.baseline
}

// Wait applies the current rate and waits for a permit.
func (s *SpikeRate) Wait(ctx context.Context, st State) error {
	s.limiter.setRate(s.RateAt(s.now().Sub(st.Start())))
	return s.limiter.wait(ctx)
}

// Stop is a no-op.
func (s *SpikeRate) Stop() {}
