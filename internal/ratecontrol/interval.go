package ratecontrol

import (
	"context"
	"sync"
	"time"
)

// intervalLimiter issues permits no faster than one per interval. Unlike a
// token bucket it never bursts: a permit that is late is granted at once and
// the schedule continues from there.
type intervalLimiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	rate     float64
	now      func() time.Time
}

func newIntervalLimiter(ratePerSec float64, now func() time.Time) *intervalLimiter {
	l := &intervalLimiter{now: now}
	l.setRate(ratePerSec)
	l.next = now()
	return l
}

// setRate changes the rate for subsequent permits. Rates at or below zero
// fall back to one per second.
func (l *intervalLimiter) setRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ratePerSec == l.rate {
		return
	}
	l.rate = ratePerSec
	l.interval = time.Duration(float64(time.Second) / ratePerSec)

	// Avoid a burst of catch-up permits after a rate change.
	if now := l.now(); l.next.Before(now) {
		l.next = now
	}
}

// currentRate returns the active rate.
func (l *intervalLimiter) currentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// wait claims the next permit and sleeps until it is due.
func (l *intervalLimiter) wait(ctx context.Context) error {
	l.mu.Lock()
	permit := l.next
	if now := l.now(); permit.Before(now) {
		permit = now
	}
	l.next = permit.Add(l.interval)
	l.mu.Unlock()

	return sleepUntil(ctx, l.now, permit)
}
