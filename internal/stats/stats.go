// Package stats merges transaction outcomes into round-level statistics.
package stats

import (
	"sort"
	"time"

	"github.com/gateway-fm/chainbench/pkg/types"
)

// DefaultPercentile is the delay percentile reported when detail is kept.
const DefaultPercentile = 0.75

// Window is a [min, max] range of timestamps.
type Window struct {
	Min time.Time
	Max time.Time
}

// FinalWindow extends Window with the latest completion seen.
type FinalWindow struct {
	Min  time.Time
	Max  time.Time
	Last time.Time
}

// Delays aggregates per-transaction latency of committed transactions.
type Delays struct {
	Min    time.Duration
	Max    time.Duration
	Sum    time.Duration
	Detail []time.Duration // nil unless Options.KeepDetail
}

// RoundStatistics aggregates all outcomes of one sub-round.
// The zero value is the null statistics value.
type RoundStatistics struct {
	Label  string
	Succ   int
	Fail   int
	Create Window
	Final  FinalWindow
	Delay  Delays
}

// Options control what Merge retains.
type Options struct {
	// KeepDetail keeps every delay for percentile computation.
	// Disabled by default: memory grows with the number of transactions.
	KeepDetail bool
}

// Null returns the null statistics value for a label.
func Null(label string) RoundStatistics {
	return RoundStatistics{Label: label}
}

// IsNull reports whether no outcome was recorded.
func (s RoundStatistics) IsNull() bool {
	return s.Succ+s.Fail == 0
}

// Total returns succ+fail.
func (s RoundStatistics) Total() int {
	return s.Succ + s.Fail
}

// Merge aggregates raw outcomes. An empty list yields the null value.
// Creation and completion windows cover every outcome; delays only
// cover committed transactions.
func Merge(outcomes []types.TxOutcome, opts Options) RoundStatistics {
	var s RoundStatistics
	if len(outcomes) == 0 {
		return s
	}

	firstDelay := true
	for _, o := range outcomes {
		if o.IsSuccess() {
			s.Succ++
		} else {
			s.Fail++
		}

		s.Create.Min = minTime(s.Create.Min, o.TimeCreate)
		s.Create.Max = maxTime(s.Create.Max, o.TimeCreate)

		if !o.TimeFinal.IsZero() {
			s.Final.Min = minTime(s.Final.Min, o.TimeFinal)
			s.Final.Max = maxTime(s.Final.Max, o.TimeFinal)
			s.Final.Last = maxTime(s.Final.Last, o.TimeFinal)
		}

		if !o.IsSuccess() {
			continue
		}
		d := o.Delay()
		if firstDelay || d < s.Delay.Min {
			s.Delay.Min = d
		}
		if firstDelay || d > s.Delay.Max {
			s.Delay.Max = d
		}
		firstDelay = false
		s.Delay.Sum += d
		if opts.KeepDetail {
			s.Delay.Detail = append(s.Delay.Detail, d)
		}
	}

	return s
}

// MergeStats combines per-worker partial aggregates into one value.
// Null parts are skipped; if every part is null the result is null.
func MergeStats(label string, parts ...RoundStatistics) RoundStatistics {
	out := Null(label)
	firstDelay := true
	for _, p := range parts {
		if p.IsNull() {
			continue
		}
		out.Succ += p.Succ
		out.Fail += p.Fail
		out.Create.Min = minTime(out.Create.Min, p.Create.Min)
		out.Create.Max = maxTime(out.Create.Max, p.Create.Max)
		out.Final.Min = minTime(out.Final.Min, p.Final.Min)
		out.Final.Max = maxTime(out.Final.Max, p.Final.Max)
		out.Final.Last = maxTime(out.Final.Last, p.Final.Last)

		if p.Succ > 0 {
			if firstDelay || p.Delay.Min < out.Delay.Min {
				out.Delay.Min = p.Delay.Min
			}
			if firstDelay || p.Delay.Max > out.Delay.Max {
				out.Delay.Max = p.Delay.Max
			}
			firstDelay = false
		}
		out.Delay.Sum += p.Delay.Sum
		out.Delay.Detail = append(out.Delay.Detail, p.Delay.Detail...)
	}
	return out
}

// Rate is a derived per-second value. When the measurement window has zero
// width the literal count is reported instead and Instant is set.
type Rate struct {
	Value   float64
	Instant bool
	NA      bool
}

// SendRate is (succ+fail) / (create.max - create.min).
func (s RoundStatistics) SendRate() Rate {
	if s.IsNull() {
		return Rate{NA: true}
	}
	return rate(s.Total(), s.Create.Max.Sub(s.Create.Min))
}

// Throughput is succ / (final.last - create.min).
func (s RoundStatistics) Throughput() Rate {
	if s.IsNull() {
		return Rate{NA: true}
	}
	return rate(s.Succ, s.Final.Last.Sub(s.Create.Min))
}

func rate(count int, window time.Duration) Rate {
	if window <= 0 {
		return Rate{Value: float64(count), Instant: true}
	}
	return Rate{Value: float64(count) / window.Seconds()}
}

// AvgLatency is delay.sum / succ. ok is false when nothing committed.
func (s RoundStatistics) AvgLatency() (time.Duration, bool) {
	if s.Succ == 0 {
		return 0, false
	}
	return s.Delay.Sum / time.Duration(s.Succ), true
}

// Percentile sorts the retained delays ascending and returns the element at
// index floor(n*p). ok is false when no detail was kept.
func (s RoundStatistics) Percentile(p float64) (time.Duration, bool) {
	n := len(s.Delay.Detail)
	if n == 0 {
		return 0, false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, s.Delay.Detail)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx], true
}

// Latency returns the latency summary in seconds, or nil when nothing committed.
func (s RoundStatistics) Latency() *types.LatencySummary {
	avg, ok := s.AvgLatency()
	if !ok {
		return nil
	}
	out := &types.LatencySummary{
		Min: s.Delay.Min.Seconds(),
		Max: s.Delay.Max.Seconds(),
		Avg: avg.Seconds(),
	}
	if p, ok := s.Percentile(DefaultPercentile); ok {
		v := p.Seconds()
		out.P75 = &v
	}
	return out
}

func minTime(cur, t time.Time) time.Time {
	if t.IsZero() {
		return cur
	}
	if cur.IsZero() || t.Before(cur) {
		return t
	}
	return cur
}

func maxTime(cur, t time.Time) time.Time {
	if t.After(cur) {
		return t
	}
	return cur
}
