package scheduler

import (
	"sync"
	"time"

	"github.com/gateway-fm/chainbench/internal/orchestrator"
	"github.com/gateway-fm/chainbench/internal/stats"
	"github.com/gateway-fm/chainbench/pkg/types"
)

// RoundResult is the outcome of one sub-round.
type RoundResult struct {
	Label      string
	RoundIndex int // global, 1-based; 0 when the round never got an index
	SubRound   int
	Status     types.RoundStatus
	Err        error
	Stats      stats.RoundStatistics
	FinishedAt time.Time
}

// RunSummary is the ordered record of a run. The scheduler is its only
// writer; readers such as the HTTP API take snapshots.
type RunSummary struct {
	mu          sync.RWMutex
	runID       string
	benchmark   string
	status      types.RunStatus
	totalRounds int
	startedAt   time.Time
	label       string
	roundIndex  int
	results     []RoundResult
	succeeded   int
	failed      int
}

// NewRunSummary creates an idle summary.
func NewRunSummary() *RunSummary {
	return &RunSummary{status: types.RunIdle}
}

func (s *RunSummary) begin(runID, benchmark string, totalRounds int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID, s.benchmark, s.totalRounds, s.startedAt = runID, benchmark, totalRounds, at
	s.status = types.RunRunning
	s.results = nil
	s.succeeded, s.failed = 0, 0
	s.label, s.roundIndex = "", 0
}

func (s *RunSummary) enter(label string, roundIndex int) {
	s.mu.Lock()
	s.label, s.roundIndex = label, roundIndex
	s.mu.Unlock()
}

func (s *RunSummary) record(r RoundResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	if r.Status == types.RoundSucceeded {
		s.succeeded++
	} else {
		s.failed++
	}
}

func (s *RunSummary) finish(status types.RunStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// RunID returns the identifier of the current or last run.
func (s *RunSummary) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Status returns the run status.
func (s *RunSummary) Status() types.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Results returns a copy of the recorded sub-round results in order.
func (s *RunSummary) Results() []RoundResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoundResult, len(s.results))
	copy(out, s.results)
	return out
}

// Succeeded returns the number of successful sub-rounds.
func (s *RunSummary) Succeeded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.succeeded
}

// Failed returns the number of failed sub-rounds.
func (s *RunSummary) Failed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// Progress combines the summary with the live transaction counters of the
// active sub-round.
func (s *RunSummary) Progress(round orchestrator.RoundProgress) types.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := types.Progress{
		Status:          s.status,
		RunID:           s.runID,
		Benchmark:       s.benchmark,
		Label:           s.label,
		RoundIndex:      s.roundIndex,
		TotalRounds:     s.totalRounds,
		Workers:         round.Workers,
		TxSubmitted:     round.Submitted,
		TxSucceeded:     round.Succeeded,
		TxFailed:        round.Failed,
		TxInFlight:      round.InFlight,
		RoundsSucceeded: s.succeeded,
		RoundsFailed:    s.failed,
		StartedAt:       s.startedAt,
	}
	if !s.startedAt.IsZero() {
		p.ElapsedMs = time.Since(s.startedAt).Milliseconds()
	}
	return p
}
