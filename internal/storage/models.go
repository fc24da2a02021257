// Package storage provides persistence for benchmark run history.
package storage

import (
	"time"

	"github.com/gateway-fm/chainbench/pkg/types"
)

// Run is a persisted benchmark run with its round counters.
type Run struct {
	ID              string          `json:"id"`
	Benchmark       string          `json:"benchmark"`
	Description     string          `json:"description,omitempty"`
	Backend         string          `json:"backend"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Status          types.RunStatus `json:"status"`
	Workers         int             `json:"workers"`
	TotalRounds     int             `json:"totalRounds"`
	RoundsSucceeded int             `json:"roundsSucceeded"`
	RoundsFailed    int             `json:"roundsFailed"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ReportPath      string          `json:"reportPath,omitempty"`
	Config          string          `json:"config,omitempty"` // benchmark configuration dump
}

// RoundRecord is the persisted result of one sub-round.
type RoundRecord struct {
	RunID      string                `json:"runId"`
	Seq        int                   `json:"seq"` // execution order within the run
	Label      string                `json:"label"`
	RoundIndex int                   `json:"roundIndex"`
	SubRound   int                   `json:"subRound"`
	Status     types.RoundStatus     `json:"status"`
	Error      string                `json:"error,omitempty"`
	Succ       int                   `json:"succ"`
	Fail       int                   `json:"fail"`
	SendRate   *float64              `json:"sendRateTps,omitempty"`
	Throughput *float64              `json:"throughputTps,omitempty"`
	Latency    *types.LatencySummary `json:"latency,omitempty"`
	FinishedAt time.Time             `json:"finishedAt"`
}

// RunCompletion carries the final state of a run.
type RunCompletion struct {
	Status          types.RunStatus
	RoundsSucceeded int
	RoundsFailed    int
	ErrorMessage    string
	ReportPath      string
}

// RunDetail combines a run with its round results.
type RunDetail struct {
	Run    *Run          `json:"run"`
	Rounds []RoundRecord `json:"rounds"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
