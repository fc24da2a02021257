package storage

import "context"

// Storage defines the persistence interface for benchmark run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	AddRoundResult(ctx context.Context, round *RoundRecord) error
	CompleteRun(ctx context.Context, id string, completion *RunCompletion) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	GetRoundResults(ctx context.Context, runID string) ([]RoundRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
