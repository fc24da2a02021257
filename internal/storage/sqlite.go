package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/chainbench/pkg/types"
)

// ErrRunNotFound is returned when an update targets an unknown run.
var ErrRunNotFound = errors.New("run not found")

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt row does not fail a
// whole query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (and migrates) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the HTTP API read while the scheduler writes.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		benchmark TEXT NOT NULL,
		description TEXT,
		backend TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		workers INTEGER DEFAULT 0,
		total_rounds INTEGER DEFAULT 0,
		rounds_succeeded INTEGER DEFAULT 0,
		rounds_failed INTEGER DEFAULT 0,
		error_message TEXT,
		report_path TEXT,
		config TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS round_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		label TEXT NOT NULL,
		round_index INTEGER NOT NULL,
		sub_round INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		succ INTEGER DEFAULT 0,
		fail INTEGER DEFAULT 0,
		send_rate REAL,
		throughput REAL,
		latency TEXT,
		finished_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_round_results_run ON round_results(run_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = types.RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, benchmark, description, backend, started_at, status, workers, total_rounds, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Benchmark, nullString(run.Description), run.Backend, run.StartedAt, string(status),
		run.Workers, run.TotalRounds, nullString(run.Config))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// AddRoundResult appends a sub-round result and bumps the run's counters.
func (s *SQLiteStorage) AddRoundResult(ctx context.Context, round *RoundRecord) error {
	var latency sql.NullString
	if round.Latency != nil {
		data, err := json.Marshal(round.Latency)
		if err != nil {
			return fmt.Errorf("failed to marshal latency: %w", err)
		}
		latency = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO round_results (run_id, seq, label, round_index, sub_round, status, error,
			succ, fail, send_rate, throughput, latency, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, round.RunID, round.Seq, round.Label, round.RoundIndex, round.SubRound, string(round.Status),
		nullString(round.Error), round.Succ, round.Fail, nullFloat64(round.SendRate), nullFloat64(round.Throughput),
		latency, round.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert round result: %w", err)
	}

	column := "rounds_succeeded"
	if round.Status == types.RoundFailed {
		column = "rounds_failed"
	}
	res, err := tx.ExecContext(ctx, "UPDATE runs SET "+column+" = "+column+" + 1 WHERE id = ?", round.RunID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, round.RunID)
	}

	return tx.Commit()
}

// CompleteRun records the final state of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, c *RunCompletion) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			rounds_succeeded = ?,
			rounds_failed = ?,
			error_message = ?,
			report_path = ?
		WHERE id = ?
	`, time.Now(), string(c.Status), c.RoundsSucceeded, c.RoundsFailed,
		nullString(c.ErrorMessage), nullString(c.ReportPath), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, benchmark, description, backend, started_at, completed_at, status,
	workers, total_rounds, rounds_succeeded, rounds_failed, error_message, report_path, config`

// GetRun retrieves a single run by ID. A missing run yields (nil, nil).
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// GetRoundResults returns a run's sub-round results in execution order.
func (s *SQLiteStorage) GetRoundResults(ctx context.Context, runID string) ([]RoundRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, label, round_index, sub_round, status, error,
			succ, fail, send_rate, throughput, latency, finished_at
		FROM round_results
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rounds := []RoundRecord{}
	for rows.Next() {
		var r RoundRecord
		var status string
		var errMsg, latency sql.NullString
		var sendRate, throughput sql.NullFloat64

		err := rows.Scan(&r.RunID, &r.Seq, &r.Label, &r.RoundIndex, &r.SubRound, &status, &errMsg,
			&r.Succ, &r.Fail, &sendRate, &throughput, &latency, &r.FinishedAt)
		if err != nil {
			return nil, err
		}
		r.Status = types.RoundStatus(status)
		r.Error = errMsg.String
		if sendRate.Valid {
			r.SendRate = &sendRate.Float64
		}
		if throughput.Valid {
			r.Throughput = &throughput.Float64
		}
		if latency.Valid && latency.String != "" {
			r.Latency = &types.LatencySummary{}
			unmarshalJSON(latency.String, r.Latency, "latency", runID)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// DeleteRun deletes a run and its round results.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var status string
	var completedAt sql.NullTime
	var description, errorMsg, reportPath, config sql.NullString

	err := row.Scan(&run.ID, &run.Benchmark, &description, &run.Backend, &run.StartedAt, &completedAt, &status,
		&run.Workers, &run.TotalRounds, &run.RoundsSucceeded, &run.RoundsFailed, &errorMsg, &reportPath, &config)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Description = description.String
	run.ErrorMessage = errorMsg.String
	run.ReportPath = reportPath.String
	run.Config = config.String
	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
