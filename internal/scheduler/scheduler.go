// Package scheduler runs a benchmark: it expands rounds into sub-rounds,
// drives them through the worker orchestrator one at a time and records,
// reports and persists every result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/chainbench/internal/config"
	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/monitor"
	"github.com/gateway-fm/chainbench/internal/orchestrator"
	"github.com/gateway-fm/chainbench/internal/report"
	"github.com/gateway-fm/chainbench/internal/stats"
	"github.com/gateway-fm/chainbench/internal/storage"
	"github.com/gateway-fm/chainbench/pkg/types"
)

var (
	// ErrEmptyStartCommand is returned when the network start command is
	// present but blank.
	ErrEmptyStartCommand = errors.New("start command is specified but it is empty")
	// ErrUnspecifiedDrivingMode marks a round with neither txNumber nor
	// txDuration.
	ErrUnspecifiedDrivingMode = errors.New("unspecified test driving mode")
)

const (
	// DefaultCooldown separates consecutive sub-rounds.
	DefaultCooldown = 5 * time.Second
	// DefaultPrimingWait follows the priming of a round's last sub-round.
	DefaultPrimingWait = 5 * time.Second
	// PrimingTPS paces the write-mode priming sub-rounds.
	PrimingTPS = 400
)

// Orchestrator is the worker pool the scheduler drives.
type Orchestrator interface {
	Init() (int, error)
	StartRound(ctx context.Context, desc types.RoundDescriptor, args []connector.WorkerArgs, cb orchestrator.Callback, label string, factory orchestrator.ConnectorFactory) error
	Stop()
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// Metrics receives round results and run state.
type Metrics interface {
	RecordRound(s stats.RoundStatistics)
	RecordRoundFailed()
	SetRunStatus(status types.RunStatus)
}

// BenchmarkRunContext carries everything one run needs.
type BenchmarkRunContext struct {
	Benchmark    *config.Benchmark
	Network      *config.Network
	Connector    connector.Connector
	Orchestrator Orchestrator

	// Optional collaborators.
	Monitor monitor.Monitor // defaults to monitor.Nop
	Report  *report.Report  // defaults to a new report
	Store   storage.Storage
	Metrics Metrics
	Summary *RunSummary // defaults to a new summary

	RunID       string // generated when empty
	NetworkRoot string // working directory of start/end commands
	ReportDir   string
	SkipStart   bool
	SkipEnd     bool
	Percentile  bool

	Cooldown    time.Duration // defaults to DefaultCooldown
	PrimingWait time.Duration // defaults to DefaultPrimingWait

	// Out receives the console tables. Defaults to os.Stdout.
	Out    io.Writer
	Logger *slog.Logger

	// Sleep and RunCommand default to a context-aware timer and sh -c.
	Sleep      func(ctx context.Context, d time.Duration) error
	RunCommand func(ctx context.Context, dir, command string) error
	Now        func() time.Time
}

// runner holds the mutable state of one RunBenchmark call.
type runner struct {
	rc      *BenchmarkRunContext
	logger  *slog.Logger
	summary *report.Summary
	args    []connector.WorkerArgs
	round   int // global round counter
	seq     int // persisted result counter
}

// RunBenchmark executes the whole benchmark and returns the process exit
// status: 0 when the run completed, even with failed rounds, and 1 on a
// fatal error.
func RunBenchmark(ctx context.Context, rc *BenchmarkRunContext) int {
	r := newRunner(rc)
	return r.run(ctx)
}

func newRunner(rc *BenchmarkRunContext) *runner {
	if rc.Monitor == nil {
		rc.Monitor = monitor.Nop{}
	}
	if rc.Report == nil {
		rc.Report = report.New()
	}
	if rc.Summary == nil {
		rc.Summary = NewRunSummary()
	}
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.Cooldown == 0 {
		rc.Cooldown = DefaultCooldown
	}
	if rc.PrimingWait == 0 {
		rc.PrimingWait = DefaultPrimingWait
	}
	if rc.Out == nil {
		rc.Out = os.Stdout
	}
	if rc.Sleep == nil {
		rc.Sleep = sleep
	}
	if rc.RunCommand == nil {
		rc.RunCommand = runShell
	}
	if rc.Now == nil {
		rc.Now = time.Now
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &runner{
		rc:      rc,
		logger:  logger.With("run", rc.RunID),
		summary: report.NewSummary(rc.Percentile),
	}
}

func (r *runner) run(ctx context.Context) (status int) {
	rc := r.rc
	r.logger.Info("benchmark starting", "benchmark", rc.Benchmark.Test.Name, "backend", rc.Connector.Type())
	rc.Summary.begin(rc.RunID, rc.Benchmark.Test.Name, rc.Benchmark.TotalSubRounds(), rc.Now())
	r.setRunStatus(types.RunRunning)
	r.createReport()
	r.persistStart(ctx)

	var reportPath string
	defer func() {
		r.finish(ctx, status, reportPath)
	}()

	path, err := r.execute(ctx)
	reportPath = path
	if err != nil {
		r.logger.Error("benchmark failed", "error", err)
		return 1
	}
	return 0
}

// execute is the guaranteed-cleanup region of the run. Any error it
// returns is fatal.
func (r *runner) execute(ctx context.Context) (string, error) {
	rc := r.rc

	if start := rc.Network.Command.Start; start != nil {
		if strings.TrimSpace(*start) == "" {
			return "", ErrEmptyStartCommand
		}
		if rc.SkipStart {
			r.logger.Info("skipping start command")
		} else if err := r.runCommand(ctx, *start); err != nil {
			return "", fmt.Errorf("start command: %w", err)
		}
	}

	if err := rc.Connector.Init(ctx); err != nil {
		return "", fmt.Errorf("init connector: %w", err)
	}
	if err := rc.Connector.InstallSmartContract(ctx); err != nil {
		return "", fmt.Errorf("install smart contracts: %w", err)
	}
	n, err := rc.Orchestrator.Init()
	if err != nil {
		return "", fmt.Errorf("init workers: %w", err)
	}
	r.args, err = rc.Connector.PrepareWorkerArguments(ctx, n)
	if err != nil {
		return "", fmt.Errorf("prepare worker arguments: %w", err)
	}

	if err := rc.Monitor.Start(ctx); err != nil {
		r.logger.Error("could not start monitor", "error", err)
	} else {
		r.logger.Info("started monitor successfully")
	}

	rounds := rc.Benchmark.Test.Rounds
	var interrupted error
	for i, rd := range rounds {
		if err := ctx.Err(); err != nil {
			interrupted = fmt.Errorf("run interrupted before round %q: %w", rd.Label, err)
			break
		}
		r.runRound(ctx, rd, i == len(rounds)-1)
	}

	// The run context may be cancelled by now; wrap-up still happens.
	finalCtx := context.WithoutCancel(ctx)
	r.logger.Info("finished test")

	sum := r.summary.Table()
	if r.summary.Len() > 0 {
		r.printTable("all test results", sum)
	}
	rc.Report.SetSummary(sum)
	for _, t := range rc.Monitor.MaxStats() {
		r.printTable(t.Title, report.FromMonitor(t))
	}
	if err := rc.Monitor.Stop(finalCtx); err != nil {
		r.logger.Error("could not stop monitor", "error", err)
	}

	path, err := rc.Report.Generate(rc.ReportDir, rc.Now())
	if err != nil {
		return "", err
	}
	r.logger.Info("generated report", "path", path)

	rc.Orchestrator.Stop()
	return path, interrupted
}

// runRound expands one configured round into sub-rounds and runs them.
func (r *runner) runRound(ctx context.Context, rd config.RoundConfig, final bool) {
	logger := r.logger.With("label", rd.Label)
	logger.Info("testing round")

	if rd.SubRounds() == 0 {
		logger.Error("round failed", "error", ErrUnspecifiedDrivingMode)
		r.record(ctx, RoundResult{
			Label:  rd.Label,
			Status: types.RoundFailed,
			Err:    fmt.Errorf("round %q: %w", rd.Label, ErrUnspecifiedDrivingMode),
			Stats:  stats.Null(rd.Label),
		})
		return
	}

	descs := r.prepare(ctx, rd, logger)

	for i, desc := range descs {
		r.round++
		desc.RoundIndex = r.round
		r.rc.Summary.enter(desc.Label, desc.RoundIndex)
		logger.Info("test round", "round", desc.RoundIndex, "subRound", desc.SubRound+1, "of", desc.SubRounds)

		last := final && i == len(descs)-1
		st, err := r.executeSubRound(ctx, desc, last)
		res := RoundResult{
			Label:      desc.Label,
			RoundIndex: desc.RoundIndex,
			SubRound:   desc.SubRound,
			Stats:      st,
		}
		if err != nil {
			res.Status, res.Err = types.RoundFailed, err
			logger.Error("round failed", "round", desc.RoundIndex, "error", err)
		} else {
			res.Status = types.RoundSucceeded
			logger.Info("round passed", "round", desc.RoundIndex)
		}
		r.record(ctx, res)
	}
}

// prepare builds the sub-round descriptors and primes transaction files
// for write-mode rounds.
func (r *runner) prepare(ctx context.Context, rd config.RoundConfig, logger *slog.Logger) []types.RoundDescriptor {
	mode, _ := types.ParseTxFileMode(rd.TxMode.Type) // validated on load
	byCount := len(rd.TxNumber) > 0
	if !byCount && mode != types.TxFileOff {
		logger.Warn("tx file mode needs txNumber; ignoring it", "mode", mode)
		mode = types.TxFileOff
	}

	if s, ok := r.rc.Connector.(connector.Signer); ok && mode == types.TxFileWrite {
		s.ResetSigning()
	}

	n := rd.SubRounds()
	descs := make([]types.RoundDescriptor, 0, n)
	for i := 0; i < n; i++ {
		desc := types.RoundDescriptor{
			Label:       rd.Label,
			SubRound:    i,
			SubRounds:   n,
			RateControl: types.DefaultRateControl(),
			Trim:        rd.Trim,
			Workload:    rd.Workload,
			Arguments:   rd.Arguments,
			TxMode:      types.TxFileOff,
		}
		if i < len(rd.RateControl) && rd.RateControl[i].Type != "" {
			desc.RateControl = rd.RateControl[i]
		}
		if !byCount {
			desc.TxDuration = time.Duration(rd.TxDuration[i] * float64(time.Second))
			descs = append(descs, desc)
			continue
		}
		desc.TxNumber = rd.TxNumber[i]

		switch mode {
		case types.TxFileWrite:
			if err := r.prime(ctx, desc); err != nil {
				logger.Error("prepare (file-write) failed; file mode disabled for the round", "subRound", i+1, "error", err)
				mode = types.TxFileOff
				break
			}
			desc.TxMode = types.TxFileRead
			if i == n-1 {
				logger.Info("prepare (file-write) success, waiting", "wait", r.rc.PrimingWait)
				if err := r.rc.Sleep(ctx, r.rc.PrimingWait); err != nil {
					logger.Warn("priming wait interrupted", "error", err)
				}
			}
		case types.TxFileRead:
			desc.TxMode = types.TxFileRead
		}
		descs = append(descs, desc)
	}
	return descs
}

// prime runs desc at a fixed rate in write mode, discarding the outcomes.
func (r *runner) prime(ctx context.Context, desc types.RoundDescriptor) error {
	p := desc
	p.RoundIndex = r.round + 1 + desc.SubRound
	p.TxMode = types.TxFileWrite
	p.RateControl = types.RateControlSpec{Type: "fixed-rate", Opts: map[string]any{"tps": PrimingTPS}}
	noop := func(context.Context, []types.TxOutcome, string) error { return nil }
	return r.rc.Orchestrator.StartRound(ctx, p, r.args, noop, p.Label, r.factory)
}

func (r *runner) factory(int) (connector.Connector, error) {
	return r.rc.Connector, nil
}

// executeSubRound runs one sub-round and, unless it is the very last one,
// the cooldown that follows it.
func (r *runner) executeSubRound(ctx context.Context, desc types.RoundDescriptor, last bool) (stats.RoundStatistics, error) {
	result := stats.Null(desc.Label)
	cb := func(_ context.Context, outcomes []types.TxOutcome, label string) error {
		result = r.processResult(outcomes, label)
		return nil
	}
	if err := r.rc.Orchestrator.StartRound(ctx, desc, r.args, cb, desc.Label, r.factory); err != nil {
		return result, err
	}

	if last {
		return result, nil
	}
	r.logger.Info("waiting for the next round", "cooldown", r.rc.Cooldown)
	if err := r.rc.Sleep(ctx, r.rc.Cooldown); err != nil {
		return result, fmt.Errorf("cooldown: %w", err)
	}
	if err := r.rc.Monitor.Restart(ctx); err != nil {
		return result, fmt.Errorf("restart monitor: %w", err)
	}
	return result, nil
}

// processResult merges the outcomes of a sub-round, prints its tables and
// adds them to the report.
func (r *runner) processResult(outcomes []types.TxOutcome, label string) stats.RoundStatistics {
	s := stats.Merge(outcomes, stats.Options{KeepDetail: r.rc.Percentile})
	s.Label = label

	perf := report.ResultTable(s, r.rc.Percentile)
	r.summary.Add(s)
	r.printTable("test result", perf)
	idx := r.rc.Report.AddRound(label, perf)

	for _, t := range r.rc.Monitor.Stats() {
		tbl := report.FromMonitor(t)
		r.printTable("resource stats: "+t.Title, tbl)
		r.rc.Report.SetRoundResources(label, idx, t.Title, tbl)
	}
	return s
}

func (r *runner) printTable(title string, t report.Table) {
	fmt.Fprintf(r.rc.Out, "### %s ###\n%s\n", title, report.Render(t))
}

// record stores a sub-round result in the summary, the metrics and the
// run history.
func (r *runner) record(ctx context.Context, res RoundResult) {
	res.FinishedAt = r.rc.Now()
	r.rc.Summary.record(res)

	if m := r.rc.Metrics; m != nil {
		if res.Status == types.RoundSucceeded {
			m.RecordRound(res.Stats)
		} else {
			m.RecordRoundFailed()
		}
	}

	if r.rc.Store == nil {
		return
	}
	r.seq++
	rec := &storage.RoundRecord{
		RunID:      r.rc.RunID,
		Seq:        r.seq,
		Label:      res.Label,
		RoundIndex: res.RoundIndex,
		SubRound:   res.SubRound,
		Status:     res.Status,
		Succ:       res.Stats.Succ,
		Fail:       res.Stats.Fail,
		Latency:    res.Stats.Latency(),
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if v := res.Stats.SendRate(); !v.NA {
		rec.SendRate = &v.Value
	}
	if v := res.Stats.Throughput(); !v.NA {
		rec.Throughput = &v.Value
	}
	if err := r.rc.Store.AddRoundResult(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("failed to persist round result", "round", res.RoundIndex, "error", err)
	}
}

func (r *runner) createReport() {
	rc := r.rc
	rep := rc.Report
	rep.AddMetadata("DLT", rc.Connector.Type())
	rep.AddMetadata("Benchmark", orBlank(rc.Benchmark.Test.Name))
	rep.AddMetadata("Description", orBlank(rc.Benchmark.Test.Description))
	rep.AddMetadata("Test Rounds", rc.Benchmark.TotalSubRounds())
	rep.AddMetadata("Run ID", rc.RunID)
	rep.SetBenchmarkInfo(rc.Benchmark.Dump())
	rep.SetSUTInfo(rc.Network.Info)
	for _, rd := range rc.Benchmark.Test.Rounds {
		rep.AddLabelDescription(rd.Label, rd.Description)
	}
}

func orBlank(s string) string {
	if s == "" {
		return " "
	}
	return s
}

func (r *runner) persistStart(ctx context.Context) {
	rc := r.rc
	if rc.Store == nil {
		return
	}
	run := &storage.Run{
		ID:          rc.RunID,
		Benchmark:   rc.Benchmark.Test.Name,
		Description: rc.Benchmark.Test.Description,
		Backend:     rc.Connector.Type(),
		StartedAt:   rc.Now(),
		Status:      types.RunRunning,
		Workers:     rc.Benchmark.Test.Workers.Number,
		TotalRounds: rc.Benchmark.TotalSubRounds(),
		Config:      rc.Benchmark.Dump(),
	}
	if err := rc.Store.CreateRun(ctx, run); err != nil {
		r.logger.Error("failed to persist run", "error", err)
	}
}

// finish runs the end command, logs the boxed summary and records the
// final run state. It runs whatever happened before.
func (r *runner) finish(ctx context.Context, status int, reportPath string) {
	rc := r.rc
	ctx = context.WithoutCancel(ctx)

	if end := rc.Network.Command.End; end != nil {
		switch {
		case strings.TrimSpace(*end) == "":
			r.logger.Error("end command is specified but it is empty")
		case rc.SkipEnd:
			r.logger.Info("skipping end command")
		default:
			if err := r.runCommand(ctx, *end); err != nil {
				r.logger.Error("end command failed", "error", err)
			}
		}
	}

	succeeded, failed := rc.Summary.Succeeded(), rc.Summary.Failed()
	line := fmt.Sprintf("# Test summary: %d succeeded, %d failed #", succeeded, failed)
	border := strings.Repeat("#", len(line))
	r.logger.Info("\n\n" + border + "\n" + line + "\n" + border + "\n")

	runStatus := types.RunCompleted
	var errMsg string
	if status != 0 {
		runStatus = types.RunFailed
		errMsg = "benchmark aborted; see logs"
	}
	rc.Summary.finish(runStatus)
	r.setRunStatus(runStatus)

	if rc.Store == nil {
		return
	}
	err := rc.Store.CompleteRun(ctx, rc.RunID, &storage.RunCompletion{
		Status:          runStatus,
		RoundsSucceeded: succeeded,
		RoundsFailed:    failed,
		ErrorMessage:    errMsg,
		ReportPath:      reportPath,
	})
	if err != nil {
		r.logger.Error("failed to persist run completion", "error", err)
	}
}

func (r *runner) setRunStatus(s types.RunStatus) {
	if r.rc.Metrics != nil {
		r.rc.Metrics.SetRunStatus(s)
	}
}

func (r *runner) runCommand(ctx context.Context, command string) error {
	r.logger.Info("executing command", "command", command, "dir", r.rc.NetworkRoot)
	if err := r.rc.RunCommand(ctx, r.rc.NetworkRoot, command); err != nil {
		r.logger.Error("unsuccessful command execution", "command", command, "error", err)
		return err
	}
	return nil
}
