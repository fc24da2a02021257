// Package orchestrator owns the worker pool. It fans a sub-round out to
// every worker and joins their outcomes into a single callback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/ratecontrol"
	"github.com/gateway-fm/chainbench/internal/txfile"
	"github.com/gateway-fm/chainbench/internal/worker"
	"github.com/gateway-fm/chainbench/internal/workload"
	"github.com/gateway-fm/chainbench/pkg/types"
)

var (
	// ErrNotInitialized is returned by StartRound before Init or after Stop.
	ErrNotInitialized = errors.New("orchestrator not initialized")
	// ErrNoWorkerStarted is returned when every worker failed to prepare.
	ErrNoWorkerStarted = errors.New("no worker could start")
)

// Callback receives the merged outcomes of all workers of a sub-round.
type Callback func(ctx context.Context, outcomes []types.TxOutcome, label string) error

// ConnectorFactory returns the connector a worker submits through. It may
// return the same instance for every worker.
type ConnectorFactory func(workerIndex int) (connector.Connector, error)

// Config configures the pool.
type Config struct {
	// Workers is the pool size. Defaults to 1.
	Workers int
	// MaxInFlight bounds each worker's outstanding requests. Defaults to 1.
	MaxInFlight int

	Workloads    *workload.Registry
	RateControls *ratecontrol.Registry
	TxFiles      *txfile.Store
	// Observer, if set, sees every submission besides the built-in
	// progress counters.
	Observer worker.Observer
	Logger   *slog.Logger
}

// RoundProgress is a live snapshot of the active sub-round.
type RoundProgress struct {
	Active     bool
	Label      string
	RoundIndex int
	Workers    int
	Submitted  int64
	Succeeded  int64
	Failed     int64
	InFlight   int64
}

// Orchestrator runs sub-rounds on a local goroutine pool.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	stopped     bool

	progressMu sync.RWMutex
	active     bool
	label      string
	roundIndex int
	submitted  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
}

// New creates an orchestrator. Nil registries get the built-ins.
func New(cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Workloads == nil {
		cfg.Workloads = workload.NewRegistry()
	}
	if cfg.RateControls == nil {
		cfg.RateControls = ratecontrol.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Init readies the pool and returns its size.
func (o *Orchestrator) Init() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return 0, fmt.Errorf("init after stop: %w", ErrNotInitialized)
	}
	o.initialized = true
	o.logger.Info("worker pool ready", "workers", o.cfg.Workers, "maxInFlight", o.cfg.MaxInFlight)
	return o.cfg.Workers, nil
}

// Stop tears the pool down. StartRound fails afterwards.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	o.logger.Debug("worker pool stopped")
}

func (o *Orchestrator) ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized && !o.stopped
}

// StartRound runs desc on every worker and returns after all of them have
// finished and cb has been invoked with their merged outcomes.
//
// It fails without invoking cb when the round cannot start: the pool is not
// ready, desc is invalid, args has fewer entries than workers, or no worker
// could prepare. A worker failing mid-round contributes the outcomes it
// produced. An error from cb is returned.
func (o *Orchestrator) StartRound(ctx context.Context, desc types.RoundDescriptor, args []connector.WorkerArgs, cb Callback, label string, factory ConnectorFactory) error {
	if !o.ready() {
		return ErrNotInitialized
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	n := o.cfg.Workers
	if len(args) < n {
		return fmt.Errorf("%d worker arguments for %d workers: %w", len(args), n, connector.ErrNotEnoughIdentities)
	}
	logger := o.logger.With("round", desc.RoundIndex, "label", label)

	workers := make([]*worker.Worker, n)
	prepErrs := make([]error, n)
	var prep errgroup.Group
	for i := 0; i < n; i++ {
		prep.Go(func() error {
			conn, err := factory(i)
			if err != nil {
				prepErrs[i] = fmt.Errorf("worker %d connector: %w", i, err)
				return prepErrs[i]
			}
			w := worker.New(i, n, desc, args[i], worker.Deps{
				Connector:    conn,
				Workloads:    o.cfg.Workloads,
				RateControls: o.cfg.RateControls,
				TxFiles:      o.cfg.TxFiles,
			}, worker.Options{
				MaxInFlight: o.cfg.MaxInFlight,
				Observer:    o,
				Logger:      o.logger,
			})
			if err := w.Prepare(ctx); err != nil {
				prepErrs[i] = fmt.Errorf("worker %d start: %w", i, err)
				return prepErrs[i]
			}
			workers[i] = w
			return nil
		})
	}
	// Every worker is awaited; an error only means some did not start.
	if err := prep.Wait(); err != nil {
		logger.Error("workers failed to start", "error", errors.Join(prepErrs...))
	}

	started := 0
	for _, w := range workers {
		if w != nil {
			started++
		}
	}
	if started == 0 {
		return fmt.Errorf("round %q: %w", label, ErrNoWorkerStarted)
	}
	if started < n {
		logger.Warn("round running with fewer workers", "started", started, "workers", n)
	}

	o.beginRound(label, desc.RoundIndex)
	defer o.endRound()

	results := make([][]types.TxOutcome, n)
	runErrs := make([]error, n)
	var run errgroup.Group
	for i, w := range workers {
		if w == nil {
			continue
		}
		run.Go(func() error {
			defer w.Close(context.WithoutCancel(ctx))
			out, err := w.Run(ctx)
			results[i] = out
			if err != nil {
				runErrs[i] = fmt.Errorf("worker %d after %d outcomes: %w", i, len(out), err)
			}
			return runErrs[i]
		})
	}
	// A failed worker still contributes the outcomes it produced.
	if err := run.Wait(); err != nil {
		logger.Error("workers failed", "error", errors.Join(runErrs...))
	}

	var merged []types.TxOutcome
	for _, r := range results {
		merged = append(merged, r...)
	}
	logger.Info("round joined", "workers", started, "outcomes", len(merged))

	if err := cb(ctx, merged, label); err != nil {
		return fmt.Errorf("round %q result callback: %w", label, err)
	}
	return nil
}

func (o *Orchestrator) beginRound(label string, roundIndex int) {
	o.progressMu.Lock()
	o.active, o.label, o.roundIndex = true, label, roundIndex
	o.progressMu.Unlock()
	o.submitted.Store(0)
	o.succeeded.Store(0)
	o.failed.Store(0)
}

func (o *Orchestrator) endRound() {
	o.progressMu.Lock()
	o.active = false
	o.progressMu.Unlock()
}

// Submitted implements worker.Observer.
func (o *Orchestrator) Submitted() {
	o.submitted.Add(1)
	if o.cfg.Observer != nil {
		o.cfg.Observer.Submitted()
	}
}

// Finished implements worker.Observer.
func (o *Orchestrator) Finished(out types.TxOutcome) {
	if out.IsSuccess() {
		o.succeeded.Add(1)
	} else {
		o.failed.Add(1)
	}
	if o.cfg.Observer != nil {
		o.cfg.Observer.Finished(out)
	}
}

// Progress returns a snapshot of the active or last sub-round.
func (o *Orchestrator) Progress() RoundProgress {
	o.progressMu.RLock()
	p := RoundProgress{Active: o.active, Label: o.label, RoundIndex: o.roundIndex, Workers: o.cfg.Workers}
	o.progressMu.RUnlock()
	p.Submitted = o.submitted.Load()
	p.Succeeded = o.succeeded.Load()
	p.Failed = o.failed.Load()
	p.InFlight = p.Submitted - p.Succeeded - p.Failed
	if p.InFlight < 0 {
		p.InFlight = 0
	}
	return p
}
