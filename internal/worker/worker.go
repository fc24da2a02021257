// Package worker runs one worker's share of a sub-round: it paces requests
// with a rate controller, submits them through a connector and collects
// their outcomes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/ratecontrol"
	"github.com/gateway-fm/chainbench/internal/txfile"
	"github.com/gateway-fm/chainbench/internal/workload"
	"github.com/gateway-fm/chainbench/pkg/types"
)

// Observer is notified of every submission and outcome, e.g. to expose live
// progress. Implementations must be safe for concurrent use.
type Observer interface {
	Submitted()
	Finished(o types.TxOutcome)
}

// Deps are the collaborators shared by all workers of a round.
type Deps struct {
	Connector    connector.Connector
	Workloads    *workload.Registry
	RateControls *ratecontrol.Registry
	// TxFiles is required for the write and read file modes.
	TxFiles *txfile.Store
}

// Options tune a worker.
type Options struct {
	// MaxInFlight bounds the requests awaiting an outcome. Defaults to 1.
	MaxInFlight int
	Observer    Observer
	Logger      *slog.Logger
}

// Worker executes one sub-round for one identity.
type Worker struct {
	index   int
	workers int
	desc    types.RoundDescriptor
	args    connector.WorkerArgs
	deps    Deps
	opts    Options
	logger  *slog.Logger

	cc         connector.Context
	gen        workload.Generator
	controller ratecontrol.Controller
	reader     *txfile.Reader
	writer     *txfile.Writer

	start     time.Time
	sent      atomic.Int64
	completed atomic.Int64
}

// New creates a worker. Prepare must succeed before Run.
func New(index, workers int, desc types.RoundDescriptor, args connector.WorkerArgs, deps Deps, opts Options) *Worker {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		index:   index,
		workers: workers,
		desc:    desc,
		args:    args,
		deps:    deps,
		opts:    opts,
		logger:  logger.With("worker", index, "round", desc.RoundIndex, "label", desc.Label),
	}
}

// Share splits total evenly among workers; the first total%workers workers
// take one extra.
func Share(total, workers, index int) int {
	if workers <= 0 {
		return total
	}
	n := total / workers
	if index < total%workers {
		n++
	}
	return n
}

// target returns this worker's request count, or 0 for duration rounds.
func (w *Worker) target() int {
	if !w.desc.ByCount() {
		return 0
	}
	return Share(w.desc.TxNumber, w.workers, w.index)
}

// Prepare opens the connector context and builds the generator, the rate
// controller and, in file modes, the transaction file. On error everything
// acquired so far is released.
func (w *Worker) Prepare(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			w.Close(ctx)
		}
	}()

	w.cc, err = w.deps.Connector.GetContext(ctx, w.desc.RoundIndex, w.args)
	if err != nil {
		return fmt.Errorf("get context: %w", err)
	}

	w.controller, err = w.deps.RateControls.New(w.desc.RateControl, ratecontrol.Params{
		TxNumber:   w.target(),
		TxDuration: w.desc.TxDuration,
		Workers:    w.workers,
	})
	if err != nil {
		return err
	}

	if w.desc.TxMode == types.TxFileRead {
		if w.deps.TxFiles == nil {
			return errors.New("read mode without a transaction file store")
		}
		w.reader, err = w.deps.TxFiles.Open(w.desc.Label, w.desc.SubRound, w.index)
		return err
	}

	w.gen, err = w.deps.Workloads.New(w.desc.Workload)
	if err != nil {
		return err
	}
	err = w.gen.Init(ctx, workload.Params{
		WorkerIndex: w.index,
		Workers:     w.workers,
		RoundIndex:  w.desc.RoundIndex,
		Args:        w.desc.Arguments,
		WorkerArgs:  w.args,
	})
	if err != nil {
		w.gen = nil
		return fmt.Errorf("init workload %s: %w", w.desc.Workload, err)
	}

	if w.desc.TxMode == types.TxFileWrite {
		if w.deps.TxFiles == nil {
			return errors.New("write mode without a transaction file store")
		}
		w.writer, err = w.deps.TxFiles.Create(w.desc.Label, w.desc.SubRound, w.index)
		return err
	}
	return nil
}

// Close releases everything Prepare acquired. Failures are logged.
func (w *Worker) Close(ctx context.Context) {
	if w.controller != nil {
		w.controller.Stop()
	}
	if w.gen != nil {
		if err := w.gen.End(); err != nil {
			w.logger.Warn("workload end failed", "error", err)
		}
	}
	if w.reader != nil {
		if err := w.reader.Close(); err != nil {
			w.logger.Warn("close tx file failed", "error", err)
		}
	}
	if w.writer != nil {
		if err := w.writer.Close(); err != nil {
			w.logger.Warn("close tx file failed", "error", err)
		}
	}
	if w.cc != nil {
		w.deps.Connector.ReleaseContext(ctx, w.cc)
		w.cc = nil
	}
}

// Start implements ratecontrol.State.
func (w *Worker) Start() time.Time { return w.start }

// Sent implements ratecontrol.State.
func (w *Worker) Sent() int { return int(w.sent.Load()) }

// Completed implements ratecontrol.State.
func (w *Worker) Completed() int { return int(w.completed.Load()) }

// Run submits requests until the count or duration target is reached and
// returns the trimmed outcomes. A returned error comes with the outcomes
// recorded before it.
func (w *Worker) Run(ctx context.Context) ([]types.TxOutcome, error) {
	if w.cc == nil {
		return nil, errors.New("worker not prepared")
	}

	var (
		mu       sync.Mutex
		outcomes []types.TxOutcome
		wg       sync.WaitGroup
		slots    = make(chan struct{}, w.opts.MaxInFlight)
		runErr   error
	)
	record := func(idx int, o types.TxOutcome) {
		mu.Lock()
		outcomes[idx] = o
		mu.Unlock()
		w.completed.Add(1)
		if w.opts.Observer != nil {
			w.opts.Observer.Finished(o)
		}
	}
	reserve := func() int {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, types.TxOutcome{})
		w.sent.Add(1)
		if w.opts.Observer != nil {
			w.opts.Observer.Submitted()
		}
		return len(outcomes) - 1
	}

	target := w.target()
	w.start = time.Now()
	w.logger.Debug("worker started", "target", target, "duration", w.desc.TxDuration, "mode", w.desc.TxMode)

loop:
	for {
		if w.desc.ByCount() {
			if w.Sent() >= target {
				break
			}
		} else if time.Since(w.start) >= w.desc.TxDuration {
			break
		}
		if ctx.Err() != nil {
			break
		}

		req, err := w.next(ctx)
		if errors.Is(err, io.EOF) {
			w.logger.Info("transaction file exhausted", "sent", w.Sent())
			break
		}
		if err := w.controller.Wait(ctx, w); err != nil {
			break
		}
		// The wait itself may have run past the round's duration.
		if !w.desc.ByCount() && time.Since(w.start) >= w.desc.TxDuration {
			break
		}
		if err != nil {
			// A request that cannot even be generated is a failed submission.
			record(reserve(), connector.Failed("generate request: %v", err))
			continue
		}

		if w.writer != nil {
			o, err := w.persist(ctx, req)
			if err != nil {
				runErr = err
				break loop
			}
			record(reserve(), o)
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		idx := reserve()
		reserved := make(chan struct{})
		var once sync.Once
		sendCtx := connector.WithReservedHook(ctx, func() { once.Do(func() { close(reserved) }) })
		finished := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			defer close(finished)
			record(idx, w.deps.Connector.SendSingleRequest(sendCtx, w.cc, req))
		}()

		// The next request may only start once this one holds its nonce.
		select {
		case <-reserved:
		case <-finished:
		}
	}
	end := time.Now()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	kept := Trim(outcomes, w.desc, w.start, end)
	w.logger.Debug("worker finished", "sent", len(outcomes), "kept", len(kept), "elapsed", end.Sub(w.start))
	return kept, runErr
}

func (w *Worker) next(ctx context.Context) (connector.Request, error) {
	if w.reader != nil {
		return w.reader.Next()
	}
	return w.gen.Next(ctx)
}

// persist signs req when the connector can and appends it to the file.
func (w *Worker) persist(ctx context.Context, req connector.Request) (types.TxOutcome, error) {
	o := types.NewTxOutcome()
	if s, ok := w.deps.Connector.(connector.Signer); ok {
		signed, err := s.Sign(ctx, w.cc, req)
		if err != nil {
			o.Fail(fmt.Sprintf("sign request: %v", err))
			return o, nil
		}
		req = signed
	}
	if err := w.writer.Write(req); err != nil {
		return o, err
	}
	o.Succeed(fmt.Sprintf("%d", w.writer.Count()-1))
	return o, nil
}

// Trim drops the measurement edges. Count-driven rounds drop the first and
// last Trim outcomes in submission order. Duration-driven rounds drop
// outcomes created within Trim seconds of the start or the end.
func Trim(outcomes []types.TxOutcome, desc types.RoundDescriptor, start, end time.Time) []types.TxOutcome {
	if desc.Trim <= 0 {
		return outcomes
	}
	if desc.ByCount() {
		if 2*desc.Trim >= len(outcomes) {
			return nil
		}
		return outcomes[desc.Trim : len(outcomes)-desc.Trim]
	}

	edge := time.Duration(desc.Trim) * time.Second
	from, to := start.Add(edge), end.Add(-edge)
	kept := make([]types.TxOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.TimeCreate.Before(from) || o.TimeCreate.After(to) {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}
