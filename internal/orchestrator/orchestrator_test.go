package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/connector/sim"
	"github.com/gateway-fm/chainbench/pkg/types"
)

func newSim(t *testing.T, identities int) (*sim.Connector, []connector.WorkerArgs) {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.Identities = identities
	cfg.Latency = time.Millisecond
	c, err := sim.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	args, err := c.PrepareWorkerArguments(context.Background(), identities)
	if err != nil {
		t.Fatal(err)
	}
	return c, args
}

func shared(c connector.Connector) ConnectorFactory {
	return func(int) (connector.Connector, error) { return c, nil }
}

func descriptor(n int) types.RoundDescriptor {
	return types.RoundDescriptor{
		Label:       "transfer",
		RoundIndex:  1,
		TxNumber:    n,
		RateControl: types.RateControlSpec{Type: "fixed-rate", Opts: map[string]any{"tps": 1000}},
		Workload:    "transfer",
		TxMode:      types.TxFileOff,
	}
}

type recorder struct {
	calls    int
	outcomes []types.TxOutcome
	label    string
	err      error
}

func (r *recorder) cb(_ context.Context, out []types.TxOutcome, label string) error {
	r.calls++
	r.outcomes = out
	r.label = label
	return r.err
}

func TestStartRound_NotInitialized(t *testing.T) {
	c, args := newSim(t, 1)
	o := New(Config{})
	rec := &recorder{}

	err := o.StartRound(context.Background(), descriptor(1), args, rec.cb, "transfer", shared(c))
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("before Init: %v", err)
	}

	if _, err := o.Init(); err != nil {
		t.Fatal(err)
	}
	o.Stop()
	err = o.StartRound(context.Background(), descriptor(1), args, rec.cb, "transfer", shared(c))
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("after Stop: %v", err)
	}
	if rec.calls != 0 {
		t.Error("callback invoked")
	}
}

func TestStartRound_Joins(t *testing.T) {
	c, args := newSim(t, 3)
	o := New(Config{Workers: 3})
	n, err := o.Init()
	if err != nil || n != 3 {
		t.Fatalf("Init() = %d, %v", n, err)
	}
	rec := &recorder{}

	if err := o.StartRound(context.Background(), descriptor(9), args, rec.cb, "transfer", shared(c)); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 1 || rec.label != "transfer" {
		t.Fatalf("callback calls %d label %q", rec.calls, rec.label)
	}
	if len(rec.outcomes) != 9 {
		t.Errorf("merged %d outcomes, want 9", len(rec.outcomes))
	}
	for _, out := range rec.outcomes {
		if !out.IsSuccess() {
			t.Errorf("outcome failed: %s", out.ErrMsg)
		}
	}

	p := o.Progress()
	if p.Active || p.Submitted != 9 || p.Succeeded != 9 || p.InFlight != 0 || p.RoundIndex != 1 {
		t.Errorf("progress = %+v", p)
	}
}

func TestStartRound_Rejects(t *testing.T) {
	c, args := newSim(t, 2)
	tests := []struct {
		name    string
		workers int
		desc    func() types.RoundDescriptor
		args    []connector.WorkerArgs
		wantErr error
	}{
		{
			name:    "invalid descriptor",
			workers: 1,
			desc:    func() types.RoundDescriptor { return descriptor(0) },
			args:    args,
		},
		{
			name:    "not enough worker arguments",
			workers: 3,
			desc:    func() types.RoundDescriptor { return descriptor(3) },
			args:    args,
			wantErr: connector.ErrNotEnoughIdentities,
		},
		{
			name:    "no worker starts",
			workers: 2,
			desc:    func() types.RoundDescriptor { d := descriptor(2); d.Workload = "missing"; return d },
			args:    args,
			wantErr: ErrNoWorkerStarted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(Config{Workers: tt.workers})
			if _, err := o.Init(); err != nil {
				t.Fatal(err)
			}
			rec := &recorder{}
			err := o.StartRound(context.Background(), tt.desc(), tt.args, rec.cb, "transfer", shared(c))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if rec.calls != 0 {
				t.Error("callback invoked for a round that never started")
			}
		})
	}
}

func TestStartRound_PartialStart(t *testing.T) {
	c, args := newSim(t, 3)
	var logs bytes.Buffer
	o := New(Config{Workers: 3, Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	if _, err := o.Init(); err != nil {
		t.Fatal(err)
	}
	factory := func(i int) (connector.Connector, error) {
		if i == 0 {
			return nil, errors.New("dial failed")
		}
		return c, nil
	}
	rec := &recorder{}
	if err := o.StartRound(context.Background(), descriptor(9), args, rec.cb, "transfer", factory); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 1 || len(rec.outcomes) != 6 {
		t.Errorf("calls %d outcomes %d, want 1 and 6", rec.calls, len(rec.outcomes))
	}
	if !strings.Contains(logs.String(), "worker 0 connector: dial failed") {
		t.Errorf("start failure not logged from the join:\n%s", logs.String())
	}
}

func TestStartRound_CallbackError(t *testing.T) {
	c, args := newSim(t, 1)
	o := New(Config{})
	if _, err := o.Init(); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("report failed")
	rec := &recorder{err: boom}
	err := o.StartRound(context.Background(), descriptor(1), args, rec.cb, "transfer", shared(c))
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped callback error", err)
	}
	if rec.calls != 1 {
		t.Errorf("callback calls = %d", rec.calls)
	}
}
