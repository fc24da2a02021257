package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/connector/sim"
	"github.com/gateway-fm/chainbench/internal/ratecontrol"
	"github.com/gateway-fm/chainbench/internal/txfile"
	"github.com/gateway-fm/chainbench/internal/workload"
	"github.com/gateway-fm/chainbench/pkg/types"
)

type fakeSession struct{ id string }

func (s *fakeSession) Identity() string { return s.id }

// fakeConn succeeds every request after delay and tracks concurrency.
type fakeConn struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
	targets  []string
	opened   int
	released int
}

var _ connector.Connector = (*fakeConn)(nil)

func (f *fakeConn) Type() string                               { return "fake" }
func (f *fakeConn) Init(context.Context) error                 { return nil }
func (f *fakeConn) InstallSmartContract(context.Context) error { return nil }
func (f *fakeConn) PrepareWorkerArguments(_ context.Context, n int) ([]connector.WorkerArgs, error) {
	return make([]connector.WorkerArgs, n), nil
}

func (f *fakeConn) GetContext(context.Context, int, connector.WorkerArgs) (connector.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{id: fmt.Sprintf("s%d", f.opened)}, nil
}

func (f *fakeConn) ReleaseContext(context.Context, connector.Context) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeConn) SendSingleRequest(ctx context.Context, _ connector.Context, req connector.Request) types.TxOutcome {
	out := types.NewTxOutcome()
	connector.MarkReserved(ctx)

	f.mu.Lock()
	f.targets = append(f.targets, req.Target)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	out.Succeed(req.Target)
	return out
}

type countingObserver struct {
	submitted atomic.Int64
	finished  atomic.Int64
}

func (o *countingObserver) Submitted()               { o.submitted.Add(1) }
func (o *countingObserver) Finished(types.TxOutcome) { o.finished.Add(1) }

func descriptor(n int) types.RoundDescriptor {
	return types.RoundDescriptor{
		Label:       "test",
		RoundIndex:  1,
		TxNumber:    n,
		RateControl: types.RateControlSpec{Type: "fixed-rate", Opts: map[string]any{"tps": 10000}},
		Workload:    "transfer",
		TxMode:      types.TxFileOff,
	}
}

func runWorker(t *testing.T, w *Worker) []types.TxOutcome {
	t.Helper()
	if err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	defer w.Close(context.Background())
	out, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return out
}

func deps(c connector.Connector) Deps {
	return Deps{Connector: c, Workloads: workload.NewRegistry(), RateControls: ratecontrol.NewRegistry()}
}

func TestShare(t *testing.T) {
	tests := []struct{ total, workers, index, want int }{
		{10, 3, 0, 4},
		{10, 3, 1, 3},
		{10, 3, 2, 3},
		{2, 4, 3, 0},
		{7, 0, 0, 7},
	}
	for _, tt := range tests {
		if got := Share(tt.total, tt.workers, tt.index); got != tt.want {
			t.Errorf("Share(%d, %d, %d) = %d, want %d", tt.total, tt.workers, tt.index, got, tt.want)
		}
	}
}

func TestTrim_ByCount(t *testing.T) {
	outs := make([]types.TxOutcome, 6)
	for i := range outs {
		outs[i].ID = fmt.Sprint(i)
	}
	desc := descriptor(6)

	desc.Trim = 0
	if got := Trim(outs, desc, time.Time{}, time.Time{}); len(got) != 6 {
		t.Errorf("trim 0 kept %d", len(got))
	}
	desc.Trim = 2
	got := Trim(outs, desc, time.Time{}, time.Time{})
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Errorf("trim 2 kept %+v", got)
	}
	desc.Trim = 3
	if got := Trim(outs, desc, time.Time{}, time.Time{}); len(got) != 0 {
		t.Errorf("trim 3 kept %d", len(got))
	}
}

func TestTrim_ByDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Second)
	var outs []types.TxOutcome
	for s := 0; s < 10; s++ {
		outs = append(outs, types.TxOutcome{ID: fmt.Sprint(s), TimeCreate: start.Add(time.Duration(s)*time.Second + 500*time.Millisecond)})
	}
	desc := types.RoundDescriptor{TxDuration: 10 * time.Second, Trim: 2}

	got := Trim(outs, desc, start, end)
	if len(got) != 6 || got[0].ID != "2" || got[5].ID != "7" {
		t.Errorf("kept %+v", got)
	}
}

func TestRun_ByCount(t *testing.T) {
	fc := &fakeConn{}
	obs := &countingObserver{}
	w := New(0, 1, descriptor(5), nil, deps(fc), Options{Observer: obs})

	out := runWorker(t, w)
	if len(out) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(out))
	}
	for i, o := range out {
		if !o.IsSuccess() || o.ID != "eth.transfer" {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	if obs.submitted.Load() != 5 || obs.finished.Load() != 5 {
		t.Errorf("observer saw %d/%d", obs.submitted.Load(), obs.finished.Load())
	}
	if fc.opened != 1 || fc.released != 1 {
		t.Errorf("contexts opened %d released %d", fc.opened, fc.released)
	}
}

func TestRun_CountSharedAmongWorkers(t *testing.T) {
	fc := &fakeConn{}
	total := 0
	for i := 0; i < 3; i++ {
		total += len(runWorker(t, New(i, 3, descriptor(10), nil, deps(fc), Options{})))
	}
	if total != 10 {
		t.Errorf("workers sent %d in total, want 10", total)
	}
}

func TestRun_ByDuration(t *testing.T) {
	desc := descriptor(0)
	desc.TxDuration = 100 * time.Millisecond
	desc.RateControl.Opts["tps"] = 100

	started := time.Now()
	out := runWorker(t, New(0, 1, desc, nil, deps(&fakeConn{}), Options{}))
	elapsed := time.Since(started)

	if len(out) < 2 || len(out) > 12 {
		t.Errorf("got %d outcomes in 100ms at 100 tps", len(out))
	}
	if elapsed > 2*time.Second {
		t.Errorf("round overran: %v", elapsed)
	}
}

func TestRun_ByDurationStopsAfterLongWait(t *testing.T) {
	desc := descriptor(0)
	desc.TxDuration = 100 * time.Millisecond
	desc.RateControl.Opts["tps"] = 4 // the second send is due at 250ms

	conn := &fakeConn{}
	started := time.Now()
	out := runWorker(t, New(0, 1, desc, nil, deps(conn), Options{}))

	if len(out) != 1 {
		t.Errorf("got %d outcomes, want 1", len(out))
	}
	for _, o := range out {
		if o.TimeCreate.Sub(started) > desc.TxDuration {
			t.Errorf("submission created %v after start, past the %v duration", o.TimeCreate.Sub(started), desc.TxDuration)
		}
	}
}

func TestRun_MaxInFlight(t *testing.T) {
	tests := []struct {
		name     string
		inFlight int
		wantPeak func(int) bool
	}{
		{"sequential by default", 0, func(p int) bool { return p == 1 }},
		{"bounded", 3, func(p int) bool { return p >= 2 && p <= 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConn{delay: 20 * time.Millisecond}
			out := runWorker(t, New(0, 1, descriptor(9), nil, deps(fc), Options{MaxInFlight: tt.inFlight}))
			if len(out) != 9 {
				t.Errorf("got %d outcomes", len(out))
			}
			if !tt.wantPeak(fc.peak) {
				t.Errorf("peak in flight = %d", fc.peak)
			}
		})
	}
}

type brokenWorkload struct{}

func (brokenWorkload) Init(context.Context, workload.Params) error { return nil }
func (brokenWorkload) Next(context.Context) (connector.Request, error) {
	return connector.Request{}, errors.New("out of fixtures")
}
func (brokenWorkload) End() error { return nil }

func TestRun_GeneratorErrorsBecomeFailures(t *testing.T) {
	d := deps(&fakeConn{})
	d.Workloads.Register("broken", func() workload.Generator { return brokenWorkload{} })
	desc := descriptor(3)
	desc.Workload = "broken"

	out := runWorker(t, New(0, 1, desc, nil, d, Options{}))
	if len(out) != 3 {
		t.Fatalf("got %d outcomes", len(out))
	}
	for _, o := range out {
		if o.IsSuccess() || !strings.Contains(o.ErrMsg, "out of fixtures") {
			t.Errorf("outcome = %+v", o)
		}
	}
}

func TestPrepare_ReleasesOnError(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.RoundDescriptor)
	}{
		{"unknown workload", func(d *types.RoundDescriptor) { d.Workload = "nope" }},
		{"unknown rate control", func(d *types.RoundDescriptor) { d.RateControl.Type = "nope" }},
		{"read without store", func(d *types.RoundDescriptor) { d.TxMode = types.TxFileRead }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConn{}
			desc := descriptor(1)
			tt.mutate(&desc)
			w := New(0, 1, desc, nil, deps(fc), Options{})
			if err := w.Prepare(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if fc.opened != 1 || fc.released != 1 {
				t.Errorf("opened %d released %d", fc.opened, fc.released)
			}
			if _, err := w.Run(context.Background()); err == nil {
				t.Error("Run after failed Prepare should fail")
			}
		})
	}
}

func TestWriteThenReadWithSim(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Identities = 1
	cfg.Latency = time.Millisecond
	conn, err := sim.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	args, _ := conn.PrepareWorkerArguments(context.Background(), 1)
	store, err := txfile.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := deps(conn)
	d.TxFiles = store

	desc := descriptor(4)
	desc.TxMode = types.TxFileWrite
	written := runWorker(t, New(0, 1, desc, args[0], d, Options{}))
	if len(written) != 4 {
		t.Fatalf("wrote %d", len(written))
	}
	if conn.Ledger().Stats().Included != 0 {
		t.Error("write mode submitted transactions")
	}

	desc.TxMode = types.TxFileRead
	replayed := runWorker(t, New(0, 1, desc, args[0], d, Options{}))
	if len(replayed) != 4 {
		t.Fatalf("replayed %d", len(replayed))
	}
	for _, o := range replayed {
		if !o.IsSuccess() {
			t.Errorf("replay failed: %s", o.ErrMsg)
		}
	}
	if got := conn.Ledger().Stats().Included; got != 4 {
		t.Errorf("ledger included %d, want 4", got)
	}
}

func TestReadStopsAtEndOfFile(t *testing.T) {
	store, _ := txfile.NewStore(t.TempDir())
	fw, _ := store.Create("test", 0, 0)
	_ = fw.Write(connector.Request{Target: "eth.transfer"})
	_ = fw.Close()

	d := deps(&fakeConn{})
	d.TxFiles = store
	desc := descriptor(5)
	desc.TxMode = types.TxFileRead

	if got := runWorker(t, New(0, 1, desc, nil, d, Options{})); len(got) != 1 {
		t.Errorf("got %d outcomes, want 1", len(got))
	}
}
