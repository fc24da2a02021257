package ratecontrol

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/chainbench/pkg/types"
)

type fakeState struct {
	start     time.Time
	sent      atomic.Int64
	completed atomic.Int64
}

var _ State = (*fakeState)(nil)

func newFakeState(start time.Time, sent, completed int) *fakeState {
	s := &fakeState{start: start}
	s.sent.Store(int64(sent))
	s.completed.Store(int64(completed))
	return s
}

func (s *fakeState) Start() time.Time { return s.start }
func (s *fakeState) Sent() int        { return int(s.sent.Load()) }
func (s *fakeState) Completed() int   { return int(s.completed.Load()) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	want := []string{"fixed-backlog", "fixed-rate", "linear-rate", "spike-rate", "token-bucket"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	_, err := r.New(types.RateControlSpec{Type: "bogus"}, Params{})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}

	c, err := r.New(types.DefaultRateControl(), Params{Workers: 1})
	if err != nil {
		t.Fatalf("default spec: %v", err)
	}
	fr, ok := c.(*FixedRate)
	if !ok {
		t.Fatalf("default spec built %T, want *FixedRate", c)
	}
	if fr.Rate() != 1 {
		t.Errorf("default rate = %v, want 1", fr.Rate())
	}
}

func TestRegistry_InvalidOptions(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		spec types.RateControlSpec
		p    Params
	}{
		{"fixed-rate zero tps", types.RateControlSpec{Type: "fixed-rate", Opts: map[string]any{"tps": 0}}, Params{}},
		{"fixed-rate bad string", types.RateControlSpec{Type: "fixed-rate", Opts: map[string]any{"tps": "fast"}}, Params{}},
		{"linear-rate without shape", types.RateControlSpec{Type: "linear-rate", Opts: map[string]any{"startingTps": 1}}, Params{}},
		{"spike longer than interval", types.RateControlSpec{Type: "spike-rate", Opts: map[string]any{"spikeDuration": "10s", "spikeInterval": "5s"}}, Params{}},
		{"backlog below one", types.RateControlSpec{Type: "fixed-backlog", Opts: map[string]any{"unfinished_per_client": 0}}, Params{}},
		{"token-bucket negative", types.RateControlSpec{Type: "token-bucket", Opts: map[string]any{"tps": -1}}, Params{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.New(tt.spec, tt.p); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFloatOpt(t *testing.T) {
	opts := map[string]any{"i": 5, "f": 2.5, "s": "7.5", "bad": []int{1}}

	tests := []struct {
		key     string
		want    float64
		wantErr bool
	}{
		{"i", 5, false},
		{"f", 2.5, false},
		{"s", 7.5, false},
		{"missing", 42, false},
		{"bad", 0, true},
	}
	for _, tt := range tests {
		got, err := floatOpt(opts, tt.key, 42)
		if (err != nil) != tt.wantErr {
			t.Errorf("floatOpt(%s) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("floatOpt(%s) = %v, want %v", tt.key, got, tt.want)
		}
	}

	d, err := durationOpt(map[string]any{"a": "1500ms", "b": 2}, "a", 0)
	if err != nil || d != 1500*time.Millisecond {
		t.Errorf("durationOpt(a) = %v, %v", d, err)
	}
	d, err = durationOpt(map[string]any{"b": 2}, "b", 0)
	if err != nil || d != 2*time.Second {
		t.Errorf("durationOpt(b) = %v, %v", d, err)
	}
}

func TestFixedRate_Schedule(t *testing.T) {
	c, err := NewFixedRate(Params{Opts: map[string]any{"tps": 10}, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	fr := c.(*FixedRate)

	start := time.Unix(1000, 0)
	tests := []struct {
		sent int
		want time.Duration
	}{
		{0, 0},
		{1, 200 * time.Millisecond},
		{5, time.Second},
		{12, 2400 * time.Millisecond},
	}
	for _, tt := range tests {
		got := fr.Next(newFakeState(start, tt.sent, 0)).Sub(start)
		if got != tt.want {
			t.Errorf("Next(sent=%d) offset = %v, want %v", tt.sent, got, tt.want)
		}
	}
}

func TestFixedRate_WaitNeverAhead(t *testing.T) {
	c, _ := NewFixedRate(Params{Opts: map[string]any{"tps": 20}})

	// Behind schedule: proceeds immediately.
	behind := newFakeState(time.Now().Add(-time.Hour), 10, 0)
	began := time.Now()
	if err := c.Wait(context.Background(), behind); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(began); elapsed > 20*time.Millisecond {
		t.Errorf("behind schedule should not sleep, slept %v", elapsed)
	}

	// Second request at 20 tps is due 50ms after start.
	st := newFakeState(time.Now(), 1, 0)
	if err := c.Wait(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(st.Start()); elapsed < 45*time.Millisecond {
		t.Errorf("submission ran ahead of schedule: %v", elapsed)
	}
}

func TestFixedRate_WaitCancelled(t *testing.T) {
	c, _ := NewFixedRate(Params{Opts: map[string]any{"tps": 1}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx, newFakeState(time.Now(), 100, 0))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLinearRate_RateAt(t *testing.T) {
	c, err := NewLinearRate(Params{
		Opts:     map[string]any{"startingTps": 10, "finishingTps": 110},
		TxNumber: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	lr := c.(*LinearRate)

	tests := []struct {
		sent int
		want float64
	}{
		{0, 10},
		{50, 60},
		{100, 110},
		{150, 110},
	}
	for _, tt := range tests {
		got := lr.RateAt(newFakeState(time.Now(), tt.sent, 0))
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RateAt(sent=%d) = %v, want %v", tt.sent, got, tt.want)
		}
	}
}

func TestSpikeRate_RateAt(t *testing.T) {
	c, err := NewSpikeRate(Params{Opts: map[string]any{
		"baselineTps":   100,
		"spikeTps":      1000,
		"spikeDuration": "5s",
		"spikeInterval": "15s",
	}})
	if err != nil {
		t.Fatal(err)
	}
	s := c.(*SpikeRate)

	tests := []struct {
		elapsed time.Duration
		want    float64
	}{
		{0, 100},
		{9 * time.Second, 100},
		{10 * time.Second, 1000},
		{14 * time.Second, 1000},
		{16 * time.Second, 100},
		{26 * time.Second, 1000},
	}
	for _, tt := range tests {
		if got := s.RateAt(tt.elapsed); got != tt.want {
			t.Errorf("RateAt(%v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestFixedBacklog_WaitsForDrain(t *testing.T) {
	c, err := NewFixedBacklog(Params{Opts: map[string]any{"unfinished_per_client": 2}})
	if err != nil {
		t.Fatal(err)
	}

	st := newFakeState(time.Now(), 5, 1) // backlog 4
	go func() {
		time.Sleep(30 * time.Millisecond)
		st.completed.Store(4) // backlog 1
	}()

	began := time.Now()
	if err := c.Wait(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(began); elapsed < 25*time.Millisecond {
		t.Errorf("returned before backlog drained: %v", elapsed)
	}
	if Unfinished(st) >= 2 {
		t.Errorf("backlog still %d", Unfinished(st))
	}

	// Below target: no wait.
	began = time.Now()
	if err := c.Wait(context.Background(), newFakeState(time.Now(), 3, 3)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(began); elapsed > 20*time.Millisecond {
		t.Errorf("below target should not wait, waited %v", elapsed)
	}
}

func TestTokenBucket_Burst(t *testing.T) {
	c, err := NewTokenBucket(Params{Opts: map[string]any{"tps": 1, "burst": 3}})
	if err != nil {
		t.Fatal(err)
	}

	st := newFakeState(time.Now(), 0, 0)
	began := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.Wait(context.Background(), st); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(began); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 3 should be immediate, took %v", elapsed)
	}
}

func TestIntervalLimiter(t *testing.T) {
	l := newIntervalLimiter(0, time.Now)
	if l.currentRate() != 1 {
		t.Errorf("zero rate should fall back to 1, got %v", l.currentRate())
	}

	l.setRate(50) // 20ms interval
	began := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	// Permits at 0, 20ms, 40ms.
	if elapsed := time.Since(began); elapsed < 35*time.Millisecond {
		t.Errorf("three permits at 50/s took %v, want >= 40ms", elapsed)
	}
}
