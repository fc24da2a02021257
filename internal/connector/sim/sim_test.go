package sim

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/chainbench/internal/connector"
)

const recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func testConnector(t *testing.T, mutate func(*Config)) *Connector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Identities = 2
	cfg.Latency = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.InstallSmartContract(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func openSession(t *testing.T, c *Connector, worker int) *session {
	t.Helper()
	args, err := c.PrepareWorkerArguments(context.Background(), worker+1)
	if err != nil {
		t.Fatal(err)
	}
	cc, err := c.GetContext(context.Background(), 1, args[worker])
	if err != nil {
		t.Fatal(err)
	}
	return cc.(*session)
}

func TestCheckConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative identities", func(c *Config) { c.Identities = -1 }, false},
		{"missing seed", func(c *Config) { c.KeySeed = "" }, false},
		{"zero chain id", func(c *Config) { c.ChainID = 0 }, false},
		{"negative latency", func(c *Config) { c.Latency = -time.Second }, false},
		{"failure rate above one", func(c *Config) { c.FailureRate = 1.5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.CheckConfig(); (err == nil) != tt.ok {
				t.Errorf("CheckConfig() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("identities: 3\nlatency: 5ms\nfailureRate: 0.5\n"), &node); err != nil {
		t.Fatal(err)
	}
	c, err := Factory(node.Content[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	sc := c.(*Connector)
	if sc.cfg.Identities != 3 || sc.cfg.Latency != 5*time.Millisecond || sc.cfg.FailureRate != 0.5 {
		t.Errorf("decoded config = %+v", sc.cfg)
	}
	if sc.cfg.KeySeed != "chainbench-sim" {
		t.Error("defaults not kept for absent fields")
	}
}

func TestPrepareWorkerArguments(t *testing.T) {
	c := testConnector(t, nil)

	args, err := c.PrepareWorkerArguments(context.Background(), 3)
	if !errors.Is(err, connector.ErrNotEnoughIdentities) {
		t.Errorf("error = %v, want ErrNotEnoughIdentities", err)
	}
	if args != nil {
		t.Error("partial list returned")
	}

	other := testConnector(t, nil)
	a, _ := c.PrepareWorkerArguments(context.Background(), 2)
	b, _ := other.PrepareWorkerArguments(context.Background(), 2)
	for i := range a {
		if a[i]["address"] != b[i]["address"] {
			t.Errorf("worker %d identity differs between identical configs", i)
		}
	}
}

func TestSendSingleRequest_NonceDiscipline(t *testing.T) {
	tests := []struct {
		name        string
		failureRate float64
		req         connector.Request
		wantSuccess bool
		wantErr     string
		wantAdvance uint64
	}{
		{"unknown target", 0, connector.Request{Target: "nope", Args: []any{recipient, 1}}, false, "unknown target", 0},
		{"wrong arity", 0, connector.Request{Target: "eth.transfer", Args: []any{recipient, 1, 2}}, false, "expects 2 arguments", 0},
		{"bad argument", 0, connector.Request{Target: "eth.transfer", Args: []any{"not-an-address", 1}}, false, "invalid address", 0},
		{"committed", 0, connector.Request{Target: "eth.transfer", Args: []any{recipient, 1}}, true, "", 1},
		{"erc20", 0, connector.Request{Target: "erc20.transfer", Args: []any{recipient, 5}}, true, "", 1},
		{"rejected", 1, connector.Request{Target: "eth.transfer", Args: []any{recipient, 1}}, false, "rejected by simulated backend", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConnector(t, func(cfg *Config) { cfg.FailureRate = tt.failureRate })
			s := openSession(t, c, 0)
			before := s.acc.Nonce()

			out := c.SendSingleRequest(context.Background(), s, tt.req)
			if out.IsSuccess() != tt.wantSuccess {
				t.Errorf("success = %v, want %v (%s)", out.IsSuccess(), tt.wantSuccess, out.ErrMsg)
			}
			if tt.wantErr != "" && !strings.Contains(out.ErrMsg, tt.wantErr) {
				t.Errorf("ErrMsg = %q, want containing %q", out.ErrMsg, tt.wantErr)
			}
			if got := s.acc.Nonce() - before; got != tt.wantAdvance {
				t.Errorf("nonce advanced by %d, want %d", got, tt.wantAdvance)
			}
		})
	}
}

func TestSequentialRequestsAndReseed(t *testing.T) {
	c := testConnector(t, nil)
	s := openSession(t, c, 1)
	for i := 0; i < 5; i++ {
		out := c.SendSingleRequest(context.Background(), s, connector.Request{Target: "eth.transfer", Args: []any{recipient, i}})
		if !out.IsSuccess() {
			t.Fatalf("request %d: %s", i, out.ErrMsg)
		}
	}
	if got := c.Ledger().Stats().Included; got != 5 {
		t.Errorf("included = %d, want 5", got)
	}

	// A new round's context starts where the ledger left off.
	next := openSession(t, c, 1)
	if next.acc.Nonce() != 5 {
		t.Errorf("reseeded nonce = %d, want 5", next.acc.Nonce())
	}
	if next == s {
		t.Error("same context instance reused")
	}
}

func TestSignThenReplay(t *testing.T) {
	c := testConnector(t, nil)
	writer := openSession(t, c, 0)

	var signed []connector.Request
	for i := 0; i < 3; i++ {
		r, err := c.Sign(context.Background(), writer, connector.Request{Target: "eth.transfer", Args: []any{recipient, 1}})
		if err != nil {
			t.Fatal(err)
		}
		signed = append(signed, r)
	}
	if writer.acc.Nonce() != 3 {
		t.Errorf("signing nonce = %d, want 3", writer.acc.Nonce())
	}
	if _, err := c.Sign(context.Background(), writer, connector.Request{Target: "eth.transfer"}); err == nil {
		t.Error("expected arity error from Sign")
	}
	if writer.acc.Nonce() != 3 {
		t.Error("failed Sign consumed a nonce")
	}

	reader := openSession(t, c, 0)
	for i, r := range signed {
		out := c.SendSingleRequest(context.Background(), reader, r)
		if !out.IsSuccess() {
			t.Fatalf("replay %d: %s", i, out.ErrMsg)
		}
	}
	if reader.acc.Nonce() != 0 {
		t.Errorf("pre-signed replay changed nonce to %d", reader.acc.Nonce())
	}

	dup := c.SendSingleRequest(context.Background(), reader, signed[0])
	if dup.IsSuccess() || !strings.Contains(dup.ErrMsg, "nonce too low") {
		t.Errorf("duplicate replay = %+v", dup)
	}
}

func TestSign_BatchesDoNotOverlap(t *testing.T) {
	c := testConnector(t, nil)
	req := connector.Request{Target: "eth.transfer", Args: []any{recipient, 1}}

	var signed []connector.Request
	for batch := 0; batch < 2; batch++ {
		writer := openSession(t, c, 0)
		for i := 0; i < 2; i++ {
			r, err := c.Sign(context.Background(), writer, req)
			if err != nil {
				t.Fatal(err)
			}
			signed = append(signed, r)
		}
	}

	reader := openSession(t, c, 0)
	for i, r := range signed {
		if out := c.SendSingleRequest(context.Background(), reader, r); !out.IsSuccess() {
			t.Errorf("replay %d: %s", i, out.ErrMsg)
		}
	}

	c.ResetSigning()
	next := openSession(t, c, 0)
	r, err := c.Sign(context.Background(), next, req)
	if err != nil {
		t.Fatal(err)
	}
	if out := c.SendSingleRequest(context.Background(), next, r); !out.IsSuccess() {
		t.Errorf("signing after reset did not start from the ledger: %s", out.ErrMsg)
	}
}

func TestReservedHook(t *testing.T) {
	c := testConnector(t, nil)
	s := openSession(t, c, 0)

	calls := 0
	ctx := connector.WithReservedHook(context.Background(), func() { calls++ })
	c.SendSingleRequest(ctx, s, connector.Request{Target: "eth.transfer", Args: []any{recipient, 1}})
	c.SendSingleRequest(ctx, s, connector.Request{Target: "bogus"})
	if calls != 1 {
		t.Errorf("reserved hook called %d times, want 1", calls)
	}
}

func TestCancelledSend(t *testing.T) {
	c := testConnector(t, func(cfg *Config) { cfg.Latency = time.Hour })
	s := openSession(t, c, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := c.SendSingleRequest(ctx, s, connector.Request{Target: "eth.transfer", Args: []any{recipient, 1}})
	if out.IsSuccess() || s.acc.Nonce() != 1 {
		t.Errorf("cancelled send: %+v nonce %d", out, s.acc.Nonce())
	}
	if c.Ledger().Stats().Rejected != 1 {
		t.Error("cancelled send not recorded by the ledger")
	}
}

func TestLedger_Apply(t *testing.T) {
	l := NewLedger()
	if err := l.Apply("a", 2, true); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.GetNonce(context.Background(), "a"); n != 3 {
		t.Errorf("next nonce = %d, want 3", n)
	}
	if err := l.Apply("a", 0, false); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.GetNonce(context.Background(), "a"); n != 3 {
		t.Errorf("gap fill moved next nonce to %d", n)
	}
	if err := l.Apply("a", 2, true); err == nil {
		t.Error("expected duplicate nonce error")
	}
	if st := l.Stats(); st.Included != 1 || st.Rejected != 2 {
		t.Errorf("stats = %+v", st)
	}
}
