package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gateway-fm/chainbench/internal/config"
	"github.com/gateway-fm/chainbench/internal/storage"
)

const simBenchmark = `
test:
  name: sim-smoke
  description: end to end against the simulator
  workers: { number: 2 }
  rounds:
    - label: transfer
      description: plain transfers
      txNumber: [8]
      rateControl: [{ type: fixed-rate, opts: { tps: 400 } }]
      workload: transfer
monitor:
  type: blocks
`

const simNetwork = `
backend: sim
info: { Version: "sim" }
command:
  start: "touch started"
  end: "touch ended"
sim: { identities: 2, latency: 1ms }
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Sim(t *testing.T) {
	dir := t.TempDir()
	bench := writeFile(t, dir, "bench.yaml", simBenchmark)
	network := writeFile(t, dir, "network.yaml", simNetwork)
	reports := filepath.Join(dir, "reports")
	if err := os.Mkdir(reports, 0o755); err != nil {
		t.Fatal(err)
	}
	db := filepath.Join(dir, "runs.db")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-config", bench,
		"-network", network,
		"-report-dir", reports,
		"-tx-dir", filepath.Join(dir, "tx"),
		"-db", db,
		"-listen", "127.0.0.1:0",
	}, func(string) string { return "" }, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d\n%s", code, stderr.String())
	}

	for _, f := range []string{"started", "ended"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("command did not run in the network root: %v", err)
		}
	}
	if !strings.Contains(stdout.String(), "all test results") {
		t.Errorf("stdout = %s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "Test summary: 1 succeeded, 0 failed") {
		t.Errorf("summary log missing:\n%s", stderr.String())
	}
	if !strings.Contains(stderr.String(), "blocks monitor needs an evm WebSocket endpoint") {
		t.Error("blocks monitor should be disabled for sim")
	}

	matches, _ := filepath.Glob(filepath.Join(reports, "report-*.md"))
	if len(matches) != 1 {
		t.Fatalf("reports = %v", matches)
	}

	store, err := storage.NewSQLiteStorage(db)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if runs.Total != 1 || runs.Runs[0].RoundsSucceeded != 1 || runs.Runs[0].Benchmark != "sim-smoke" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	bench := writeFile(t, dir, "bench.yaml", simBenchmark)
	network := writeFile(t, dir, "network.yaml", simNetwork)
	unknown := writeFile(t, dir, "unknown.yaml", "backend: fabric")
	badSim := writeFile(t, dir, "badsim.yaml", "backend: sim\nsim: { failureRate: 2 }")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no config", nil, "benchmark configuration file is required"},
		{"missing benchmark", []string{"-config", filepath.Join(dir, "nope.yaml"), "-network", network}, "failed to load benchmark config"},
		{"missing network", []string{"-config", bench, "-network", filepath.Join(dir, "nope.yaml")}, "failed to load network config"},
		{"unknown backend", []string{"-config", bench, "-network", unknown}, "unknown connector backend"},
		{"invalid backend section", []string{"-config", bench, "-network", badSim}, "failureRate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, func(string) string { return "" }, &stdout, &stderr); code != 1 {
				t.Errorf("exit = %d", code)
			}
			if !strings.Contains(stderr.String(), tt.want) {
				t.Errorf("stderr missing %q:\n%s", tt.want, stderr.String())
			}
		})
	}
}

func TestUsesTxFiles(t *testing.T) {
	b, err := config.ParseBenchmark([]byte(simBenchmark))
	if err != nil {
		t.Fatal(err)
	}
	if usesTxFiles(b) {
		t.Error("rounds without a tx mode should not need tx files")
	}
	b.Test.Rounds[0].TxMode.Type = "write"
	if !usesTxFiles(b) {
		t.Error("write mode should need tx files")
	}
	b.Test.Rounds[0].TxMode.Type = "off"
	if usesTxFiles(b) {
		t.Error("off mode should not need tx files")
	}
}
