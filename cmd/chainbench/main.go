// Command chainbench runs a blockchain benchmark described by a benchmark
// and a network configuration file, prints per-round results and writes a
// markdown report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gateway-fm/chainbench/internal/config"
	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/connector/evm"
	"github.com/gateway-fm/chainbench/internal/connector/sim"
	"github.com/gateway-fm/chainbench/internal/metrics"
	"github.com/gateway-fm/chainbench/internal/monitor"
	"github.com/gateway-fm/chainbench/internal/orchestrator"
	"github.com/gateway-fm/chainbench/internal/rpc"
	"github.com/gateway-fm/chainbench/internal/scheduler"
	"github.com/gateway-fm/chainbench/internal/storage"
	"github.com/gateway-fm/chainbench/internal/transport"
	"github.com/gateway-fm/chainbench/internal/txfile"
	"github.com/gateway-fm/chainbench/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run wires the benchmark and returns the process exit status.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, getenv)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "chainbench: %v\n", err)
		return 1
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	bench, err := config.LoadBenchmark(cfg.BenchmarkFile)
	if err != nil {
		logger.Error("failed to load benchmark config", "error", err, "path", cfg.BenchmarkFile)
		return 1
	}
	network, err := config.LoadNetwork(cfg.NetworkFile)
	if err != nil {
		logger.Error("failed to load network config", "error", err, "path", cfg.NetworkFile)
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPrometheusMetrics(reg)

	backends := connector.NewRegistry()
	backends.Register(evm.Type, evm.NewFactory(evm.WithRPCObserver(m.ObserveRPC)))
	backends.Register(sim.Type, sim.Factory)

	conn, err := backends.New(network.Backend, network.BackendSection(), logger)
	if err != nil {
		logger.Error("failed to create connector", "error", err)
		return 1
	}

	heads, health, err := backendProbes(network, m, logger)
	if err != nil {
		logger.Error("invalid backend section", "error", err)
		return 1
	}

	mon, err := newMonitor(bench.Monitor.Type, heads, m, logger)
	if err != nil {
		logger.Error("failed to create monitor", "error", err)
		return 1
	}

	var txFiles *txfile.Store
	if usesTxFiles(bench) {
		if txFiles, err = txfile.NewStore(cfg.TxDir); err != nil {
			logger.Error("failed to prepare tx file directory", "error", err)
			return 1
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Workers:     bench.Test.Workers.Number,
		MaxInFlight: cfg.MaxInFlight,
		TxFiles:     txFiles,
		Observer:    m,
		Logger:      logger,
	})

	var store storage.Storage
	if cfg.DatabasePath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.DatabasePath)
			return 1
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	summary := scheduler.NewRunSummary()

	if cfg.ListenAddr != "" {
		status := transport.ProgressFunc(func() types.Progress {
			return summary.Progress(orch.Progress())
		})
		shutdown, err := serve(cfg, status, store, health, reg, logger)
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
			return 1
		}
		defer shutdown()
	}

	return scheduler.RunBenchmark(ctx, &scheduler.BenchmarkRunContext{
		Benchmark:    bench,
		Network:      network,
		Connector:    conn,
		Orchestrator: orch,
		Monitor:      mon,
		Store:        store,
		Metrics:      m,
		Summary:      summary,
		NetworkRoot:  cfg.NetworkRoot,
		ReportDir:    cfg.ReportDir,
		SkipStart:    cfg.SkipStart,
		SkipEnd:      cfg.SkipEnd,
		Percentile:   cfg.Percentile,
		Out:          stdout,
		Logger:       logger,
	})
}

// backendProbes returns the newHeads feed and the readiness probe of the
// evm backend. Other backends have neither.
func backendProbes(network *config.Network, m *metrics.PrometheusMetrics, logger *slog.Logger) (rpc.HeadSource, transport.HealthChecker, error) {
	if network.Backend != evm.Type {
		return nil, nil, nil
	}
	cfg := evm.DefaultConfig()
	if err := connector.DecodeSection(network.BackendSection(), &cfg); err != nil {
		return nil, nil, err
	}
	clientCfg := rpc.DefaultClientConfig(cfg.HTTPURL())
	clientCfg.Logger = logger
	clientCfg.Observe = m.ObserveRPC
	health := transport.RPCHealthChecker{Client: rpc.NewHTTPClient(clientCfg)}
	return &rpc.WSHeadSource{URL: cfg.URL, Logger: logger}, health, nil
}

// newMonitor builds the configured monitors. The blocks monitor is dropped
// with a warning when the backend has no newHeads feed.
func newMonitor(kinds []string, heads rpc.HeadSource, m *metrics.PrometheusMetrics, logger *slog.Logger) (monitor.Monitor, error) {
	if heads == nil && slices.Contains(kinds, "blocks") {
		logger.Warn("blocks monitor needs an evm WebSocket endpoint; disabled")
		kinds = slices.DeleteFunc(slices.Clone(kinds), func(k string) bool { return k == "blocks" })
	}
	return monitor.New(kinds, monitor.Options{
		Heads: heads,
		OnHead: func(h rpc.Head) {
			m.SetChainHead(h.Number, h.GasUsed)
		},
		Logger: logger,
	})
}

func usesTxFiles(b *config.Benchmark) bool {
	for _, r := range b.Test.Rounds {
		if mode, err := types.ParseTxFileMode(r.TxMode.Type); err == nil && mode != types.TxFileOff {
			return true
		}
	}
	return false
}

// serve starts the status API in the background. The returned function
// stops it.
func serve(cfg *config.Config, status transport.StatusProvider, store storage.Storage, health transport.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	api := transport.NewServer(status, store, health, logger, cfg.CORSAllowedOrigins).WithGatherer(reg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		api.Close()
		return nil, err
	}
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("starting HTTP server", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return func() {
		api.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("HTTP server shutdown", "error", err)
		}
	}, nil
}
