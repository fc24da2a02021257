// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the benchmark process configuration.
type Config struct {
	BenchmarkFile string // benchmark YAML (rounds, workers, monitors)
	NetworkFile   string // network YAML (backend, commands, connector sections)
	NetworkRoot   string // working directory for start/end commands
	ReportDir     string // where report-*.md is written
	TxDir         string // where write/read-mode transaction files live
	DatabasePath  string // SQLite run history; empty disables it
	ListenAddr    string // HTTP status API; empty disables it
	LogLevel      string
	MaxInFlight   int  // outstanding requests per worker
	Percentile    bool // report the 75th percentile latency
	SkipStart     bool // do not run the network start command
	SkipEnd       bool // do not run the network end command

	CORSAllowedOrigins string // comma-separated list, or "*" (default: "*")
}

// Defaults
const (
	DefaultReportDir          = "."
	DefaultTxDir              = "./txfiles"
	DefaultLogLevel           = "info"
	DefaultMaxInFlight        = 1
	DefaultCORSAllowedOrigins = "*"
)

// envPrefix namespaces every environment variable.
const envPrefix = "CHAINBENCH_"

// Load reads configuration from environment variables and then from args.
// Flags take precedence over environment variables. getenv defaults to
// os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(name string) string { return getenv(envPrefix + name) }

	cfg := &Config{
		ReportDir:          DefaultReportDir,
		TxDir:              DefaultTxDir,
		LogLevel:           DefaultLogLevel,
		MaxInFlight:        DefaultMaxInFlight,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
	}

	if v := env("CONFIG"); v != "" {
		cfg.BenchmarkFile = v
	}
	if v := env("NETWORK"); v != "" {
		cfg.NetworkFile = v
	}
	if v := env("NETWORK_ROOT"); v != "" {
		cfg.NetworkRoot = v
	}
	if v := env("REPORT_DIR"); v != "" {
		cfg.ReportDir = v
	}
	if v := env("TX_DIR"); v != "" {
		cfg.TxDir = v
	}
	if v := env("DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := env("LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("MAX_IN_FLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%sMAX_IN_FLIGHT: %w", envPrefix, err)
		}
		cfg.MaxInFlight = n
	}
	for name, dst := range map[string]*bool{"PERCENTILE": &cfg.Percentile, "SKIP_START": &cfg.SkipStart, "SKIP_END": &cfg.SkipEnd} {
		v := env(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
	}
	if v := env("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}

	fs := flag.NewFlagSet("chainbench", flag.ContinueOnError)
	fs.StringVar(&cfg.BenchmarkFile, "config", cfg.BenchmarkFile, "Benchmark configuration file")
	fs.StringVar(&cfg.NetworkFile, "network", cfg.NetworkFile, "Network configuration file")
	fs.StringVar(&cfg.NetworkRoot, "network-root", cfg.NetworkRoot, "Directory start/end commands run in (default: the network file's directory)")
	fs.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "Directory for the markdown report")
	fs.StringVar(&cfg.TxDir, "tx-dir", cfg.TxDir, "Directory for pre-generated transaction files")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite run history path (empty disables)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP status API listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "Outstanding requests per worker")
	fs.BoolVar(&cfg.Percentile, "percentile", cfg.Percentile, "Report the 75th percentile latency")
	fs.BoolVar(&cfg.SkipStart, "skip-start", cfg.SkipStart, "Skip the network start command")
	fs.BoolVar(&cfg.SkipEnd, "skip-end", cfg.SkipEnd, "Skip the network end command")
	fs.StringVar(&cfg.CORSAllowedOrigins, "cors", cfg.CORSAllowedOrigins, "Allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.NetworkRoot == "" && cfg.NetworkFile != "" {
		cfg.NetworkRoot = filepath.Dir(cfg.NetworkFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BenchmarkFile == "" {
		return errors.New("benchmark configuration file is required (-config)")
	}
	if c.NetworkFile == "" {
		return errors.New("network configuration file is required (-network)")
	}
	if c.MaxInFlight <= 0 {
		return errors.New("max in flight must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
