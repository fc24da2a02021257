// Package monitor observes the system under test between rounds and reports
// per-round resource tables.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/chainbench/internal/rpc"
)

// Table is a titled set of rows for the report.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Monitor collects statistics over the current round. Restart begins a new
// baseline. Errors from Start, Restart and Stop are logged by callers and
// never abort a run.
type Monitor interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
	// Stats describes the current round.
	Stats() []Table
	// MaxStats describes the peak of every round so far.
	MaxStats() []Table
}

// Nop is a Monitor that collects nothing.
type Nop struct{}

var _ Monitor = Nop{}

func (Nop) Start(context.Context) error   { return nil }
func (Nop) Restart(context.Context) error { return nil }
func (Nop) Stop(context.Context) error    { return nil }
func (Nop) Stats() []Table                { return nil }
func (Nop) MaxStats() []Table             { return nil }

// Options are what a monitor may need.
type Options struct {
	// Heads feeds the block monitor.
	Heads rpc.HeadSource
	// OnHead, if set, sees every head the block monitor receives.
	OnHead func(rpc.Head)
	Logger *slog.Logger
}

// New builds the monitors named in kinds. No kinds yields Nop.
func New(kinds []string, opts Options) (Monitor, error) {
	var monitors []Monitor
	for _, kind := range kinds {
		switch kind {
		case "", "none":
		case "blocks":
			if opts.Heads == nil {
				return nil, errors.New("blocks monitor requires a WebSocket endpoint")
			}
			monitors = append(monitors, NewBlockMonitor(opts.Heads, opts.OnHead, opts.Logger))
		default:
			return nil, fmt.Errorf("unknown monitor type %q", kind)
		}
	}
	switch len(monitors) {
	case 0:
		return Nop{}, nil
	case 1:
		return monitors[0], nil
	default:
		return Multi(monitors), nil
	}
}

// Multi fans every call out to several monitors.
type Multi []Monitor

var _ Monitor = Multi(nil)

func (m Multi) Start(ctx context.Context) error {
	var errs []error
	for _, mon := range m {
		errs = append(errs, mon.Start(ctx))
	}
	return errors.Join(errs...)
}

func (m Multi) Restart(ctx context.Context) error {
	var errs []error
	for _, mon := range m {
		errs = append(errs, mon.Restart(ctx))
	}
	return errors.Join(errs...)
}

func (m Multi) Stop(ctx context.Context) error {
	var errs []error
	for _, mon := range m {
		errs = append(errs, mon.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (m Multi) Stats() []Table {
	var out []Table
	for _, mon := range m {
		out = append(out, mon.Stats()...)
	}
	return out
}

func (m Multi) MaxStats() []Table {
	var out []Table
	for _, mon := range m {
		out = append(out, mon.MaxStats()...)
	}
	return out
}
