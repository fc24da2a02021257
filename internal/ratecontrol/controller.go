// Package ratecontrol provides pluggable pacing strategies consulted by
// workers before each submission.
package ratecontrol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gateway-fm/chainbench/pkg/types"
)

// ErrUnknownType is returned for an unregistered controller name.
var ErrUnknownType = errors.New("unknown rate controller")

// State is the live view of a worker's progress in the current round.
type State interface {
	// Start is when the worker began submitting.
	Start() time.Time
	// Sent is the number of requests issued so far.
	Sent() int
	// Completed is the number of requests with a final outcome.
	Completed() int
}

// Unfinished returns the number of requests awaiting an outcome.
func Unfinished(s State) int {
	n := s.Sent() - s.Completed()
	if n < 0 {
		return 0
	}
	return n
}

// Controller decides when the next submission may proceed.
type Controller interface {
	// Wait blocks until the next request may be submitted or ctx is done.
	Wait(ctx context.Context, s State) error
	// Stop releases resources held by the controller.
	Stop()
}

// Params carries the round shape a controller may scale against.
type Params struct {
	Opts       map[string]any
	TxNumber   int
	TxDuration time.Duration
	// Workers is the number of workers sharing the configured rate.
	Workers int
}

func (p Params) workers() float64 {
	if p.Workers <= 0 {
		return 1
	}
	return float64(p.Workers)
}

// Factory builds a controller for one worker.
type Factory func(p Params) (Controller, error)

// Registry manages controller lookup by name. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with all built-in controllers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("fixed-rate", NewFixedRate)
	r.Register("linear-rate", NewLinearRate)
	r.Register("spike-rate", NewSpikeRate)
	r.Register("fixed-backlog", NewFixedBacklog)
	r.Register("token-bucket", NewTokenBucket)
	return r
}

// Register adds or replaces a controller factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the controller named by spec.
func (r *Registry) New(spec types.RateControlSpec, p Params) (Controller, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}
	p.Opts = spec.Opts
	c, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("rate controller %s: %w", spec.Type, err)
	}
	return c, nil
}

// Names returns the registered controller names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// floatOpt reads a numeric option. YAML and JSON decode numbers as int or
// float64, strings are accepted for values passed through env or flags.
func floatOpt(opts map[string]any, key string, def float64) (float64, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %s: unsupported value %v (%T)", key, v, v)
	}
}

// durationOpt reads a duration option given as a Go duration string or a
// number of seconds.
func durationOpt(opts map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	secs, err := floatOpt(opts, key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// sleepUntil blocks until t or ctx is done.
func sleepUntil(ctx context.Context, now func() time.Time, t time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
