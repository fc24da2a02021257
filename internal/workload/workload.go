// Package workload generates the requests a worker submits during a round.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gateway-fm/chainbench/internal/connector"
)

// ErrUnknownWorkload is returned for an unregistered workload name.
var ErrUnknownWorkload = errors.New("unknown workload")

// Params describes the worker a generator runs in.
type Params struct {
	WorkerIndex int
	Workers     int
	RoundIndex  int
	// Args are the round's workload arguments.
	Args map[string]any
	// WorkerArgs are the connector-provided arguments of this worker.
	WorkerArgs connector.WorkerArgs
}

// Generator produces requests for one worker and one round.
type Generator interface {
	Init(ctx context.Context, p Params) error
	// Next returns the next request. It is called once per submission.
	Next(ctx context.Context) (connector.Request, error)
	End() error
}

// Factory creates a fresh generator.
type Factory func() Generator

// Registry maps workload names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in workloads.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("transfer", func() Generator { return &transfer{target: "eth.transfer"} })
	r.Register("erc20-transfer", func() Generator { return &transfer{target: "erc20.transfer"} })
	r.Register("transfer-signed", func() Generator { return &signedTransfer{} })
	return r
}

// Register adds or replaces a workload.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates the generator called name.
func (r *Registry) New(name string) (Generator, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownWorkload, name, r.Names())
	}
	return f(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered workload names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
