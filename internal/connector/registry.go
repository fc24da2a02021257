package connector

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownBackend is returned for an unregistered backend name.
var ErrUnknownBackend = errors.New("unknown connector backend")

// Factory builds a connector from its section of the network configuration.
// section is nil when the network file has no section for the backend.
type Factory func(section *yaml.Node, logger *slog.Logger) (Connector, error)

// Registry maps backend names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a backend.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the backend called name.
func (r *Registry) New(name string, section *yaml.Node, logger *slog.Logger) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, r.Names())
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := f(section, logger.With("connector", name))
	if err != nil {
		return nil, fmt.Errorf("create %s connector: %w", name, err)
	}
	return c, nil
}

// Names returns the registered backend names, sorted.
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

// DecodeSection decodes a backend section into cfg. A nil or empty section
// leaves cfg untouched.
func DecodeSection(section *yaml.Node, cfg any) error {
	if section == nil || section.Kind == 0 {
		return nil
	}
	if err := section.Decode(cfg); err != nil {
		return fmt.Errorf("decode connector config: %w", err)
	}
	return nil
}
