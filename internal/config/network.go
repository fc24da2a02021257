package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Network is the network configuration file. Besides the fixed keys it
// carries one section per backend, keyed by the backend's name.
type Network struct {
	Backend string         `yaml:"backend"`
	Info    map[string]any `yaml:"info"`
	Command CommandConfig  `yaml:"command"`

	sections map[string]*yaml.Node
}

// CommandConfig holds the shell commands run around the benchmark. A nil
// command is absent; a present but empty one is a configuration error.
type CommandConfig struct {
	Start *string `yaml:"start"`
	End   *string `yaml:"end"`
}

// LoadNetwork reads and validates a network file.
func LoadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network config: %w", err)
	}
	return ParseNetwork(data)
}

// ParseNetwork decodes and validates network YAML.
func ParseNetwork(data []byte) (*Network, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse network config: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("network config is empty")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errors.New("network config must be a mapping")
	}

	var n Network
	if err := doc.Decode(&n); err != nil {
		return nil, fmt.Errorf("parse network config: %w", err)
	}
	n.sections = make(map[string]*yaml.Node)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		n.sections[doc.Content[i].Value] = doc.Content[i+1]
	}

	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Validate checks the fixed keys. Backend sections are validated by the
// connector that consumes them.
func (n *Network) Validate() error {
	if n.Backend == "" {
		return errors.New("network config: backend is required")
	}
	return nil
}

// Section returns the raw section named name, or nil.
func (n *Network) Section(name string) *yaml.Node {
	return n.sections[name]
}

// BackendSection returns the section of the selected backend.
func (n *Network) BackendSection() *yaml.Node {
	return n.Section(n.Backend)
}
