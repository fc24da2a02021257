package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/chainbench/pkg/types"
)

// Benchmark is the benchmark configuration file.
type Benchmark struct {
	Test    TestConfig    `yaml:"test"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// TestConfig describes the rounds to run.
type TestConfig struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Workers     WorkersConfig `yaml:"workers"`
	Rounds      []RoundConfig `yaml:"rounds"`
}

// WorkersConfig sizes the local worker pool.
type WorkersConfig struct {
	Type   string `yaml:"type,omitempty"` // only "local" is supported
	Number int    `yaml:"number"`
}

// RoundConfig is one round. Every txNumber or txDuration value becomes a
// sub-round.
type RoundConfig struct {
	Label       string                  `yaml:"label"`
	Description string                  `yaml:"description,omitempty"`
	TxNumber    []int                   `yaml:"txNumber,omitempty"`
	TxDuration  []float64               `yaml:"txDuration,omitempty"` // seconds
	RateControl []types.RateControlSpec `yaml:"rateControl,omitempty"`
	Trim        int                     `yaml:"trim,omitempty"`
	Workload    string                  `yaml:"workload"`
	Arguments   map[string]any          `yaml:"arguments,omitempty"`
	TxMode      TxModeConfig            `yaml:"txMode,omitempty"`
}

// TxModeConfig selects the transaction file protocol.
type TxModeConfig struct {
	Type string `yaml:"type,omitempty"`
}

// MonitorConfig names the monitors to run.
type MonitorConfig struct {
	Type StringList `yaml:"type,omitempty"`
}

// StringList accepts either a scalar or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// LoadBenchmark reads and validates a benchmark file.
func LoadBenchmark(path string) (*Benchmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read benchmark config: %w", err)
	}
	return ParseBenchmark(data)
}

// ParseBenchmark decodes and validates benchmark YAML.
func ParseBenchmark(data []byte) (*Benchmark, error) {
	var b Benchmark
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse benchmark config: %w", err)
	}
	if b.Test.Workers.Number == 0 {
		b.Test.Workers.Number = 1
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks what must hold before any round runs. A round without a
// driving mode is not rejected here; it fails when its turn comes.
func (b *Benchmark) Validate() error {
	if len(b.Test.Rounds) == 0 {
		return errors.New("test.rounds is empty")
	}
	if b.Test.Workers.Number < 0 {
		return errors.New("test.workers.number cannot be negative")
	}
	if t := b.Test.Workers.Type; t != "" && t != "local" {
		return fmt.Errorf("test.workers.type %q is not supported (only local)", t)
	}
	for i, r := range b.Test.Rounds {
		if r.Label == "" {
			return fmt.Errorf("round %d: label is required", i+1)
		}
		if r.Workload == "" {
			return fmt.Errorf("round %q: workload is required", r.Label)
		}
		if len(r.TxNumber) > 0 && len(r.TxDuration) > 0 {
			return fmt.Errorf("round %q: txNumber and txDuration are mutually exclusive", r.Label)
		}
		if r.Trim < 0 {
			return fmt.Errorf("round %q: trim cannot be negative", r.Label)
		}
		if _, err := types.ParseTxFileMode(r.TxMode.Type); err != nil {
			return fmt.Errorf("round %q: %w", r.Label, err)
		}
	}
	return nil
}

// SubRounds returns the number of sub-rounds round r expands into.
func (r RoundConfig) SubRounds() int {
	if len(r.TxNumber) > 0 {
		return len(r.TxNumber)
	}
	return len(r.TxDuration)
}

// TotalSubRounds counts the sub-rounds of every round.
func (b *Benchmark) TotalSubRounds() int {
	n := 0
	for _, r := range b.Test.Rounds {
		n += r.SubRounds()
	}
	return n
}

// Dump renders the test section for the report.
func (b *Benchmark) Dump() string {
	data, err := yaml.Marshal(b.Test)
	if err != nil {
		return ""
	}
	return string(data)
}
