package sim

import (
	"errors"
	"fmt"
	"time"
)

// Config is the sim section of the network configuration.
type Config struct {
	// Identities is the number of signing identities provisioned.
	Identities int `yaml:"identities"`
	// KeySeed derives the identities' keys.
	KeySeed string `yaml:"keySeed"`
	// ChainID is used to sign transactions.
	ChainID uint64 `yaml:"chainId"`
	// Latency is the delay between dispatch and inclusion; Jitter adds a
	// uniformly distributed extra of up to its value.
	Latency time.Duration `yaml:"latency"`
	Jitter  time.Duration `yaml:"jitter"`
	// FailureRate is the probability in [0, 1] that a dispatched
	// transaction is rejected.
	FailureRate float64 `yaml:"failureRate"`
	// Seed makes failure and jitter draws reproducible.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		Identities: 8,
		KeySeed:    "chainbench-sim",
		ChainID:    1337,
		Latency:    50 * time.Millisecond,
		Seed:       1,
	}
}

// CheckConfig validates the configuration.
func (c *Config) CheckConfig() error {
	if c.Identities < 0 {
		return errors.New("identities cannot be negative")
	}
	if c.Identities > 0 && c.KeySeed == "" {
		return errors.New("keySeed is required")
	}
	if c.ChainID == 0 {
		return errors.New("chainId must be non-zero")
	}
	if c.Latency < 0 || c.Jitter < 0 {
		return errors.New("latency and jitter cannot be negative")
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("failureRate must be within [0, 1], got %v", c.FailureRate)
	}
	return nil
}
