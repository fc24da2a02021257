package evm

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gateway-fm/chainbench/internal/account"
	"github.com/gateway-fm/chainbench/internal/contract"
	"github.com/gateway-fm/chainbench/internal/rpc"
)

// DefaultConfirmTimeout bounds the wait for a transaction's receipt.
const DefaultConfirmTimeout = 60 * time.Second

// Config is the evm section of the network configuration.
type Config struct {
	// URL is the WebSocket endpoint used for the newHeads subscription.
	URL string `yaml:"url"`
	// RPCURL is the HTTP JSON-RPC endpoint; derived from URL when empty.
	RPCURL string `yaml:"rpcUrl"`
	// ChainID is queried from the node when zero.
	ChainID uint64 `yaml:"chainId"`

	// Keys are hex private keys, one identity per worker.
	Keys []string `yaml:"keys"`
	// UseTestKeys appends the well-known development keys.
	UseTestKeys bool `yaml:"useTestKeys"`
	// KeySeed and Identities derive additional deterministic keys.
	KeySeed    string `yaml:"keySeed"`
	Identities int    `yaml:"identities"`

	// Flavor selects execution client quirks, see LookupFlavor.
	Flavor string `yaml:"flavor"`
	Legacy bool   `yaml:"legacy"`
	// GasTipCap and GasFeeCap are in wei. GasFeeCap defaults to twice the
	// node's gas price.
	GasTipCap uint64 `yaml:"gasTipCap"`
	GasFeeCap uint64 `yaml:"gasFeeCap"`

	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	// PollInterval is the receipt polling backstop between heads.
	PollInterval time.Duration `yaml:"pollInterval"`

	// Contracts lists contracts deployed by InstallSmartContract.
	Contracts []string `yaml:"contracts"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		GasTipCap:      1_000_000_000,
		ConfirmTimeout: DefaultConfirmTimeout,
		PollInterval:   2 * time.Second,
	}
}

// CheckConfig validates the configuration without touching the network.
func (c *Config) CheckConfig() error {
	if c.URL == "" {
		return errors.New("no URL given to access the EVM SUT")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("please use WebSocket connections (ws:// or wss://), got %q", c.URL)
	}
	if c.RPCURL != "" {
		r, err := url.Parse(c.RPCURL)
		if err != nil || (r.Scheme != "http" && r.Scheme != "https") {
			return fmt.Errorf("rpcUrl must be http(s), got %q", c.RPCURL)
		}
	}
	if _, err := LookupFlavor(c.Flavor); err != nil {
		return err
	}
	if c.KeySeed != "" && c.Identities <= 0 {
		return errors.New("keySeed requires identities > 0")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("confirmTimeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("pollInterval must be positive")
	}
	for _, name := range c.Contracts {
		if _, ok := contract.Known[name]; !ok {
			return fmt.Errorf("unknown contract %q", name)
		}
	}
	if _, err := c.keys(); err != nil {
		return err
	}
	return nil
}

// HTTPURL returns the JSON-RPC endpoint.
func (c *Config) HTTPURL() string {
	if c.RPCURL != "" {
		return c.RPCURL
	}
	return rpc.WSToHTTP(c.URL)
}

// keys returns the configured identities in a stable order: explicit keys,
// then test keys, then derived keys.
func (c *Config) keys() ([]*account.Account, error) {
	hexKeys := append([]string(nil), c.Keys...)
	if c.UseTestKeys {
		hexKeys = append(hexKeys, account.TestPrivateKeys...)
	}
	if c.KeySeed != "" {
		derived, err := account.Derive(c.KeySeed, c.Identities)
		if err != nil {
			return nil, err
		}
		hexKeys = append(hexKeys, derived...)
	}
	return account.FromHexKeys(hexKeys)
}
