// Package contract deploys the contracts benchmark workloads call.
package contract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainbench/internal/account"
	"github.com/gateway-fm/chainbench/internal/rpc"
	"github.com/gateway-fm/chainbench/internal/txbuilder"
)

// Spec names a contract and its creation bytecode.
type Spec struct {
	Name     string
	Bytecode []byte
	Gas      uint64
}

// Known maps the contract names accepted in configuration to their specs.
var Known = map[string]Spec{
	"erc20": {Name: "erc20", Bytecode: txbuilder.ERC20Bytecode, Gas: 3_000_000},
}

// Deployer deploys contracts from a funded account.
type Deployer struct {
	client  rpc.Client
	fees    txbuilder.FeeParams
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// NewDeployer creates a deployer. timeout bounds the wait for each
// contract's code to appear.
func NewDeployer(client rpc.Client, fees txbuilder.FeeParams, timeout time.Duration, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Deployer{
		client:  client,
		fees:    fees,
		timeout: timeout,
		poll:    200 * time.Millisecond,
		logger:  logger,
	}
}

// DeployAll deploys specs in order from acc and returns name → address.
// Deployments are sequential so each one lands at the address derived from
// its nonce; a contract whose code is already at that address is reused.
func (d *Deployer) DeployAll(ctx context.Context, acc *account.Account, specs []Spec) (map[string]common.Address, error) {
	if err := acc.Sync(ctx, d.client); err != nil {
		return nil, err
	}

	addrs := make(map[string]common.Address, len(specs))
	for _, spec := range specs {
		addr, err := d.deploy(ctx, acc, spec)
		if err != nil {
			return addrs, fmt.Errorf("deploy %s: %w", spec.Name, err)
		}
		addrs[spec.Name] = addr
	}
	return addrs, nil
}

func (d *Deployer) deploy(ctx context.Context, acc *account.Account, spec Spec) (common.Address, error) {
	expected := crypto.CreateAddress(acc.Address, acc.Nonce())

	if ok, err := d.hasCode(ctx, expected); err != nil {
		d.logger.Warn("contract existence check failed, deploying", "name", spec.Name, "error", err)
	} else if ok {
		d.logger.Info("contract already deployed", "name", spec.Name, "address", expected.Hex())
		return expected, nil
	}

	nonce := acc.Consume()
	tx := txbuilder.NewTx(d.fees, nonce, txbuilder.Call{Data: spec.Bytecode, Gas: spec.Gas})
	_, raw, err := txbuilder.Sign(tx, acc.PrivateKey, d.fees.ChainID)
	if err != nil {
		return common.Address{}, err
	}
	if _, err := d.client.SendRawTransaction(ctx, raw); err != nil {
		return common.Address{}, fmt.Errorf("send deployment: %w", err)
	}
	d.logger.Info("deploying contract", "name", spec.Name, "address", expected.Hex(), "nonce", nonce)

	return expected, d.waitForCode(ctx, spec.Name, expected)
}

func (d *Deployer) hasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.client.GetCode(ctx, addr.Hex())
	if err != nil {
		return false, err
	}
	return code != "" && code != "0x", nil
}

func (d *Deployer) waitForCode(ctx context.Context, name string, addr common.Address) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	backoff := d.poll
	for {
		if ok, err := d.hasCode(ctx, addr); err == nil && ok {
			d.logger.Info("contract deployed", "name", name, "address", addr.Hex())
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s code at %s: %w", name, addr.Hex(), ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 2*time.Second)
	}
}
