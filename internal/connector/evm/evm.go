// Package evm implements the connector for Ethereum-compatible chains:
// JSON-RPC over HTTP for submission and a newHeads WebSocket subscription
// for inclusion detection.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/chainbench/internal/account"
	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/contract"
	"github.com/gateway-fm/chainbench/internal/rpc"
	"github.com/gateway-fm/chainbench/internal/txbuilder"
	"github.com/gateway-fm/chainbench/pkg/types"
)

// Type is the backend name.
const Type = "evm"

var errConfirmTimeout = errors.New("confirmation timeout")

// Option customizes a Connector.
type Option func(*Connector)

// WithClient uses client instead of dialing the configured HTTP endpoint.
func WithClient(client rpc.Client) Option {
	return func(c *Connector) { c.client = client }
}

// WithHeadSource uses src instead of subscribing to the configured
// WebSocket endpoint.
func WithHeadSource(src rpc.HeadSource) Option {
	return func(c *Connector) { c.heads = src }
}

// WithRPCObserver reports the duration of every JSON-RPC call made through
// the default client.
func WithRPCObserver(fn func(method string, d time.Duration, err error)) Option {
	return func(c *Connector) { c.observe = fn }
}

// Connector is the EVM backend.
type Connector struct {
	cfg      Config
	flavor   Flavor
	accounts []*account.Account
	cursor   *account.SignCursor
	targets  *txbuilder.Registry
	client   rpc.Client
	heads    rpc.HeadSource
	observe  func(method string, d time.Duration, err error)
	logger   *slog.Logger

	mu        sync.RWMutex
	fees      txbuilder.FeeParams
	contracts map[string]common.Address
}

var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Signer    = (*Connector)(nil)
)

// New validates cfg and builds a connector. No network activity happens
// before Init.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}
	flavor, _ := LookupFlavor(cfg.Flavor)
	accounts, err := cfg.keys()
	if err != nil {
		return nil, err
	}

	c := &Connector{
		cfg:       cfg,
		flavor:    flavor,
		accounts:  accounts,
		cursor:    account.NewSignCursor(),
		targets:   txbuilder.NewRegistry(),
		logger:    logger,
		contracts: make(map[string]common.Address),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		rc := rpc.DefaultClientConfig(cfg.HTTPURL())
		rc.Logger = logger
		rc.Observe = c.observe
		c.client = rpc.NewHTTPClient(rc)
	}
	if c.heads == nil {
		c.heads = &rpc.WSHeadSource{URL: cfg.URL, Logger: logger}
	}
	return c, nil
}

// Factory builds a Connector from the evm section of the network config.
func Factory(section *yaml.Node, logger *slog.Logger) (connector.Connector, error) {
	return NewFactory()(section, logger)
}

// NewFactory returns a connector.Factory that applies opts to every
// connector it builds.
func NewFactory(opts ...Option) connector.Factory {
	return func(section *yaml.Node, logger *slog.Logger) (connector.Connector, error) {
		cfg := DefaultConfig()
		if err := connector.DecodeSection(section, &cfg); err != nil {
			return nil, err
		}
		return New(cfg, logger, opts...)
	}
}

// Type implements connector.Connector.
func (c *Connector) Type() string { return Type }

// Init resolves the chain id and fee caps.
func (c *Connector) Init(ctx context.Context) error {
	chainID := new(big.Int).SetUint64(c.cfg.ChainID)
	if c.cfg.ChainID == 0 {
		id, err := c.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("query chain id: %w", err)
		}
		chainID = id
	}

	feeCap := new(big.Int).SetUint64(c.cfg.GasFeeCap)
	if c.cfg.GasFeeCap == 0 {
		price, err := c.client.GetGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("query gas price: %w", err)
		}
		feeCap.SetUint64(price * 2)
	}
	tipCap := new(big.Int).SetUint64(c.cfg.GasTipCap)
	if tipCap.Cmp(feeCap) > 0 {
		tipCap.Set(feeCap)
	}

	c.mu.Lock()
	c.fees = txbuilder.FeeParams{
		ChainID:   chainID,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Legacy:    c.cfg.Legacy || c.flavor.RequiresLegacyTx,
	}
	c.mu.Unlock()

	c.logger.Info("evm connector initialized",
		"chainId", chainID.String(),
		"flavor", c.flavor.Name,
		"identities", len(c.accounts),
		"gasFeeCap", feeCap.String(),
		"legacy", c.fees.Legacy,
	)
	return nil
}

// InstallSmartContract deploys the configured contracts from the first
// identity.
func (c *Connector) InstallSmartContract(ctx context.Context) error {
	if len(c.cfg.Contracts) == 0 {
		return nil
	}
	if len(c.accounts) == 0 {
		return fmt.Errorf("no identity available to deploy contracts: %w", connector.ErrNotEnoughIdentities)
	}

	specs := make([]contract.Spec, 0, len(c.cfg.Contracts))
	for _, name := range c.cfg.Contracts {
		specs = append(specs, contract.Known[name])
	}

	d := contract.NewDeployer(c.client, c.feeParams(), c.cfg.ConfirmTimeout, c.logger)
	addrs, err := d.DeployAll(ctx, c.accounts[0], specs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for name, addr := range addrs {
		c.contracts[name] = addr
	}
	c.mu.Unlock()
	return nil
}

// Contracts returns the deployed contract addresses.
func (c *Connector) Contracts() map[string]common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]common.Address, len(c.contracts))
	for k, v := range c.contracts {
		out[k] = v
	}
	return out
}

// PrepareWorkerArguments assigns one identity per worker, in configuration
// order.
func (c *Connector) PrepareWorkerArguments(_ context.Context, n int) ([]connector.WorkerArgs, error) {
	if len(c.accounts) < n {
		return nil, fmt.Errorf("%w: %d identities configured, %d workers", connector.ErrNotEnoughIdentities, len(c.accounts), n)
	}
	args := make([]connector.WorkerArgs, n)
	for i := 0; i < n; i++ {
		args[i] = connector.WorkerArgs{
			"key":     c.accounts[i].KeyHex(),
			"address": c.accounts[i].Address.Hex(),
		}
	}
	return args, nil
}

// session is the per-worker Context.
type session struct {
	acc     *account.Account
	env     txbuilder.Env
	watcher *watcher
	cancel  context.CancelFunc
}

func (s *session) Identity() string { return s.acc.Address.Hex() }

// GetContext opens a session: a fresh account seeded from the pending nonce
// and an inclusion watcher fed by newHeads.
func (c *Connector) GetContext(ctx context.Context, roundIndex int, args connector.WorkerArgs) (connector.Context, error) {
	acc, err := account.NewAccountFromHex(args["key"])
	if err != nil {
		return nil, fmt.Errorf("worker identity: %w", err)
	}
	if err := acc.Sync(ctx, c.client); err != nil {
		return nil, err
	}

	// The session outlives the call that opened it; it ends on release.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	heads, err := c.heads.SubscribeHeads(sessCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe newHeads: %w", err)
	}

	w := newWatcher(c.client, c.cfg.PollInterval, c.logger.With("identity", acc.Address.Hex(), "round", roundIndex))
	w.start(sessCtx, heads)

	c.logger.Debug("context opened", "identity", acc.Address.Hex(), "round", roundIndex, "nonce", acc.Nonce())
	return &session{
		acc:     acc,
		env:     txbuilder.Env{Contracts: c.Contracts()},
		watcher: w,
		cancel:  cancel,
	}, nil
}

// ReleaseContext stops the session's watcher.
func (c *Connector) ReleaseContext(_ context.Context, cc connector.Context) {
	s, ok := cc.(*session)
	if !ok || s == nil {
		c.logger.Warn("release of foreign context ignored")
		return
	}
	s.watcher.stop()
	s.cancel()
}

// Sign builds and signs req, consuming one nonce, and returns it as a
// pre-signed request.
func (c *Connector) Sign(_ context.Context, cc connector.Context, req connector.Request) (connector.Request, error) {
	if req.PreSigned() {
		return req, nil
	}
	s, ok := cc.(*session)
	if !ok {
		return connector.Request{}, fmt.Errorf("foreign context %T", cc)
	}
	call, err := c.targets.Resolve(s.env, req.Target, req.Args)
	if err != nil {
		return connector.Request{}, err
	}
	fees := c.feeParams()
	var raw []byte
	err = c.cursor.Reserve(s.acc, func(nonce uint64) error {
		var err error
		_, raw, err = txbuilder.Sign(txbuilder.NewTx(fees, nonce, call), s.acc.PrivateKey, fees.ChainID)
		return err
	})
	if err != nil {
		return connector.Request{}, err
	}
	return connector.Request{Signed: hexutil.Encode(raw)}, nil
}

// ResetSigning implements connector.Signer.
func (c *Connector) ResetSigning() { c.cursor.Reset() }

// SendSingleRequest implements connector.Connector.
func (c *Connector) SendSingleRequest(ctx context.Context, cc connector.Context, req connector.Request) types.TxOutcome {
	s, ok := cc.(*session)
	if !ok || s == nil {
		return connector.Failed("foreign context %T", cc)
	}
	out := types.NewTxOutcome()

	var (
		raw  []byte
		hash string
	)
	if req.PreSigned() {
		b, err := hexutil.Decode(req.Signed)
		if err != nil {
			out.Fail(fmt.Sprintf("invalid signed payload: %v", err))
			return out
		}
		var tx ethtypes.Transaction
		if err := tx.UnmarshalBinary(b); err != nil {
			out.Fail(fmt.Sprintf("decode signed transaction: %v", err))
			return out
		}
		raw, hash = b, tx.Hash().Hex()
	} else {
		call, err := c.targets.Resolve(s.env, req.Target, req.Args)
		if err != nil {
			out.Fail(err.Error())
			return out
		}
		fees := c.feeParams()
		// Once signed, the slot is consumed whatever the node later does
		// with the tx.
		var signed *ethtypes.Transaction
		err = s.acc.Reserve(func(nonce uint64) error {
			var err error
			signed, raw, err = txbuilder.Sign(txbuilder.NewTx(fees, nonce, call), s.acc.PrivateKey, fees.ChainID)
			return err
		})
		if err != nil {
			connector.MarkReserved(ctx)
			out.Fail(err.Error())
			return out
		}
		hash = signed.Hash().Hex()
	}
	connector.MarkReserved(ctx)
	out.ID = hash

	done, ok := s.watcher.track(hash)
	if !ok {
		out.Fail(fmt.Sprintf("transaction %s is already in flight", hash))
		return out
	}
	if _, err := c.client.SendRawTransaction(ctx, raw); err != nil {
		s.watcher.reject(hash, err)
	}

	timer := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timer.Stop()

	var ev inclusion
	select {
	case ev = <-done:
	case <-timer.C:
		s.watcher.reject(hash, errConfirmTimeout)
		ev = <-done
	case <-ctx.Done():
		s.watcher.reject(hash, ctx.Err())
		ev = <-done
	}

	switch {
	case ev.state == stateIncluded && ev.receipt.Status == 1:
		out.Succeed(hash)
	case ev.state == stateIncluded:
		out.Fail("execution reverted")
	default:
		out.Fail(ev.err.Error())
	}
	return out
}

func (c *Connector) feeParams() txbuilder.FeeParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fees
}
