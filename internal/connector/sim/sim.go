// Package sim implements an in-memory backend for dry runs and tests. It
// signs real EVM transactions and applies them to a nonce ledger after a
// configurable latency, failing a configurable share of them.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/chainbench/internal/account"
	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/txbuilder"
	"github.com/gateway-fm/chainbench/pkg/types"
)

// Type is the backend name.
const Type = "sim"

var errSimulatedRejection = errors.New("rejected by simulated backend")

// Connector is the simulated backend.
type Connector struct {
	cfg      Config
	accounts []*account.Account
	targets  *txbuilder.Registry
	ledger   *Ledger
	cursor   *account.SignCursor
	fees     txbuilder.FeeParams
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	contracts map[string]common.Address
}

var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Signer    = (*Connector)(nil)
)

// New validates cfg and builds a connector with an empty ledger.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}

	var accounts []*account.Account
	if cfg.Identities > 0 {
		keys, err := account.Derive(cfg.KeySeed, cfg.Identities)
		if err != nil {
			return nil, err
		}
		if accounts, err = account.FromHexKeys(keys); err != nil {
			return nil, err
		}
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	return &Connector{
		cfg:      cfg,
		accounts: accounts,
		targets:  txbuilder.NewRegistry(),
		ledger:   NewLedger(),
		cursor:   account.NewSignCursor(),
		fees: txbuilder.FeeParams{
			ChainID:   chainID,
			GasTipCap: big.NewInt(1),
			GasFeeCap: big.NewInt(1),
		},
		logger:    logger,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		contracts: make(map[string]common.Address),
	}, nil
}

// Factory builds a Connector from the sim section of the network config.
func Factory(section *yaml.Node, logger *slog.Logger) (connector.Connector, error) {
	cfg := DefaultConfig()
	if err := connector.DecodeSection(section, &cfg); err != nil {
		return nil, err
	}
	return New(cfg, logger)
}

// Ledger exposes the simulated backend state.
func (c *Connector) Ledger() *Ledger { return c.ledger }

// Type implements connector.Connector.
func (c *Connector) Type() string { return Type }

// Init implements connector.Connector.
func (c *Connector) Init(context.Context) error {
	c.logger.Info("sim connector initialized",
		"identities", len(c.accounts),
		"latency", c.cfg.Latency,
		"failureRate", c.cfg.FailureRate,
	)
	return nil
}

// InstallSmartContract registers an ERC20 at the address the first identity
// would deploy it to, so erc20 targets resolve.
func (c *Connector) InstallSmartContract(context.Context) error {
	if len(c.accounts) == 0 {
		return nil
	}
	addr := crypto.CreateAddress(c.accounts[0].Address, 0)
	c.mu.Lock()
	c.contracts["erc20"] = addr
	c.mu.Unlock()
	c.logger.Debug("contract registered", "name", "erc20", "address", addr.Hex())
	return nil
}

func (c *Connector) env() txbuilder.Env {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contracts := make(map[string]common.Address, len(c.contracts))
	for k, v := range c.contracts {
		contracts[k] = v
	}
	return txbuilder.Env{Contracts: contracts}
}

// PrepareWorkerArguments implements connector.Connector.
func (c *Connector) PrepareWorkerArguments(_ context.Context, n int) ([]connector.WorkerArgs, error) {
	if len(c.accounts) < n {
		return nil, fmt.Errorf("%w: %d identities configured, %d workers", connector.ErrNotEnoughIdentities, len(c.accounts), n)
	}
	args := make([]connector.WorkerArgs, n)
	for i := range args {
		args[i] = connector.WorkerArgs{
			"key":     c.accounts[i].KeyHex(),
			"address": c.accounts[i].Address.Hex(),
		}
	}
	return args, nil
}

type session struct {
	acc *account.Account
	env txbuilder.Env
}

func (s *session) Identity() string { return s.acc.Address.Hex() }

// GetContext opens a session seeded from the ledger.
func (c *Connector) GetContext(ctx context.Context, _ int, args connector.WorkerArgs) (connector.Context, error) {
	acc, err := account.NewAccountFromHex(args["key"])
	if err != nil {
		return nil, fmt.Errorf("worker identity: %w", err)
	}
	if err := acc.Sync(ctx, c.ledger); err != nil {
		return nil, err
	}
	return &session{acc: acc, env: c.env()}, nil
}

// ReleaseContext implements connector.Connector. Sessions hold no resources.
func (c *Connector) ReleaseContext(context.Context, connector.Context) {}

// Sign implements connector.Signer.
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
	var raw []byte
	err = c.cursor.Reserve(s.acc, func(nonce uint64) error {
		var err error
		_, raw, err = txbuilder.Sign(txbuilder.NewTx(c.fees, nonce, call), s.acc.PrivateKey, c.fees.ChainID)
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

	var tx *ethtypes.Transaction
	if req.PreSigned() {
		decoded, err := c.decode(req.Signed)
		if err != nil {
			out.Fail(err.Error())
			return out
		}
		tx = decoded
	} else {
		call, err := c.targets.Resolve(s.env, req.Target, req.Args)
		if err != nil {
			out.Fail(err.Error())
			return out
		}
		err = s.acc.Reserve(func(nonce uint64) error {
			var err error
			tx, _, err = txbuilder.Sign(txbuilder.NewTx(c.fees, nonce, call), s.acc.PrivateKey, c.fees.ChainID)
			return err
		})
		if err != nil {
			connector.MarkReserved(ctx)
			out.Fail(err.Error())
			return out
		}
	}
	connector.MarkReserved(ctx)

	hash := tx.Hash().Hex()
	out.ID = hash
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(c.fees.ChainID), tx)
	if err != nil {
		out.Fail(fmt.Sprintf("recover sender: %v", err))
		return out
	}

	delay, reject := c.draw()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		// The slot was dispatched; the ledger still sees it.
		_ = c.ledger.Apply(from.Hex(), tx.Nonce(), false)
		out.Fail(ctx.Err().Error())
		return out
	}

	if err := c.ledger.Apply(from.Hex(), tx.Nonce(), !reject); err != nil {
		out.Fail(err.Error())
		return out
	}
	if reject {
		out.Fail(errSimulatedRejection.Error())
		return out
	}
	out.Succeed(hash)
	return out
}

func (c *Connector) decode(signed string) (*ethtypes.Transaction, error) {
	raw, err := hexutil.Decode(signed)
	if err != nil {
		return nil, fmt.Errorf("invalid signed payload: %w", err)
	}
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return &tx, nil
}

// draw returns the inclusion latency of the next transaction and whether
// it is rejected.
func (c *Connector) draw() (time.Duration, bool) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	d := c.cfg.Latency
	if c.cfg.Jitter > 0 {
		d += time.Duration(c.rng.Int64N(int64(c.cfg.Jitter) + 1))
	}
	return d, c.cfg.FailureRate > 0 && c.rng.Float64() < c.cfg.FailureRate
}
