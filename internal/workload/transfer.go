package workload

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/chainbench/internal/account"
	"github.com/gateway-fm/chainbench/internal/connector"
	"github.com/gateway-fm/chainbench/internal/txbuilder"
)

const defaultGasPrice = 1_000_000_000

// transfer sends amount to a rotating set of recipients through a
// connector-signed target.
//
// Arguments: amount (default 1), to (an address or a list of addresses;
// defaults to one address per worker).
type transfer struct {
	target     string
	amount     any
	recipients []string
	next       int
}

func (g *transfer) Init(_ context.Context, p Params) error {
	g.amount = argOr(p.Args, "amount", any(1))
	recipients, err := recipientsArg(p)
	if err != nil {
		return err
	}
	g.recipients = recipients
	return nil
}

func (g *transfer) Next(context.Context) (connector.Request, error) {
	to := g.recipients[g.next%len(g.recipients)]
	g.next++
	return connector.Request{Target: g.target, Args: []any{to, g.amount}}, nil
}

func (g *transfer) End() error { return nil }

// signedTransfer signs legacy eth transfers itself with the worker's key and
// submits them pre-signed, so the connector does no nonce bookkeeping.
//
// Arguments: chainId (required), startNonce (default 0), gasPrice in wei,
// amount and to as for transfer.
type signedTransfer struct {
	acc      *account.Account
	fees     txbuilder.FeeParams
	targets  *txbuilder.Registry
	transfer transfer
}

func (g *signedTransfer) Init(ctx context.Context, p Params) error {
	acc, err := account.NewAccountFromHex(p.WorkerArgs["key"])
	if err != nil {
		return fmt.Errorf("transfer-signed needs a worker key: %w", err)
	}
	chainID, err := uintArg(p.Args, "chainId", 0)
	if err != nil {
		return err
	}
	if chainID == 0 {
		return fmt.Errorf("transfer-signed: chainId argument is required")
	}
	startNonce, err := uintArg(p.Args, "startNonce", 0)
	if err != nil {
		return err
	}
	gasPrice, err := uintArg(p.Args, "gasPrice", defaultGasPrice)
	if err != nil {
		return err
	}
	acc.SetNonce(startNonce)

	g.acc = acc
	g.targets = txbuilder.NewRegistry()
	g.fees = txbuilder.FeeParams{
		ChainID:   new(big.Int).SetUint64(chainID),
		GasFeeCap: new(big.Int).SetUint64(gasPrice),
		Legacy:    true,
	}
	g.transfer = transfer{target: "eth.transfer"}
	return g.transfer.Init(ctx, p)
}

func (g *signedTransfer) Next(ctx context.Context) (connector.Request, error) {
	req, _ := g.transfer.Next(ctx)
	call, err := g.targets.Resolve(txbuilder.Env{}, req.Target, req.Args)
	if err != nil {
		return connector.Request{}, err
	}
	_, raw, err := txbuilder.Sign(txbuilder.NewTx(g.fees, g.acc.Consume(), call), g.acc.PrivateKey, g.fees.ChainID)
	if err != nil {
		return connector.Request{}, err
	}
	return connector.Request{Signed: hexutil.Encode(raw)}, nil
}

func (g *signedTransfer) End() error { return nil }

func argOr(args map[string]any, key string, def any) any {
	if v, ok := args[key]; ok && v != nil {
		return v
	}
	return def
}

func uintArg(args map[string]any, key string, def uint64) (uint64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := txbuilder.AmountArg(v)
	if err != nil || !n.IsUint64() {
		return 0, fmt.Errorf("argument %s: invalid value %v", key, v)
	}
	return n.Uint64(), nil
}

func recipientsArg(p Params) ([]string, error) {
	switch v := p.Args["to"].(type) {
	case nil:
		return []string{common.BigToAddress(big.NewInt(int64(0x1000 + p.WorkerIndex))).Hex()}, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("argument to: invalid address %v", a)
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("argument to: empty list")
		}
		return out, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("argument to: empty list")
		}
		return v, nil
	default:
		return nil, fmt.Errorf("argument to: invalid value %v", v)
	}
}
