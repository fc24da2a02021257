// Package txbuilder turns named call targets with loosely typed arguments
// into signed Ethereum transactions.
package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Env is what a target may need besides its arguments.
type Env struct {
	// Contracts maps a contract name (e.g. "erc20") to its deployed address.
	Contracts map[string]common.Address
}

// Call is a fully resolved call, ready to be wrapped in a transaction.
type Call struct {
	To    *common.Address // nil deploys a contract
	Value *big.Int
	Data  []byte
	Gas   uint64
}

// Target is a named operation with a fixed argument count.
type Target interface {
	Name() string
	Arity() int
	GasLimit() uint64
	// Build resolves args, which the caller has checked against Arity.
	Build(env Env, args []any) (Call, error)
}

// Registry maps target names to targets. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry returns a registry with the built-in targets:
// eth.transfer, erc20.transfer, erc20.approve and raw.call.
func NewRegistry() *Registry {
	r := &Registry{targets: make(map[string]Target)}
	r.Register(ethTransfer{})
	r.Register(&erc20Call{name: "erc20.transfer", gas: 70000, encode: EncodeERC20Transfer})
	r.Register(&erc20Call{name: "erc20.approve", gas: 60000, encode: EncodeERC20Approve})
	r.Register(rawCall{})
	return r
}

// Register adds or replaces a target.
func (r *Registry) Register(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.Name()] = t
}

// Names returns the registered target names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for n := range r.targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up target, checks the argument count and builds the call.
// A nil error means the request is constructible.
func (r *Registry) Resolve(env Env, target string, args []any) (Call, error) {
	r.mu.RLock()
	t, ok := r.targets[target]
	r.mu.RUnlock()
	if !ok {
		return Call{}, fmt.Errorf("unknown target %q", target)
	}
	if len(args) != t.Arity() {
		return Call{}, fmt.Errorf("target %s expects %d arguments, got %d", target, t.Arity(), len(args))
	}
	return t.Build(env, args)
}

// FeeParams configures the fee fields of built transactions.
type FeeParams struct {
	ChainID   *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int // used as the gas price for legacy transactions
	Legacy    bool
}

// NewTx wraps call in a dynamic-fee or legacy transaction.
func NewTx(fees FeeParams, nonce uint64, call Call) *types.Transaction {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	if fees.Legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasFeeCap,
			Gas:      call.Gas,
			To:       call.To,
			Value:    value,
			Data:     call.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   fees.ChainID,
		Nonce:     nonce,
		GasTipCap: fees.GasTipCap,
		GasFeeCap: fees.GasFeeCap,
		Gas:       call.Gas,
		To:        call.To,
		Value:     value,
		Data:      call.Data,
	})
}

// Sign signs tx for chainID and returns it with its RLP encoding.
func Sign(tx *types.Transaction, key *ecdsa.PrivateKey, chainID *big.Int) (*types.Transaction, []byte, error) {
	if chainID == nil || chainID.Sign() == 0 {
		return nil, nil, fmt.Errorf("chain id must be non-zero")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encode tx: %w", err)
	}
	return signed, raw, nil
}

// AddressArg parses a hex address argument.
func AddressArg(v any) (common.Address, error) {
	s, ok := v.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %v", v)
	}
	return common.HexToAddress(s), nil
}

// AmountArg parses a non-negative integer amount given as a number, a
// decimal string or a 0x-prefixed hex string.
func AmountArg(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		if n >= 0 {
			return big.NewInt(int64(n)), nil
		}
	case int64:
		if n >= 0 {
			return big.NewInt(n), nil
		}
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n >= 0 && n == float64(int64(n)) {
			return big.NewInt(int64(n)), nil
		}
	case string:
		base := 10
		s := n
		if strings.HasPrefix(s, "0x") {
			base, s = 16, s[2:]
		}
		if b, ok := new(big.Int).SetString(s, base); ok && b.Sign() >= 0 {
			return b, nil
		}
	case *big.Int:
		if n != nil && n.Sign() >= 0 {
			return n, nil
		}
	}
	return nil, fmt.Errorf("invalid amount %v", v)
}

// DataArg parses hex call data; an empty string is empty data.
func DataArg(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("invalid call data %v", v)
	}
	if s == "" || s == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid call data %q: %w", s, err)
	}
	return b, nil
}

// ethTransfer sends value to an address: eth.transfer(to, amount).
type ethTransfer struct{}

func (ethTransfer) Name() string     { return "eth.transfer" }
func (ethTransfer) Arity() int       { return 2 }
func (ethTransfer) GasLimit() uint64 { return 21000 }

func (t ethTransfer) Build(_ Env, args []any) (Call, error) {
	to, err := AddressArg(args[0])
	if err != nil {
		return Call{}, fmt.Errorf("eth.transfer: %w", err)
	}
	value, err := AmountArg(args[1])
	if err != nil {
		return Call{}, fmt.Errorf("eth.transfer: %w", err)
	}
	return Call{To: &to, Value: value, Gas: t.GasLimit()}, nil
}

// rawCall sends arbitrary data: raw.call(to, data, value).
type rawCall struct{}

func (rawCall) Name() string     { return "raw.call" }
func (rawCall) Arity() int       { return 3 }
func (rawCall) GasLimit() uint64 { return 200000 }

func (t rawCall) Build(_ Env, args []any) (Call, error) {
	to, err := AddressArg(args[0])
	if err != nil {
		return Call{}, fmt.Errorf("raw.call: %w", err)
	}
	data, err := DataArg(args[1])
	if err != nil {
		return Call{}, fmt.Errorf("raw.call: %w", err)
	}
	value, err := AmountArg(args[2])
	if err != nil {
		return Call{}, fmt.Errorf("raw.call: %w", err)
	}
	return Call{To: &to, Value: value, Data: data, Gas: t.GasLimit()}, nil
}
