package contract

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/chainbench/internal/account"
	"github.com/gateway-fm/chainbench/internal/rpc"
	"github.com/gateway-fm/chainbench/internal/txbuilder"
)

// fakeChain records sent transactions and reports code at their creation
// addresses once sent.
type fakeChain struct {
	mu       sync.Mutex
	nonce    uint64
	code     map[string]string
	sent     []*types.Transaction
	sendErr  error
	neverHas bool
}

var _ rpc.Client = (*fakeChain)(nil)

func newFakeChain(nonce uint64) *fakeChain {
	return &fakeChain{nonce: nonce, code: make(map[string]string)}
}

func (f *fakeChain) Call(context.Context, string, []any) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeChain) BatchCall(context.Context, []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeChain) GetNonce(context.Context, string) (uint64, error) { return f.nonce, nil }
func (f *fakeChain) ChainID(context.Context) (*big.Int, error)        { return big.NewInt(1337), nil }
func (f *fakeChain) GetBlockNumber(context.Context) (uint64, error)   { return 1, nil }
func (f *fakeChain) GetGasPrice(context.Context) (uint64, error)      { return 1e9, nil }
func (f *fakeChain) GetTransactionReceipt(context.Context, string) (*rpc.Receipt, error) {
	return nil, nil
}
func (f *fakeChain) GetTransactionReceiptsBatch(_ context.Context, h []string) ([]*rpc.Receipt, error) {
	return make([]*rpc.Receipt, len(h)), nil
}

func (f *fakeChain) SendRawTransaction(_ context.Context, raw []byte) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", err
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), &tx)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, &tx)
	if !f.neverHas {
		f.code[strings.ToLower(crypto.CreateAddress(from, tx.Nonce()).Hex())] = "0x6080"
	}
	return tx.Hash().Hex(), nil
}

func (f *fakeChain) GetCode(_ context.Context, addr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.code[strings.ToLower(addr)]; ok {
		return c, nil
	}
	return "0x", nil
}

func testFees() txbuilder.FeeParams {
	return txbuilder.FeeParams{ChainID: big.NewInt(1337), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2e9)}
}

func TestDeployAll(t *testing.T) {
	chain := newFakeChain(3)
	acc, _ := account.NewAccountFromHex(account.TestPrivateKeys[0])
	d := NewDeployer(chain, testFees(), time.Second, nil)
	d.poll = time.Millisecond

	addrs, err := d.DeployAll(context.Background(), acc, []Spec{Known["erc20"]})
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.CreateAddress(acc.Address, 3)
	if addrs["erc20"] != want {
		t.Errorf("erc20 at %s, want %s", addrs["erc20"].Hex(), want.Hex())
	}
	if len(chain.sent) != 1 || chain.sent[0].To() != nil || chain.sent[0].Nonce() != 3 {
		t.Errorf("unexpected deployment txs %+v", chain.sent)
	}
	if acc.Nonce() != 4 {
		t.Errorf("nonce = %d, want 4", acc.Nonce())
	}
}

func TestDeployAll_ReusesExisting(t *testing.T) {
	chain := newFakeChain(0)
	acc, _ := account.NewAccountFromHex(account.TestPrivateKeys[0])
	existing := crypto.CreateAddress(acc.Address, 0)
	chain.code[strings.ToLower(existing.Hex())] = "0x6080"

	addrs, err := NewDeployer(chain, testFees(), time.Second, nil).DeployAll(context.Background(), acc, []Spec{Known["erc20"]})
	if err != nil {
		t.Fatal(err)
	}
	if addrs["erc20"] != existing || len(chain.sent) != 0 {
		t.Errorf("expected reuse of %s without sending, sent %d", existing.Hex(), len(chain.sent))
	}
}

func TestDeployAll_Errors(t *testing.T) {
	acc, _ := account.NewAccountFromHex(account.TestPrivateKeys[0])

	chain := newFakeChain(0)
	chain.sendErr = &rpc.RPCError{Code: -32000, Message: "insufficient funds"}
	if _, err := NewDeployer(chain, testFees(), time.Second, nil).DeployAll(context.Background(), acc, []Spec{Known["erc20"]}); err == nil {
		t.Error("expected send error")
	}

	chain = newFakeChain(0)
	chain.neverHas = true
	d := NewDeployer(chain, testFees(), 20*time.Millisecond, nil)
	d.poll = time.Millisecond
	_, err := d.DeployAll(context.Background(), acc, []Spec{Known["erc20"]})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
