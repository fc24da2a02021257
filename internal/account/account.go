// Package account holds the signing identities handed to workers and their
// nonce counters.
package account

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource returns the next usable nonce for an address as observed by
// the backend.
type NonceSource interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
}

// Account is a signing key and its local nonce counter. The counter is only
// advanced through Consume or Reserve, once per dispatched transaction.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu    sync.Mutex
	nonce uint64
}

// NewAccount creates an account from a private key.
func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: key,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex private key, with or
// without 0x prefix.
func NewAccountFromHex(hexKey string) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewAccount(key), nil
}

// Sync seeds the nonce from backend state.
func (a *Account) Sync(ctx context.Context, src NonceSource) error {
	n, err := src.GetNonce(ctx, a.Address.Hex())
	if err != nil {
		return fmt.Errorf("fetch nonce for %s: %w", a.Address.Hex(), err)
	}
	a.SetNonce(n)
	return nil
}

// Consume returns the current nonce and advances the counter by one.
func (a *Account) Consume() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.nonce
	a.nonce++
	return n
}

// Reserve calls build with the current nonce and advances the counter only
// if build succeeds, so a transaction that cannot be signed leaves no gap.
func (a *Account) Reserve(build func(nonce uint64) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := build(a.nonce); err != nil {
		return err
	}
	a.nonce++
	return nil
}

// Nonce returns the current nonce without advancing it.
func (a *Account) Nonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// SetNonce overwrites the counter.
func (a *Account) SetNonce(n uint64) {
	a.mu.Lock()
	a.nonce = n
	a.mu.Unlock()
}

// KeyHex returns the private key as hex without 0x prefix.
func (a *Account) KeyHex() string {
	return common.Bytes2Hex(crypto.FromECDSA(a.PrivateKey))
}

// TestPrivateKeys are the Anvil/Hardhat default development accounts.
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a",
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba",
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e",
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356",
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97",
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6",
}

// FromHexKeys builds accounts from hex keys, in order.
func FromHexKeys(keys []string) ([]*Account, error) {
	accounts := make([]*Account, 0, len(keys))
	for i, k := range keys {
		acc, err := NewAccountFromHex(k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Derive deterministically derives n keys from seed. The same seed always
// yields the same keys, so worker identities are stable across runs.
// Derived accounts hold no funds until funded on the chain under test.
func Derive(seed string, n int) ([]string, error) {
	if seed == "" {
		return nil, fmt.Errorf("empty key seed")
	}
	keys := make([]string, 0, n)
	for i := 0; len(keys) < n; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		d := crypto.Keccak256([]byte(seed), idx[:])
		// A hash outside the curve order is rejected; move on to the next index.
		if _, err := crypto.ToECDSA(d); err != nil {
			continue
		}
		keys = append(keys, common.Bytes2Hex(d))
	}
	return keys, nil
}
