package account

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeNonceSource struct {
	nonce uint64
	err   error
}

var _ NonceSource = (*fakeNonceSource)(nil)

func (f *fakeNonceSource) GetNonce(_ context.Context, _ string) (uint64, error) {
	return f.nonce, f.err
}

func TestConsume(t *testing.T) {
	acc, err := NewAccountFromHex(TestPrivateKeys[0])
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	acc.SetNonce(100)

	if got := acc.Consume(); got != 100 {
		t.Errorf("Consume() = %d, want 100", got)
	}
	if got := acc.Consume(); got != 101 {
		t.Errorf("Consume() = %d, want 101", got)
	}
	if got := acc.Nonce(); got != 102 {
		t.Errorf("Nonce() = %d, want 102", got)
	}
}

func TestConsumeConcurrent(t *testing.T) {
	acc, _ := NewAccountFromHex(TestPrivateKeys[1])

	const n = 200
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- acc.Consume()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		if unique[v] {
			t.Fatalf("nonce %d issued twice", v)
		}
		unique[v] = true
	}
	if acc.Nonce() != n {
		t.Errorf("Nonce() = %d, want %d", acc.Nonce(), n)
	}
}

func TestSync(t *testing.T) {
	acc, _ := NewAccountFromHex("0x" + TestPrivateKeys[2])

	if err := acc.Sync(context.Background(), &fakeNonceSource{nonce: 7}); err != nil {
		t.Fatal(err)
	}
	if acc.Nonce() != 7 {
		t.Errorf("Nonce() = %d, want 7", acc.Nonce())
	}

	boom := errors.New("boom")
	if err := acc.Sync(context.Background(), &fakeNonceSource{err: boom}); !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
	if acc.Nonce() != 7 {
		t.Errorf("failed sync changed nonce to %d", acc.Nonce())
	}
}

func TestTestKeys(t *testing.T) {
	accounts, err := FromHexKeys(TestPrivateKeys)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 10 {
		t.Fatalf("got %d accounts", len(accounts))
	}
	if got := accounts[0].Address.Hex(); got != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Errorf("account 0 address = %s", got)
	}
	if accounts[0].KeyHex() != TestPrivateKeys[0] {
		t.Errorf("KeyHex() round trip failed")
	}

	if _, err := FromHexKeys([]string{"zz"}); err == nil {
		t.Error("expected error for bad key")
	}
}

func TestDerive(t *testing.T) {
	a, err := Derive("bench", 5)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Derive("bench", 5)
	c, _ := Derive("other", 5)

	if len(a) != 5 {
		t.Fatalf("got %d keys", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("key %d not deterministic", i)
		}
		if a[i] == c[i] {
			t.Errorf("key %d identical across seeds", i)
		}
		if _, err := NewAccountFromHex(a[i]); err != nil {
			t.Errorf("derived key %d invalid: %v", i, err)
		}
	}

	if _, err := Derive("", 1); err == nil {
		t.Error("expected error for empty seed")
	}
}
