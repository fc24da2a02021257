package sim

import (
	"context"
	"fmt"
	"sync"
)

// Ledger is the simulated backend state: the nonces each address has
// consumed. It is shared by every session of a connector.
type Ledger struct {
	mu       sync.Mutex
	next     map[string]uint64
	used     map[string]map[uint64]struct{}
	included int64
	rejected int64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		next: make(map[string]uint64),
		used: make(map[string]map[uint64]struct{}),
	}
}

// GetNonce returns the next unused nonce of address, so a Ledger can seed
// account.Account.
func (l *Ledger) GetNonce(_ context.Context, address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next[address], nil
}

// Apply consumes nonce for address. A transaction that reuses a nonce is
// refused. committed is false for a transaction that took the slot but
// failed, which still moves the nonce forward.
func (l *Ledger) Apply(address string, nonce uint64, committed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	slots, ok := l.used[address]
	if !ok {
		slots = make(map[uint64]struct{})
		l.used[address] = slots
	}
	if _, dup := slots[nonce]; dup {
		l.rejected++
		return fmt.Errorf("nonce too low: %d already used by %s", nonce, address)
	}
	slots[nonce] = struct{}{}
	if nonce >= l.next[address] {
		l.next[address] = nonce + 1
	}
	if committed {
		l.included++
	} else {
		l.rejected++
	}
	return nil
}

// LedgerStats counts the transactions the ledger has seen.
type LedgerStats struct {
	Included int64
	Rejected int64
}

// Stats returns a snapshot of the counters.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LedgerStats{Included: l.included, Rejected: l.rejected}
}
