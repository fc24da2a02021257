package account

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SignCursor tracks, per address, the nonce following the last transaction
// signed for later replay. Sessions opened before any of those transactions
// reach the backend seed from stale state; the cursor carries the sequence
// across them.
type SignCursor struct {
	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewSignCursor returns an empty cursor.
func NewSignCursor() *SignCursor {
	return &SignCursor{next: make(map[common.Address]uint64)}
}

// Reserve is Account.Reserve starting no lower than the cursor for a's
// address. The cursor moves only when build succeeds.
func (c *SignCursor) Reserve(a *Account, build func(nonce uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if next, ok := c.next[a.Address]; ok && next > a.Nonce() {
		a.SetNonce(next)
	}
	var used uint64
	err := a.Reserve(func(n uint64) error {
		used = n
		return build(n)
	})
	if err != nil {
		return err
	}
	c.next[a.Address] = used + 1
	return nil
}

// Reset forgets every address.
func (c *SignCursor) Reset() {
	c.mu.Lock()
	clear(c.next)
	c.mu.Unlock()
}
