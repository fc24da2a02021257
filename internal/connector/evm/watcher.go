package evm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/chainbench/internal/rpc"
)

type txState int

const (
	stateSubmitted txState = iota
	stateIncluded
	stateRejected
)

// inclusion is the terminal event of one submission.
type inclusion struct {
	state   txState
	receipt *rpc.Receipt
	err     error
}

// submission is a transaction in stateSubmitted. It leaves the pending set
// on its first terminal event.
type submission struct {
	done chan inclusion // buffered, receives exactly one event
}

// watcher resolves submissions against receipts, checking on every new head
// and on a polling backstop. The first terminal event for a hash wins and
// the hash is no longer watched; later events for it are dropped.
type watcher struct {
	client rpc.Client
	poll   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*submission

	cancel context.CancelFunc
	done   chan struct{}
}

func newWatcher(client rpc.Client, poll time.Duration, logger *slog.Logger) *watcher {
	return &watcher{
		client:  client,
		poll:    poll,
		logger:  logger,
		pending: make(map[string]*submission),
		done:    make(chan struct{}),
	}
}

// start runs the watch loop until stop is called. heads may be nil, in
// which case only the polling backstop is used.
func (w *watcher) start(ctx context.Context, heads <-chan rpc.Head) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx, heads)
}

func (w *watcher) stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *watcher) run(ctx context.Context, heads <-chan rpc.Head) {
	defer close(w.done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-heads:
			if !ok {
				w.logger.Warn("head feed closed, falling back to polling")
				heads = nil
				continue
			}
			w.check(ctx)
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// track registers hash before it is sent so that an inclusion observed
// right after the send cannot be missed. It reports false if hash is
// already awaiting its terminal event; the caller must not send it again.
func (w *watcher) track(hash string) (<-chan inclusion, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.pending[hash]; dup {
		return nil, false
	}
	s := &submission{done: make(chan inclusion, 1)}
	w.pending[hash] = s
	return s.done, true
}

// reject resolves hash as rejected, e.g. after the node refused it.
func (w *watcher) reject(hash string, err error) {
	w.resolve(hash, inclusion{state: stateRejected, err: err})
}

// resolve delivers ev if hash is still awaiting its first terminal event.
func (w *watcher) resolve(hash string, ev inclusion) bool {
	w.mu.Lock()
	s, ok := w.pending[hash]
	if ok {
		delete(w.pending, hash)
	}
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("dropping event for resolved transaction", "txHash", hash)
		return false
	}
	s.done <- ev
	return true
}

func (w *watcher) pendingHashes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	hashes := make([]string, 0, len(w.pending))
	for h := range w.pending {
		hashes = append(hashes, h)
	}
	return hashes
}

func (w *watcher) check(ctx context.Context) {
	hashes := w.pendingHashes()
	if len(hashes) == 0 {
		return
	}
	receipts, err := w.client.GetTransactionReceiptsBatch(ctx, hashes)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Debug("receipt check failed", "pending", len(hashes), "error", err)
		}
		return
	}
	for i, r := range receipts {
		if r == nil {
			continue
		}
		w.resolve(hashes[i], inclusion{state: stateIncluded, receipt: r})
	}
}
