package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/chainbench/internal/rpc"
)

// BlockSummary is what the block monitor saw over one round.
type BlockSummary struct {
	Blocks       int
	FirstBlock   uint64
	LastBlock    uint64
	GasUsed      uint64
	GasLimit     uint64
	AvgBlockTime time.Duration
	MgasPerSec   float64
	FillRate     float64 // percent of the gas limit used
}

type blockWindow struct {
	blocks    int
	first     uint64
	last      uint64
	gasUsed   uint64
	gasLimit  uint64
	blockTime time.Duration
	timed     int
	lastAt    time.Time
}

func (w blockWindow) summary() BlockSummary {
	s := BlockSummary{
		Blocks:     w.blocks,
		FirstBlock: w.first,
		LastBlock:  w.last,
		GasUsed:    w.gasUsed,
		GasLimit:   w.gasLimit,
	}
	if w.timed > 0 {
		s.AvgBlockTime = w.blockTime / time.Duration(w.timed)
	}
	if w.blockTime > 0 {
		s.MgasPerSec = float64(w.gasUsed) / 1_000_000 / w.blockTime.Seconds()
	}
	if w.gasLimit > 0 {
		s.FillRate = float64(w.gasUsed) / float64(w.gasLimit) * 100
	}
	return s
}

// BlockMonitor follows newHeads and summarizes block production per round.
type BlockMonitor struct {
	heads  rpc.HeadSource
	onHead func(rpc.Head)
	logger *slog.Logger

	mu     sync.Mutex
	cur    blockWindow
	max    BlockSummary
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Monitor = (*BlockMonitor)(nil)

// NewBlockMonitor creates a monitor reading heads from src.
func NewBlockMonitor(src rpc.HeadSource, onHead func(rpc.Head), logger *slog.Logger) *BlockMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockMonitor{heads: src, onHead: onHead, logger: logger.With("monitor", "blocks")}
}

// Start subscribes to new heads. The subscription lives until Stop.
func (m *BlockMonitor) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := m.heads.SubscribeHeads(subCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe newHeads: %w", err)
	}
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for h := range ch {
			m.processNewHead(h)
		}
		m.logger.Debug("head feed closed")
	}()
	return nil
}

// Restart closes the current round's window and starts a new one.
func (m *BlockMonitor) Restart(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fold()
	m.cur = blockWindow{}
	return nil
}

// Stop ends the subscription.
func (m *BlockMonitor) Stop(context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	m.mu.Lock()
	m.fold()
	m.mu.Unlock()
	return nil
}

func (m *BlockMonitor) processNewHead(h rpc.Head) {
	if m.onHead != nil {
		m.onHead(h)
	}
	at := h.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := &m.cur
	if w.blocks > 0 && h.Number <= w.last {
		// Reorg or duplicate notification.
		return
	}
	if w.blocks == 0 {
		w.first = h.Number
	}
	if !w.lastAt.IsZero() {
		w.blockTime += at.Sub(w.lastAt)
		w.timed++
	}
	w.blocks++
	w.last = h.Number
	w.gasUsed += h.GasUsed
	w.gasLimit += h.GasLimit
	w.lastAt = at
}

// fold merges the current window into the running maximum. m.mu is held.
func (m *BlockMonitor) fold() {
	s := m.cur.summary()
	m.max.Blocks = max(m.max.Blocks, s.Blocks)
	m.max.GasUsed = max(m.max.GasUsed, s.GasUsed)
	m.max.GasLimit = max(m.max.GasLimit, s.GasLimit)
	m.max.AvgBlockTime = max(m.max.AvgBlockTime, s.AvgBlockTime)
	m.max.MgasPerSec = max(m.max.MgasPerSec, s.MgasPerSec)
	m.max.FillRate = max(m.max.FillRate, s.FillRate)
	m.max.LastBlock = max(m.max.LastBlock, s.LastBlock)
}

// Summary returns the current round's summary.
func (m *BlockMonitor) Summary() BlockSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.summary()
}

var blockHeaders = []string{"Blocks", "Gas used", "Avg block time", "MGas/s", "Fill rate"}

func blockRow(s BlockSummary) []string {
	return []string{
		fmt.Sprintf("%d", s.Blocks),
		fmt.Sprintf("%d", s.GasUsed),
		s.AvgBlockTime.Round(time.Millisecond).String(),
		fmt.Sprintf("%.2f", s.MgasPerSec),
		fmt.Sprintf("%.1f%%", s.FillRate),
	}
}

// Stats implements Monitor.
func (m *BlockMonitor) Stats() []Table {
	return []Table{{Title: "Blocks", Headers: blockHeaders, Rows: [][]string{blockRow(m.Summary())}}}
}

// MaxStats implements Monitor. The current round counts as well.
func (m *BlockMonitor) MaxStats() []Table {
	m.mu.Lock()
	m.fold()
	s := m.max
	m.mu.Unlock()
	return []Table{{Title: "Blocks (max)", Headers: blockHeaders, Rows: [][]string{blockRow(s)}}}
}
