package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// Head is a block header delivered by a newHeads subscription.
type Head struct {
	Number     uint64
	Hash       string
	GasUsed    uint64
	GasLimit   uint64
	Timestamp  time.Time
	ReceivedAt time.Time
}

// HeadSource delivers new block headers until ctx is done or the feed fails,
// at which point the channel is closed.
type HeadSource interface {
	SubscribeHeads(ctx context.Context) (<-chan Head, error)
}

// WSHeadSource subscribes to newHeads over a WebSocket endpoint.
type WSHeadSource struct {
	URL    string
	Logger *slog.Logger
}

var _ HeadSource = (*WSHeadSource)(nil)

// SubscribeHeads implements HeadSource.
func (s *WSHeadSource) SubscribeHeads(ctx context.Context) (<-chan Head, error) {
	return SubscribeNewHeads(ctx, s.URL, s.Logger)
}

// SubscribeNewHeads dials url, issues eth_subscribe("newHeads") and streams
// parsed headers. The returned channel is closed when ctx is cancelled or
// the connection fails.
func SubscribeNewHeads(ctx context.Context, url string, logger *slog.Logger) (<-chan Head, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe newHeads: %w", err)
	}

	heads := make(chan Head, 64)

	// Unblock ReadJSON on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(heads)
		defer conn.Close()

		for {
			var msg struct {
				ID     *int `json:"id"`
				Error  *struct {
					Message string `json:"message"`
				} `json:"error"`
				Params *struct {
					Result struct {
						Number    string `json:"number"`
						Hash      string `json:"hash"`
						GasUsed   string `json:"gasUsed"`
						GasLimit  string `json:"gasLimit"`
						Timestamp string `json:"timestamp"`
					} `json:"result"`
				} `json:"params"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logger.Warn("newHeads subscription ended", "url", url, "error", err)
				}
				return
			}
			if msg.Error != nil {
				logger.Error("newHeads subscription rejected", "url", url, "error", msg.Error.Message)
				return
			}
			if msg.Params == nil {
				continue // subscription ack
			}

			r := msg.Params.Result
			num, err := hexutil.DecodeUint64(r.Number)
			if err != nil {
				logger.Debug("bad head number", "number", r.Number, "error", err)
				continue
			}
			h := Head{Number: num, Hash: r.Hash, ReceivedAt: time.Now()}
			h.GasUsed, _ = decodeHexOrZero(r.GasUsed)
			h.GasLimit, _ = decodeHexOrZero(r.GasLimit)
			if ts, err := decodeHexOrZero(r.Timestamp); err == nil && ts > 0 {
				h.Timestamp = time.Unix(int64(ts), 0)
			}

			select {
			case heads <- h:
			case <-ctx.Done():
				return
			}
		}
	}()

	return heads, nil
}

func decodeHexOrZero(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return hexutil.DecodeUint64(s)
}

// HTTPToWS converts an http(s) URL to ws(s). Other schemes are returned
// unchanged.
func HTTPToWS(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return u
}

// WSToHTTP converts a ws(s) URL to http(s).
func WSToHTTP(u string) string {
	switch {
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	}
	return u
}
