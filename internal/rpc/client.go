// Package rpc is a small Ethereum JSON-RPC client with retry logic and a
// newHeads subscription used to detect transaction inclusion.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the subset of the Ethereum JSON-RPC API used by the evm connector.
type Client interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// SendRawTransaction submits a signed transaction and returns the hash
	// reported by the node.
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)

	// GetNonce returns the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetCode(ctx context.Context, address string) (string, error)
	GetGasPrice(ctx context.Context) (uint64, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// GetTransactionReceiptsBatch returns receipts in input order. Entries
	// are nil for transactions that are not yet included.
	GetTransactionReceiptsBatch(ctx context.Context, txHashes []string) ([]*Receipt, error)
}

// Receipt is the part of a transaction receipt the harness inspects.
type Receipt struct {
	TxHash          string `json:"transactionHash"`
	Status          uint64 `json:"status"` // 1 = success, 0 = reverted
	GasUsed         uint64 `json:"gasUsed"`
	ContractAddress string `json:"contractAddress"`
	BlockNumber     uint64 `json:"blockNumber"`
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	ID int `json:"id"`
}

// BatchRequest is one call of a batch.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse is the result of one call of a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	// Observe, if set, is called once per call with its total duration,
	// retries included.
	Observe func(method string, d time.Duration, err error)
}

// DefaultClientConfig returns the default configuration for url.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// HTTPClient implements Client over HTTP POST.
type HTTPClient struct {
	url        string
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	observe    func(method string, d time.Duration, err error)
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client. Connections are pooled per host so that
// concurrent workers share keep-alive connections.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		url: cfg.URL,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        1000,
				MaxIdleConnsPerHost: 500,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		observe:    cfg.Observe,
	}
}

// RPCError is an application-level error returned by the node. It is never
// retried.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is a non-200 HTTP response.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable reports whether the status indicates a transient condition.
func (e *HTTPStatusError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Call makes a single JSON-RPC call.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		var resp response
		if err := c.post(ctx, body, &resp); err != nil {
			return err
		}
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		result = resp.Result
		return nil
	})
	return result, err
}

// BatchCall sends all calls in one HTTP request. Results are returned in
// input order; per-call failures are reported in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]request, len(calls))
	for i, call := range calls {
		reqs[i] = request{JSONRPC: "2.0", Method: call.Method, Params: call.Params, ID: i + 1}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	out := make([]BatchResponse, len(calls))
	err = c.withRetry(ctx, "batch", func() error {
		var resps []response
		if err := c.post(ctx, body, &resps); err != nil {
			return err
		}
		byID := make(map[int]response, len(resps))
		for _, r := range resps {
			byID[r.ID] = r
		}
		for i := range calls {
			r, ok := byID[i+1]
			switch {
			case !ok:
				out[i] = BatchResponse{Error: fmt.Errorf("missing response for call %d", i+1)}
			case r.Error != nil:
				out[i] = BatchResponse{Error: &RPCError{Code: r.Error.Code, Message: r.Error.Message}}
			default:
				out[i] = BatchResponse{Result: r.Result}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withRetry runs fn with exponential backoff. RPC errors and context
// cancellation end the loop at once.
func (c *HTTPClient) withRetry(ctx context.Context, method string, fn func() error) error {
	if c.observe == nil {
		return c.retry(ctx, method, fn)
	}
	start := time.Now()
	err := c.retry(ctx, method, fn)
	c.observe(method, time.Since(start), err)
	return err
}

func (c *HTTPClient) retry(ctx context.Context, method string, fn func() error) error {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return err
		}
		var httpErr *HTTPStatusError
		if errors.As(err, &httpErr) {
			if !httpErr.IsRetryable() {
				return err
			}
			if httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}
		}
		c.logger.Debug("rpc call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				statusErr.RetryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) callUint64(ctx context.Context, method string, params []any) (uint64, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return 0, fmt.Errorf("%s: unmarshal: %w", method, err)
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("%s: decode %q: %w", method, s, err)
	}
	return n, nil
}

// SendRawTransaction submits a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// GetNonce returns the pending transaction count, which includes
// transactions still in the mempool.
func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	return c.callUint64(ctx, "eth_getTransactionCount", []any{address, "pending"})
}

// ChainID returns the chain id reported by the node.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.callUint64(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(id), nil
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "eth_blockNumber", nil)
}

// GetGasPrice returns the node's suggested gas price in wei.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "eth_gasPrice", nil)
}

// GetCode returns the code deployed at address, "0x" when there is none.
func (c *HTTPClient) GetCode(ctx context.Context, address string) (string, error) {
	result, err := c.Call(ctx, "eth_getCode", []any{address, "latest"})
	if err != nil {
		return "", err
	}
	var code string
	if err := json.Unmarshal(result, &code); err != nil {
		return "", fmt.Errorf("unmarshal code: %w", err)
	}
	return code, nil
}

// GetTransactionReceipt returns the receipt, or nil when not yet included.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	return parseReceipt(result)
}

// GetTransactionReceiptsBatch fetches many receipts in one request.
func (c *HTTPClient) GetTransactionReceiptsBatch(ctx context.Context, txHashes []string) ([]*Receipt, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}
	calls := make([]BatchRequest, len(txHashes))
	for i, h := range txHashes {
		calls[i] = BatchRequest{Method: "eth_getTransactionReceipt", Params: []any{h}}
	}
	resps, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("receipt batch: %w", err)
	}

	receipts := make([]*Receipt, len(txHashes))
	for i, r := range resps {
		if r.Error != nil {
			c.logger.Debug("receipt fetch failed", "txHash", txHashes[i], "error", r.Error)
			continue
		}
		if len(r.Result) == 0 || string(r.Result) == "null" {
			continue
		}
		rec, err := parseReceipt(r.Result)
		if err != nil {
			c.logger.Debug("receipt parse failed", "txHash", txHashes[i], "error", err)
			continue
		}
		receipts[i] = rec
	}
	return receipts, nil
}

func parseReceipt(data json.RawMessage) (*Receipt, error) {
	var raw struct {
		TxHash          string `json:"transactionHash"`
		Status          string `json:"status"`
		GasUsed         string `json:"gasUsed"`
		ContractAddress string `json:"contractAddress"`
		BlockNumber     string `json:"blockNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	status, err := hexutil.DecodeUint64(raw.Status)
	if err != nil {
		return nil, fmt.Errorf("decode receipt status %q: %w", raw.Status, err)
	}
	gasUsed, _ := hexutil.DecodeUint64(raw.GasUsed)
	block, _ := hexutil.DecodeUint64(raw.BlockNumber)
	return &Receipt{
		TxHash:          raw.TxHash,
		Status:          status,
		GasUsed:         gasUsed,
		ContractAddress: raw.ContractAddress,
		BlockNumber:     block,
	}, nil
}
