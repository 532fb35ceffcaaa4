package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Relay Client — JSON-RPC submission and confirmation polling
// ---------------------------------------------------------------------------

// RelayConfig configures the JSON-RPC relay client.
type RelayConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultRelayConfig returns production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      2 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 20,
	}
}

// ConfirmationStatus is the polled state of a submitted transaction.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationFailed    ConfirmationStatus = "failed"
	ConfirmationDropped   ConfirmationStatus = "dropped"
)

// SignatureStatus reports the confirmation state of one signature.
type SignatureStatus struct {
	Signature Signature
	Status    ConfirmationStatus
	Slot      uint64
	Err       string // on-chain error, empty on success
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// RelayClient talks JSON-RPC to a transaction relay endpoint.
// Safe for concurrent use.
type RelayClient struct {
	config     RelayConfig
	httpClient *http.Client

	limiter chan struct{}
	stopCh  chan struct{}
	nextID  atomic.Int64

	// Stats.
	requestCount atomic.Int64
	errorCount   atomic.Int64
	submitted    atomic.Int64
}

// NewRelayClient creates a relay client with a token-bucket rate limiter.
func NewRelayClient(config RelayConfig) *RelayClient {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 20
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	c := &RelayClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		stopCh:     make(chan struct{}),
	}

	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				select {
				case c.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return c
}

// Close shuts down the relay client.
func (c *RelayClient) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *RelayClient) call(ctx context.Context, method string, params []any, out any) error {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return ctx.Err()
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.requestCount.Add(1)
		lastErr = c.doOnce(ctx, method, body, out)
		if lastErr == nil {
			return nil
		}
		c.errorCount.Add(1)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

func (c *RelayClient) doOnce(ctx context.Context, method string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// LatestBlockhash fetches the most recent blockhash.
func (c *RelayClient) LatestBlockhash(ctx context.Context) (Hash, uint64, error) {
	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := c.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "confirmed"}}, &result)
	if err != nil {
		return Hash{}, 0, err
	}
	h, err := ParseHash(result.Value.Blockhash)
	if err != nil {
		return Hash{}, 0, err
	}
	return h, result.Context.Slot, nil
}

// Submit sends a signed transaction, returning its first signature as the
// submission id.
func (c *RelayClient) Submit(ctx context.Context, tx *Transaction) (Signature, error) {
	var sigStr string
	params := []any{
		tx.Base64(),
		map[string]any{"encoding": "base64", "skipPreflight": true, "maxRetries": 0},
	}
	if err := c.call(ctx, "sendTransaction", params, &sigStr); err != nil {
		return Signature{}, err
	}
	c.submitted.Add(1)

	sig, err := ParseSignature(sigStr)
	if err != nil {
		return Signature{}, fmt.Errorf("sendTransaction: bad signature in response: %w", err)
	}

	log.Debug().Str("signature", sig.String()).Msg("relay: transaction submitted")
	return sig, nil
}

// Status polls the confirmation state of a signature.
func (c *RelayClient) Status(ctx context.Context, sig Signature) (SignatureStatus, error) {
	var result struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			Confirmations      *uint64         `json:"confirmations"`
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	params := []any{[]string{sig.String()}, map[string]bool{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return SignatureStatus{Signature: sig, Status: ConfirmationPending}, err
	}

	st := SignatureStatus{Signature: sig, Status: ConfirmationPending}
	if len(result.Value) == 0 || result.Value[0] == nil {
		st.Status = ConfirmationDropped
		return st, nil
	}
	v := result.Value[0]
	st.Slot = v.Slot
	if len(v.Err) > 0 && string(v.Err) != "null" {
		st.Status = ConfirmationFailed
		st.Err = string(v.Err)
		return st, nil
	}
	switch v.ConfirmationStatus {
	case "confirmed", "finalized":
		st.Status = ConfirmationConfirmed
	default:
		st.Status = ConfirmationPending
	}
	return st, nil
}

// Metrics returns relay client counters.
func (c *RelayClient) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"requests_total":  c.requestCount.Load(),
		"errors_total":    c.errorCount.Load(),
		"submitted_total": c.submitted.Load(),
	}
}
