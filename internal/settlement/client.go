package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// StatusAccepted is the wallet's success status. Anything else is a business
// rejection and is never retried inline.
const StatusAccepted = "0000"

// AgentRejectedError carries the provider's non-success status code.
type AgentRejectedError struct {
	Status  string
	Message string
}

func (e *AgentRejectedError) Error() string {
	return fmt.Sprintf("agent rejected request: status=%s %s", e.Status, e.Message)
}

// TransientError wraps network/timeout/5xx failures that are worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient wallet error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Txn is one wallet transaction inside the request envelope.
type Txn struct {
	PlatformTxID string `json:"platformTxId"`
	RoundID      string `json:"roundId"`
	UserID       string `json:"userId"`
	GameCode     string `json:"gameCode"`
	Currency     string `json:"currency"`
	Amount       string `json:"amount"`
}

// walletMessage is the inner JSON of the request envelope.
type walletMessage struct {
	Action string `json:"action"`
	Txns   []Txn  `json:"txns"`
}

// walletEnvelope is the outer request shape: the agent's signing cert plus the
// serialized message.
type walletEnvelope struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// WalletResponse is the provider's response envelope.
type WalletResponse struct {
	Status    string `json:"status"`
	Balance   string `json:"balance"`
	BalanceTs string `json:"balanceTs"`
	UserID    string `json:"userId"`
	Message   string `json:"message,omitempty"`
}

// AgentSource resolves an agent's wallet endpoint and signing key.
type AgentSource interface {
	Get(ctx context.Context, agentCode string) (baseURL, signingKey string, err error)
}

// Client calls the external wallet API for debit/credit/refund. Transient
// failures retry inline up to 3 times with exponential backoff; business
// rejections surface immediately.
type Client struct {
	httpClient *http.Client
	agents     AgentSource

	maxAttempts int
	baseBackoff time.Duration
}

// NewClient creates a wallet client with the given request timeout.
func NewClient(agents AgentSource, timeout time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		agents:      agents,
		maxAttempts: 3,
		baseBackoff: time.Second,
	}
}

// Bet debits the stake from the player's wallet.
func (c *Client) Bet(ctx context.Context, agentCode string, txn Txn) (*WalletResponse, error) {
	return c.call(ctx, agentCode, "bet", txn)
}

// Settle credits the round's win amount (zero for a lost round).
func (c *Client) Settle(ctx context.Context, agentCode string, txn Txn) (*WalletResponse, error) {
	return c.call(ctx, agentCode, "settle", txn)
}

// CancelBet refunds an earlier debit.
func (c *Client) CancelBet(ctx context.Context, agentCode string, txn Txn) (*WalletResponse, error) {
	return c.call(ctx, agentCode, "cancelBet", txn)
}

// Call dispatches by action name; used by the retry pipeline replaying jobs.
func (c *Client) Call(ctx context.Context, agentCode, action string, txn Txn) (*WalletResponse, error) {
	switch action {
	case "bet", "settle", "cancelBet":
		return c.call(ctx, agentCode, action, txn)
	default:
		return nil, fmt.Errorf("unknown wallet action %q", action)
	}
}

func (c *Client) call(ctx context.Context, agentCode, action string, txn Txn) (*WalletResponse, error) {
	baseURL, signingKey, err := c.agents.Get(ctx, agentCode)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent %s: %w", agentCode, err)
	}

	message, err := json.Marshal(walletMessage{Action: action, Txns: []Txn{txn}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet message: %w", err)
	}
	payload, err := json.Marshal(walletEnvelope{Key: signingKey, Message: string(message)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet envelope: %w", err)
	}

	log.Printf("[SETTLE] %s: agent=%s txn=%s amount=%s", action, agentCode, txn.PlatformTxID, txn.Amount)

	var lastErr error
	backoff := c.baseBackoff
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &TransientError{Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.doRequest(ctx, baseURL, payload)
		if err != nil {
			lastErr = err
			if IsTransient(err) {
				log.Printf("[SETTLE] %s attempt %d failed (transient): %v", action, attempt+1, err)
				continue
			}
			return nil, err
		}

		if resp.Status != StatusAccepted {
			// Business rejection: never retried inline
			return resp, &AgentRejectedError{Status: resp.Status, Message: resp.Message}
		}
		return resp, nil
	}

	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, baseURL string, payload []byte) (*WalletResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("wallet returned %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		// A 4xx means the wallet read the request and refused it; replaying the
		// same payload cannot change the answer, so it groups with rejections.
		return nil, &AgentRejectedError{
			Status:  fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: string(body),
		}
	}

	var walletResp WalletResponse
	if err := json.Unmarshal(body, &walletResp); err != nil {
		return nil, fmt.Errorf("failed to decode wallet response: %w (body: %s)", err, string(body))
	}
	return &walletResp, nil
}
