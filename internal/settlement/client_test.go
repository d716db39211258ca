package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticAgents struct {
	baseURL    string
	signingKey string
}

func (s *staticAgents) Get(ctx context.Context, agentCode string) (string, string, error) {
	return s.baseURL, s.signingKey, nil
}

func newTestClient(baseURL string) *Client {
	c := NewClient(&staticAgents{baseURL: baseURL, signingKey: "agent-cert"}, 2*time.Second)
	c.baseBackoff = time.Millisecond
	return c
}

func okResponse(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(WalletResponse{
		Status:    StatusAccepted,
		Balance:   "95.50",
		BalanceTs: time.Now().UTC().Format(time.RFC3339),
		UserID:    "user-1",
	})
}

func TestClientSendsSignedEnvelope(t *testing.T) {
	var got walletEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("envelope unreadable: %v", err)
		}
		okResponse(w)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	txn := Txn{
		PlatformTxID: "tx-1",
		RoundID:      "round-1",
		UserID:       "user-1",
		GameCode:     "crossy",
		Currency:     "USD",
		Amount:       "10.00",
	}
	resp, err := c.Bet(context.Background(), "agent-a", txn)
	if err != nil {
		t.Fatalf("Bet failed: %v", err)
	}
	if resp.Status != StatusAccepted {
		t.Errorf("status = %s, want %s", resp.Status, StatusAccepted)
	}

	if got.Key != "agent-cert" {
		t.Errorf("envelope key = %q, want agent-cert", got.Key)
	}
	var msg walletMessage
	if err := json.Unmarshal([]byte(got.Message), &msg); err != nil {
		t.Fatalf("inner message unreadable: %v", err)
	}
	if msg.Action != "bet" {
		t.Errorf("action = %q, want bet", msg.Action)
	}
	if len(msg.Txns) != 1 || msg.Txns[0].PlatformTxID != "tx-1" || msg.Txns[0].Amount != "10.00" {
		t.Errorf("unexpected txns: %+v", msg.Txns)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		okResponse(w)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Settle(context.Background(), "agent-a", Txn{PlatformTxID: "tx-2", Amount: "20.60"})
	if err != nil {
		t.Fatalf("Settle should succeed on the third attempt: %v", err)
	}
	if resp.Status != StatusAccepted {
		t.Errorf("status = %s, want %s", resp.Status, StatusAccepted)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Bet(context.Background(), "agent-a", Txn{PlatformTxID: "tx-3"})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if !IsTransient(err) {
		t.Errorf("exhausted 5xx failures should stay transient, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestClientDoesNotRetryBusinessRejection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(WalletResponse{Status: "1001", Message: "insufficient funds"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Bet(context.Background(), "agent-a", Txn{PlatformTxID: "tx-4", Amount: "999.00"})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	var rejected *AgentRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected AgentRejectedError, got %T: %v", err, err)
	}
	if rejected.Status != "1001" {
		t.Errorf("status = %s, want 1001", rejected.Status)
	}
	if IsTransient(err) {
		t.Error("business rejections must not look transient")
	}
	if resp == nil || resp.Status != "1001" {
		t.Error("the provider response should be returned alongside the rejection")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (no inline retry)", n)
	}
}

func TestClient4xxIsRejectionNotTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed envelope"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Settle(context.Background(), "agent-a", Txn{PlatformTxID: "tx-5", Amount: "20.60"})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	var rejected *AgentRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("a 4xx should surface as AgentRejectedError, got %T: %v", err, err)
	}
	if rejected.Status != "HTTP_400" {
		t.Errorf("status = %s, want HTTP_400", rejected.Status)
	}
	if IsTransient(err) {
		t.Error("a 4xx must not be replayed as transient")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (no inline retry)", n)
	}
}

func TestClientRejectsUnknownAction(t *testing.T) {
	c := newTestClient("http://localhost:0")
	if _, err := c.Call(context.Background(), "agent-a", "transfer", Txn{}); err == nil {
		t.Error("unknown actions should be rejected before any request is made")
	}
}
