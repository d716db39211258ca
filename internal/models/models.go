package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Bet statuses. Settlement against an already-terminal bet is a no-op.
const (
	BetPlaced            = "PLACED"
	BetPendingSettlement = "PENDING_SETTLEMENT"
	BetWon               = "WON"
	BetLost              = "LOST"
	BetRefunded          = "REFUNDED"
	BetSettlementFailed  = "SETTLEMENT_FAILED"
	BetCancelled         = "CANCELLED"
)

// Retry job statuses.
const (
	RetryPending    = "PENDING"
	RetryProcessing = "PROCESSING"
	RetrySuccess    = "SUCCESS"
	RetryExpired    = "EXPIRED"
)

// Wallet API actions.
const (
	ActionBet       = "bet"
	ActionSettle    = "settle"
	ActionCancelBet = "cancelBet"
)

// Bet is the durable ledger row for one round.
type Bet struct {
	ID           int             `db:"id" json:"id"`
	PlatformTxID string          `db:"platform_tx_id" json:"platform_tx_id"`
	RoundID      string          `db:"round_id" json:"round_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	AgentCode    string          `db:"agent_code" json:"agent_code"`
	GameCode     string          `db:"game_code" json:"game_code"`
	Difficulty   string          `db:"difficulty" json:"difficulty"`
	Currency     string          `db:"currency" json:"currency"`
	BetAmount    decimal.Decimal `db:"bet_amount" json:"bet_amount"`
	WinAmount    decimal.Decimal `db:"win_amount" json:"win_amount"`
	Status       string          `db:"status" json:"status"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	SettledAt    sql.NullTime    `db:"settled_at" json:"settled_at,omitempty"`
}

// RetryJob is a persisted failed settlement awaiting out-of-band resolution.
type RetryJob struct {
	ID               int            `db:"id" json:"id"`
	PlatformTxID     string         `db:"platform_tx_id" json:"platform_tx_id"`
	APIAction        string         `db:"api_action" json:"api_action"`
	Status           string         `db:"status" json:"status"`
	RetryAttempt     int            `db:"retry_attempt" json:"retry_attempt"`
	NextRetryAt      time.Time      `db:"next_retry_at" json:"next_retry_at"`
	InitialFailureAt time.Time      `db:"initial_failure_at" json:"initial_failure_at"`
	Payload          []byte         `db:"payload" json:"payload"`
	LastError        sql.NullString `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// ErrorAudit records a settlement failure for later inspection.
type ErrorAudit struct {
	ID           int            `db:"id" json:"id"`
	PlatformTxID sql.NullString `db:"platform_tx_id" json:"platform_tx_id,omitempty"`
	APIAction    sql.NullString `db:"api_action" json:"api_action,omitempty"`
	AgentCode    sql.NullString `db:"agent_code" json:"agent_code,omitempty"`
	ErrorText    string         `db:"error_text" json:"error_text"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// AgentConfig holds the wallet endpoint and signing key for one agent.
type AgentConfig struct {
	AgentCode  string    `db:"agent_code" json:"agent_code"`
	BaseURL    string    `db:"base_url" json:"base_url"`
	SigningKey string    `db:"signing_key" json:"-"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// OperatorAccount is a back-office login for manual reconciliation.
type OperatorAccount struct {
	Username    string    `db:"username" json:"username"`
	DisplayName string    `db:"display_name" json:"display_name"`
	TokenHash   string    `db:"token_hash" json:"-"`
	Roles       []string  `db:"roles" json:"roles"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// OperatorAudit records a back-office action.
type OperatorAudit struct {
	ID        int            `db:"id" json:"id"`
	Operator  string         `db:"operator" json:"operator"`
	IP        sql.NullString `db:"ip" json:"ip,omitempty"`
	Route     sql.NullString `db:"route" json:"route,omitempty"`
	Action    string         `db:"action" json:"action"`
	Details   []byte         `db:"details" json:"details,omitempty"`
	Success   bool           `db:"success" json:"success"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
