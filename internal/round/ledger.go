package round

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/playcrossy/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Ledger is the durable bet record the engine writes through. Satisfied by
// BetLedger in production and by an in-memory fake in tests.
type Ledger interface {
	CreateBet(ctx context.Context, bet *models.Bet) error
	// SettleBet moves a bet to a terminal status. Returns false when the bet
	// was already terminal, which makes settlement idempotent.
	SettleBet(ctx context.Context, platformTxID, status string, winAmount decimal.Decimal) (bool, error)
	MarkPendingSettlement(ctx context.Context, platformTxID string) error
	GetBet(ctx context.Context, platformTxID string) (*models.Bet, error)
}

// BetLedger is the sqlx-backed Ledger over the bets table.
type BetLedger struct {
	db *sqlx.DB
}

func NewBetLedger(db *sqlx.DB) *BetLedger {
	return &BetLedger{db: db}
}

func (l *BetLedger) CreateBet(ctx context.Context, bet *models.Bet) error {
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO bets (platform_tx_id, round_id, user_id, agent_code, game_code, difficulty, currency, bet_amount, win_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id`,
		bet.PlatformTxID, bet.RoundID, bet.UserID, bet.AgentCode, bet.GameCode,
		bet.Difficulty, bet.Currency, bet.BetAmount, decimal.Zero, models.BetPlaced,
	).Scan(&bet.ID)
	if err != nil {
		return fmt.Errorf("failed to record bet: %w", err)
	}
	return nil
}

func (l *BetLedger) SettleBet(ctx context.Context, platformTxID, status string, winAmount decimal.Decimal) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE bets SET status=$1, win_amount=$2, settled_at=NOW()
		WHERE platform_tx_id=$3 AND status IN ($4,$5)`,
		status, winAmount, platformTxID, models.BetPlaced, models.BetPendingSettlement)
	if err != nil {
		return false, fmt.Errorf("failed to settle bet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *BetLedger) MarkPendingSettlement(ctx context.Context, platformTxID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE bets SET status=$1 WHERE platform_tx_id=$2 AND status=$3`,
		models.BetPendingSettlement, platformTxID, models.BetPlaced)
	if err != nil {
		return fmt.Errorf("failed to mark bet pending settlement: %w", err)
	}
	return nil
}

func (l *BetLedger) GetBet(ctx context.Context, platformTxID string) (*models.Bet, error) {
	var bet models.Bet
	err := l.db.GetContext(ctx, &bet, `
		SELECT id, platform_tx_id, round_id, user_id, agent_code, game_code, difficulty, currency, bet_amount, win_amount, status, created_at, settled_at
		FROM bets WHERE platform_tx_id=$1`, platformTxID)
	if err != nil {
		return nil, err
	}
	return &bet, nil
}
