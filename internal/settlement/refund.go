package settlement

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jmoiron/sqlx"
	"github.com/playcrossy/backend/internal/models"
	"github.com/shopspring/decimal"
)

// SessionChecker reports whether a live session still references the given
// transaction. The refund sweep must not touch bets whose round is still open.
type SessionChecker interface {
	SessionReferences(ctx context.Context, platformTxID string) bool
}

// RefundSweeper refunds bets whose rounds went dark: debited at placement but
// never settled, with no live session left to settle them. The conditional
// UPDATE guarantees at most one refund per bet even with concurrent instances.
type RefundSweeper struct {
	db       *sqlx.DB
	client   *Client
	retries  *RetryScheduler
	sessions SessionChecker

	sessionTTL   time.Duration
	refundBuffer time.Duration
	sweepEvery   time.Duration

	sched gocron.Scheduler
}

func NewRefundSweeper(db *sqlx.DB, client *Client, retries *RetryScheduler, sessions SessionChecker, sessionTTL, refundBuffer, sweepEvery time.Duration) *RefundSweeper {
	return &RefundSweeper{
		db:           db,
		client:       client,
		retries:      retries,
		sessions:     sessions,
		sessionTTL:   sessionTTL,
		refundBuffer: refundBuffer,
		sweepEvery:   sweepEvery,
	}
}

func (r *RefundSweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	r.sched = sched

	_, err = sched.NewJob(
		gocron.DurationJob(r.sweepEvery),
		gocron.NewTask(func() {
			r.Sweep(context.Background())
		}),
	)
	if err != nil {
		return err
	}

	sched.Start()
	log.Printf("[REFUND] Sweep scheduled every %s", r.sweepEvery)
	return nil
}

func (r *RefundSweeper) Stop() {
	if r.sched != nil {
		if err := r.sched.Shutdown(); err != nil {
			log.Printf("[REFUND] Scheduler shutdown error: %v", err)
		}
	}
}

// Sweep refunds orphaned PLACED bets older than sessionTTL + buffer.
func (r *RefundSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-(r.sessionTTL + r.refundBuffer))

	var bets []models.Bet
	err := r.db.SelectContext(ctx, &bets, `
		SELECT id, platform_tx_id, round_id, user_id, agent_code, game_code, difficulty, currency, bet_amount, win_amount, status, created_at, settled_at
		FROM bets
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT 100`,
		models.BetPlaced, cutoff)
	if err != nil {
		log.Printf("[REFUND] Failed to fetch orphaned bets: %v", err)
		return
	}
	if len(bets) == 0 {
		return
	}

	log.Printf("[REFUND] Found %d candidate orphaned bet(s)", len(bets))
	for i := range bets {
		r.refund(ctx, &bets[i])
	}
}

func (r *RefundSweeper) refund(ctx context.Context, bet *models.Bet) {
	// A session past its TTL should be gone, but never refund under a round
	// that is somehow still live.
	if r.sessions != nil && r.sessions.SessionReferences(ctx, bet.PlatformTxID) {
		log.Printf("[REFUND] Skipping %s: session still references it", bet.PlatformTxID)
		return
	}

	txn := Txn{
		PlatformTxID: bet.PlatformTxID,
		RoundID:      bet.RoundID,
		UserID:       bet.UserID,
		GameCode:     bet.GameCode,
		Currency:     bet.Currency,
		Amount:       bet.BetAmount.StringFixed(2),
	}

	_, err := r.client.CancelBet(ctx, bet.AgentCode, txn)
	if err != nil {
		log.Printf("[REFUND] cancelBet failed for %s: %v", bet.PlatformTxID, err)
		if IsTransient(err) {
			payload := RetryPayload{
				AgentCode:       bet.AgentCode,
				Txn:             txn,
				StatusOnSuccess: models.BetRefunded,
			}
			if qErr := r.retries.Enqueue(ctx, bet.PlatformTxID, models.ActionCancelBet, payload, time.Now(), err); qErr != nil {
				log.Printf("[REFUND] Failed to queue retry for %s: %v", bet.PlatformTxID, qErr)
			}
		}
		return
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE bets SET status=$1, win_amount=$2, settled_at=NOW()
		WHERE platform_tx_id=$3 AND status=$4`,
		models.BetRefunded, decimal.Zero, bet.PlatformTxID, models.BetPlaced)
	if err != nil {
		log.Printf("[REFUND] Refunded %s at the wallet but ledger update failed: %v", bet.PlatformTxID, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[REFUND] Bet %s changed status mid-refund, ledger untouched", bet.PlatformTxID)
		return
	}
	log.Printf("[REFUND] Refunded orphaned bet %s (%s %s)", bet.PlatformTxID, txn.Amount, bet.Currency)
}

// CleanupSweeper prunes settled bets and audit rows past the retention window.
type CleanupSweeper struct {
	db            *sqlx.DB
	retentionDays int
	sweepEvery    time.Duration

	sched gocron.Scheduler
}

func NewCleanupSweeper(db *sqlx.DB, retentionDays int, sweepEvery time.Duration) *CleanupSweeper {
	return &CleanupSweeper{db: db, retentionDays: retentionDays, sweepEvery: sweepEvery}
}

func (c *CleanupSweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	c.sched = sched

	_, err = sched.NewJob(
		gocron.DurationJob(c.sweepEvery),
		gocron.NewTask(func() {
			c.Sweep(context.Background())
		}),
	)
	if err != nil {
		return err
	}

	sched.Start()
	log.Printf("[CLEANUP] Sweep scheduled every %s (retention=%dd)", c.sweepEvery, c.retentionDays)
	return nil
}

func (c *CleanupSweeper) Stop() {
	if c.sched != nil {
		if err := c.sched.Shutdown(); err != nil {
			log.Printf("[CLEANUP] Scheduler shutdown error: %v", err)
		}
	}
}

// Sweep deletes terminal bets and audit rows older than the retention window.
// Non-terminal bets are kept regardless of age.
func (c *CleanupSweeper) Sweep(ctx context.Context) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM bets
		WHERE status IN ($1,$2,$3,$4) AND created_at < NOW() - ($5 * INTERVAL '1 day')`,
		models.BetWon, models.BetLost, models.BetRefunded, models.BetCancelled, c.retentionDays)
	if err != nil {
		log.Printf("[CLEANUP] Failed to prune bets: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[CLEANUP] Pruned %d settled bet(s)", n)
	}

	res, err = c.db.ExecContext(ctx, `
		DELETE FROM error_audit WHERE created_at < NOW() - ($1 * INTERVAL '1 day')`,
		c.retentionDays)
	if err != nil {
		log.Printf("[CLEANUP] Failed to prune error audit: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[CLEANUP] Pruned %d audit row(s)", n)
	}
}
