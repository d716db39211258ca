package round

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/playcrossy/backend/internal/config"
	"github.com/playcrossy/backend/internal/fairness"
	"github.com/playcrossy/backend/internal/hazard"
	"github.com/playcrossy/backend/internal/models"
	"github.com/playcrossy/backend/internal/settlement"
	"github.com/shopspring/decimal"
)

// Round statuses surfaced to clients.
const (
	StatusActive  = "ACTIVE"
	StatusWon     = "WON"
	StatusLost    = "LOST"
	StatusCashout = "CASHOUT"
)

// Wallet is the settlement surface the engine needs. *settlement.Client
// satisfies it.
type Wallet interface {
	Bet(ctx context.Context, agentCode string, txn settlement.Txn) (*settlement.WalletResponse, error)
	Settle(ctx context.Context, agentCode string, txn settlement.Txn) (*settlement.WalletResponse, error)
	CancelBet(ctx context.Context, agentCode string, txn settlement.Txn) (*settlement.WalletResponse, error)
}

// RetryQueue persists failed settlements for out-of-band replay.
type RetryQueue interface {
	Enqueue(ctx context.Context, platformTxID, apiAction string, payload settlement.RetryPayload, failedAt time.Time, cause error) error
}

// Recorder captures settlement failures for the audit trail.
type Recorder interface {
	Record(ctx context.Context, platformTxID, apiAction, agentCode string, cause error)
}

// Seeds is the provably-fair surface the engine needs.
type Seeds interface {
	GetOrCreate(ctx context.Context, userID, agentCode string) (*fairness.Record, error)
	RotateSeeds(ctx context.Context, userID, agentCode string) (*fairness.Record, error)
}

// HazardSource serves the currently active hazard pattern.
type HazardSource interface {
	GetActiveHazards(ctx context.Context, gameCode, difficulty string) ([]int, error)
}

// Locker serializes bet placement per user across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(key string)
}

// ConfigSource resolves per-game configuration.
type ConfigSource interface {
	Get(gameCode string) *config.GameConfig
}

// RoundView is the client-facing projection of a round. Amounts are decimal
// strings. Hazard columns are revealed only once the round is terminal.
// StepHash is a sequencing receipt over the committed seed pair; it does not
// determine where hazards sit.
type RoundView struct {
	RoundID          string  `json:"round_id"`
	PlatformTxID     string  `json:"platform_tx_id"`
	Status           string  `json:"status"`
	Difficulty       string  `json:"difficulty"`
	Currency         string  `json:"currency"`
	BetAmount        string  `json:"bet_amount"`
	CurrentStep      int     `json:"current_step"`
	WinAmount        string  `json:"win_amount"`
	NextCoefficient  string  `json:"next_coefficient,omitempty"`
	HashedServerSeed string  `json:"hashed_server_seed"`
	Nonce            int64   `json:"nonce"`
	StepHash         string  `json:"step_hash,omitempty"`
	HazardColumns    []int   `json:"hazard_columns,omitempty"`
	Balance          string  `json:"balance,omitempty"`
}

// PlaceBetRequest starts a round.
type PlaceBetRequest struct {
	UserID     string
	AgentCode  string
	GameCode   string
	Currency   string
	Difficulty string
	Amount     string
}

// Engine drives the per-user round state machine: placement, step sequencing,
// hazard checks, cash out and settlement handoff.
type Engine struct {
	sessions *SessionStore
	ledger   Ledger
	wallet   Wallet
	retries  RetryQueue
	audit    Recorder
	seeds    Seeds
	hazards  HazardSource
	locks    Locker
	configs  ConfigSource

	lockTTL time.Duration
}

func NewEngine(sessions *SessionStore, ledger Ledger, wallet Wallet, retries RetryQueue, audit Recorder, seeds Seeds, hazards HazardSource, locks Locker, configs ConfigSource, lockTTL time.Duration) *Engine {
	return &Engine{
		sessions: sessions,
		ledger:   ledger,
		wallet:   wallet,
		retries:  retries,
		audit:    audit,
		seeds:    seeds,
		hazards:  hazards,
		locks:    locks,
		configs:  configs,
		lockTTL:  lockTTL,
	}
}

func placementLockKey(agentCode, userID, gameCode string) string {
	return fmt.Sprintf("placement:%s:%s:%s", agentCode, userID, gameCode)
}

// PlaceBet debits the stake and opens a round at step -1. The per-user lock
// keeps concurrent placements from double-debiting.
func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (*RoundView, error) {
	cfg := e.configs.Get(req.GameCode)

	if _, ok := cfg.Hazard[req.Difficulty]; !ok {
		return nil, &ValidationError{Field: "difficulty", Message: fmt.Sprintf("unknown level %q", req.Difficulty)}
	}
	if _, ok := cfg.Ladders[req.Difficulty]; !ok {
		return nil, &ValidationError{Field: "difficulty", Message: fmt.Sprintf("no coefficients for level %q", req.Difficulty)}
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, &ValidationError{Field: "amount", Message: "not a decimal number"}
	}
	minBet, _ := decimal.NewFromString(cfg.MinBet)
	maxBet, _ := decimal.NewFromString(cfg.MaxBet)
	if amount.LessThan(minBet) || amount.GreaterThan(maxBet) {
		return nil, &ValidationError{Field: "amount", Message: fmt.Sprintf("must be between %s and %s", cfg.MinBet, cfg.MaxBet)}
	}
	currency := req.Currency
	if currency == "" {
		currency = cfg.Currency
	}

	lockKey := placementLockKey(req.AgentCode, req.UserID, req.GameCode)
	acquired, err := e.locks.Acquire(ctx, lockKey, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire placement lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockContention
	}
	defer e.locks.Release(lockKey)

	existing, err := e.sessions.Get(ctx, req.AgentCode, req.UserID, req.GameCode)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ConflictError{Message: "a round is already active"}
	}

	rec, err := e.seeds.GetOrCreate(ctx, req.UserID, req.AgentCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed record: %w", err)
	}

	platformTxID := uuid.NewString()
	roundID := uuid.NewString()
	txn := settlement.Txn{
		PlatformTxID: platformTxID,
		RoundID:      roundID,
		UserID:       req.UserID,
		GameCode:     req.GameCode,
		Currency:     currency,
		Amount:       amount.StringFixed(2),
	}

	resp, err := e.wallet.Bet(ctx, req.AgentCode, txn)
	if err != nil {
		if settlement.IsTransient(err) {
			// The debit outcome is unknown; queue a reversal so a wallet that
			// did apply it gets refunded.
			e.audit.Record(ctx, platformTxID, models.ActionBet, req.AgentCode, err)
			payload := settlement.RetryPayload{AgentCode: req.AgentCode, Txn: txn, StatusOnSuccess: models.BetCancelled}
			if qErr := e.retries.Enqueue(ctx, platformTxID, models.ActionCancelBet, payload, time.Now(), err); qErr != nil {
				log.Printf("[ROUND] Failed to queue debit reversal for %s: %v", platformTxID, qErr)
			}
		}
		return nil, fmt.Errorf("bet was not accepted: %w", err)
	}

	bet := &models.Bet{
		PlatformTxID: platformTxID,
		RoundID:      roundID,
		UserID:       req.UserID,
		AgentCode:    req.AgentCode,
		GameCode:     req.GameCode,
		Difficulty:   req.Difficulty,
		Currency:     currency,
		BetAmount:    amount,
	}
	if err := e.ledger.CreateBet(ctx, bet); err != nil {
		e.reverseDebit(ctx, req.AgentCode, txn)
		return nil, err
	}

	sess := &Session{
		RoundID:          roundID,
		PlatformTxID:     platformTxID,
		UserID:           req.UserID,
		AgentCode:        req.AgentCode,
		GameCode:         req.GameCode,
		Difficulty:       req.Difficulty,
		Currency:         currency,
		BetAmount:        amount.StringFixed(2),
		CurrentStep:      -1,
		WinAmount:        "0.00",
		ServerSeed:       rec.ServerSeed,
		HashedServerSeed: rec.HashedServerSeed,
		UserSeed:         rec.UserSeed,
		Nonce:            rec.Nonce,
		CreatedAt:        time.Now().UnixMilli(),
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		e.reverseDebit(ctx, req.AgentCode, txn)
		if _, sErr := e.ledger.SettleBet(ctx, platformTxID, models.BetCancelled, decimal.Zero); sErr != nil {
			log.Printf("[ROUND] Failed to cancel bet %s after session write failure: %v", platformTxID, sErr)
		}
		return nil, err
	}

	log.Printf("[ROUND] Placed: user=%s agent=%s txn=%s amount=%s level=%s", req.UserID, req.AgentCode, platformTxID, txn.Amount, req.Difficulty)

	view := e.view(sess, StatusActive, nil)
	view.Balance = resp.Balance
	return view, nil
}

// Step advances the round by exactly one column. The hazard pattern is read at
// call time, so a rotation between steps applies immediately.
func (e *Engine) Step(ctx context.Context, agentCode, userID, gameCode string, step int) (*RoundView, error) {
	sess, err := e.sessions.Get(ctx, agentCode, userID, gameCode)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &ValidationError{Field: "round", Message: "no active round"}
	}

	if step != sess.CurrentStep+1 {
		return nil, &SequenceError{Expected: sess.CurrentStep + 1, Got: step}
	}

	cfg := e.configs.Get(sess.GameCode)
	settings := cfg.Hazard[sess.Difficulty]
	ladder := cfg.Ladders[sess.Difficulty]
	if step >= settings.TotalColumns || step >= len(ladder) {
		return nil, &ValidationError{Field: "step", Message: "beyond the last column"}
	}

	coeff, err := decimal.NewFromString(ladder[step])
	if err != nil {
		return nil, fmt.Errorf("bad coefficient %q at step %d: %w", ladder[step], step, err)
	}
	betAmount, err := decimal.NewFromString(sess.BetAmount)
	if err != nil {
		return nil, fmt.Errorf("session bet amount unreadable: %w", err)
	}
	win := betAmount.Mul(coeff)

	// Sequencing receipt: ties the step to the committed seed pair. Hazard
	// placement comes from the shared rotated pattern, never from the seeds.
	stepHash := fairness.DeriveHash(sess.ServerSeed, sess.UserSeed, sess.Nonce, step)

	active, hazErr := e.hazards.GetActiveHazards(ctx, sess.GameCode, sess.Difficulty)

	// The final column always pays, even when the rotated pattern contains it;
	// hazards only apply to the columns before it.
	if step == settings.TotalColumns-1 {
		sess.CurrentStep = step
		sess.WinAmount = win.StringFixed(2)
		log.Printf("[ROUND] Crossed: user=%s txn=%s win=%s", userID, sess.PlatformTxID, sess.WinAmount)
		view, err := e.finish(ctx, sess, StatusWon, win, active)
		if view != nil {
			view.StepHash = stepHash
		}
		return view, err
	}

	if hazErr != nil {
		// Fail closed rather than resolve a step against unknown hazards
		return nil, fmt.Errorf("hazard state unavailable: %w", hazErr)
	}

	if hazard.Contains(active, step) {
		log.Printf("[ROUND] Collision: user=%s txn=%s step=%d", userID, sess.PlatformTxID, step)
		sess.CurrentStep = step
		view, err := e.finish(ctx, sess, StatusLost, decimal.Zero, active)
		if view != nil {
			view.StepHash = stepHash
		}
		return view, err
	}

	sess.CurrentStep = step
	sess.WinAmount = win.StringFixed(2)

	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	view := e.view(sess, StatusActive, nil)
	view.StepHash = stepHash
	if step+1 < len(ladder) {
		view.NextCoefficient = ladder[step+1]
	}
	return view, nil
}

// CashOut freezes the accrued win and settles the round. Cashing out before
// the first step is a valid zero-win exit; only a full crossing counts as WON.
func (e *Engine) CashOut(ctx context.Context, agentCode, userID, gameCode string) (*RoundView, error) {
	sess, err := e.sessions.Get(ctx, agentCode, userID, gameCode)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &ValidationError{Field: "round", Message: "no active round"}
	}

	win, err := decimal.NewFromString(sess.WinAmount)
	if err != nil {
		return nil, fmt.Errorf("session win amount unreadable: %w", err)
	}

	status := StatusCashout
	if settings, ok := e.configs.Get(sess.GameCode).Hazard[sess.Difficulty]; ok && sess.CurrentStep == settings.TotalColumns-1 {
		status = StatusWon
	}

	active, hazErr := e.hazards.GetActiveHazards(ctx, sess.GameCode, sess.Difficulty)
	if hazErr != nil {
		// Settlement must not block on the reveal; the columns are cosmetic here.
		log.Printf("[ROUND] Hazard reveal unavailable for %s: %v", sess.PlatformTxID, hazErr)
		active = nil
	}

	log.Printf("[ROUND] Cash out: user=%s txn=%s step=%d win=%s", userID, sess.PlatformTxID, sess.CurrentStep, sess.WinAmount)
	return e.finish(ctx, sess, status, win, active)
}

// ActiveRound returns the user's live round, or nil when none exists.
func (e *Engine) ActiveRound(ctx context.Context, agentCode, userID, gameCode string) (*RoundView, error) {
	sess, err := e.sessions.Get(ctx, agentCode, userID, gameCode)
	if err != nil || sess == nil {
		return nil, err
	}

	view := e.view(sess, StatusActive, nil)
	ladder := e.configs.Get(sess.GameCode).Ladders[sess.Difficulty]
	if next := sess.CurrentStep + 1; next < len(ladder) {
		view.NextCoefficient = ladder[next]
	}
	return view, nil
}

// finish settles a terminal round. The session is removed and the bet row is
// the idempotency guard: a bet already terminal is never settled twice. A
// settlement failure never changes the round's outcome for the player.
func (e *Engine) finish(ctx context.Context, sess *Session, status string, win decimal.Decimal, activeHazards []int) (*RoundView, error) {
	// CASHOUT credits the player, so the ledger records it as a won bet.
	betStatus := models.BetWon
	if status == StatusLost {
		betStatus = models.BetLost
	}

	txn := settlement.Txn{
		PlatformTxID: sess.PlatformTxID,
		RoundID:      sess.RoundID,
		UserID:       sess.UserID,
		GameCode:     sess.GameCode,
		Currency:     sess.Currency,
		Amount:       win.StringFixed(2),
	}

	view := e.view(sess, status, activeHazards)
	view.WinAmount = win.StringFixed(2)

	resp, err := e.wallet.Settle(ctx, sess.AgentCode, txn)
	if err == nil {
		settled, sErr := e.ledger.SettleBet(ctx, sess.PlatformTxID, betStatus, win)
		if sErr != nil {
			log.Printf("[ROUND] Wallet settled %s but ledger update failed: %v", sess.PlatformTxID, sErr)
		} else if !settled {
			log.Printf("[ROUND] Bet %s was already terminal, ledger unchanged", sess.PlatformTxID)
		}
		view.Balance = resp.Balance
	} else {
		e.audit.Record(ctx, sess.PlatformTxID, models.ActionSettle, sess.AgentCode, err)

		var rejected *settlement.AgentRejectedError
		if errors.As(err, &rejected) {
			// The provider refused the credit; replaying cannot help.
			log.Printf("[ROUND] Settlement rejected for %s (status=%s), flagged for reconciliation", sess.PlatformTxID, rejected.Status)
			if _, sErr := e.ledger.SettleBet(ctx, sess.PlatformTxID, models.BetSettlementFailed, win); sErr != nil {
				log.Printf("[ROUND] Failed to flag bet %s: %v", sess.PlatformTxID, sErr)
			}
		} else {
			log.Printf("[ROUND] Settlement failed for %s, queued for retry: %v", sess.PlatformTxID, err)
			if sErr := e.ledger.MarkPendingSettlement(ctx, sess.PlatformTxID); sErr != nil {
				log.Printf("[ROUND] Failed to mark bet %s pending: %v", sess.PlatformTxID, sErr)
			}
			payload := settlement.RetryPayload{AgentCode: sess.AgentCode, Txn: txn, StatusOnSuccess: betStatus}
			if qErr := e.retries.Enqueue(ctx, sess.PlatformTxID, models.ActionSettle, payload, time.Now(), err); qErr != nil {
				log.Printf("[ROUND] Failed to queue settlement retry for %s: %v", sess.PlatformTxID, qErr)
			}
		}
	}

	e.sessions.Delete(ctx, sess)
	if _, rErr := e.seeds.RotateSeeds(ctx, sess.UserID, sess.AgentCode); rErr != nil {
		log.Printf("[ROUND] Failed to rotate seeds for user %s: %v", sess.UserID, rErr)
	}

	return view, nil
}

// reverseDebit undoes a successful wallet debit after a local failure. When
// the reversal itself fails it goes to the retry queue.
func (e *Engine) reverseDebit(ctx context.Context, agentCode string, txn settlement.Txn) {
	if _, err := e.wallet.CancelBet(ctx, agentCode, txn); err != nil {
		log.Printf("[ROUND] Debit reversal failed for %s: %v", txn.PlatformTxID, err)
		e.audit.Record(ctx, txn.PlatformTxID, models.ActionCancelBet, agentCode, err)
		payload := settlement.RetryPayload{AgentCode: agentCode, Txn: txn, StatusOnSuccess: models.BetCancelled}
		if qErr := e.retries.Enqueue(ctx, txn.PlatformTxID, models.ActionCancelBet, payload, time.Now(), err); qErr != nil {
			log.Printf("[ROUND] Failed to queue debit reversal for %s: %v", txn.PlatformTxID, qErr)
		}
	}
}

func (e *Engine) view(sess *Session, status string, activeHazards []int) *RoundView {
	v := &RoundView{
		RoundID:          sess.RoundID,
		PlatformTxID:     sess.PlatformTxID,
		Status:           status,
		Difficulty:       sess.Difficulty,
		Currency:         sess.Currency,
		BetAmount:        sess.BetAmount,
		CurrentStep:      sess.CurrentStep,
		WinAmount:        sess.WinAmount,
		HashedServerSeed: sess.HashedServerSeed,
		Nonce:            sess.Nonce,
	}
	if status != StatusActive {
		v.HazardColumns = activeHazards
	}
	return v
}
