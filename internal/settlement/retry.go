package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/playcrossy/backend/internal/models"
)

// RetryHorizon is how long a failed settlement keeps retrying before it is
// declared EXPIRED and handed to manual reconciliation.
const RetryHorizon = 72 * time.Hour

// ErrRetryExpired marks a job past the retry horizon.
var ErrRetryExpired = errors.New("retry job expired")

// NextRetryAt computes when the given attempt should run, relative to the
// original failure time (not the previous retry): +5m, +15m, +30m, then every
// 2h until the horizon. ok=false means the schedule is exhausted.
func NextRetryAt(attempt int, initialFailureAt time.Time) (time.Time, bool) {
	var offset time.Duration
	switch {
	case attempt <= 0:
		return time.Time{}, false
	case attempt == 1:
		offset = 5 * time.Minute
	case attempt == 2:
		offset = 15 * time.Minute
	case attempt == 3:
		offset = 30 * time.Minute
	default:
		offset = 30*time.Minute + time.Duration(attempt-3)*2*time.Hour
	}
	if offset >= RetryHorizon {
		return time.Time{}, false
	}
	return initialFailureAt.Add(offset), true
}

// RetryPayload is the settlement snapshot replayed by the sweep.
type RetryPayload struct {
	AgentCode       string `json:"agent_code"`
	Txn             Txn    `json:"txn"`
	StatusOnSuccess string `json:"status_on_success"` // bet status once the call lands
}

// RetryScheduler persists failed settlements and sweeps due jobs. Claims are
// atomic conditional updates so concurrent instances never run the same job.
type RetryScheduler struct {
	db     *sqlx.DB
	client *Client
	audit  *Auditor

	batchSize  int
	staleAfter time.Duration
	sweepEvery time.Duration

	sched gocron.Scheduler
}

func NewRetryScheduler(db *sqlx.DB, client *Client, audit *Auditor, batchSize int, staleAfter, sweepEvery time.Duration) *RetryScheduler {
	return &RetryScheduler{
		db:         db,
		client:     client,
		audit:      audit,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
	}
}

// Enqueue records a definitive settlement failure for out-of-band retry.
// An existing non-terminal job for (platformTxId, apiAction) is reused.
func (r *RetryScheduler) Enqueue(ctx context.Context, platformTxID, apiAction string, payload RetryPayload, failedAt time.Time, cause error) error {
	var existingID int
	err := r.db.GetContext(ctx, &existingID,
		`SELECT id FROM retry_jobs WHERE platform_tx_id=$1 AND api_action=$2 AND status IN ($3,$4)`,
		platformTxID, apiAction, models.RetryPending, models.RetryProcessing)
	if err == nil {
		log.Printf("[RETRY] Job already queued for txn=%s action=%s (id=%d)", platformTxID, apiAction, existingID)
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing retry job: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal retry payload: %w", err)
	}

	nextAt, ok := NextRetryAt(1, failedAt)
	if !ok {
		return ErrRetryExpired
	}

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO retry_jobs (platform_tx_id, api_action, status, retry_attempt, next_retry_at, initial_failure_at, payload, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, NOW(), NOW())`,
		platformTxID, apiAction, models.RetryPending, nextAt, failedAt, data, causeText)
	if err != nil {
		// Unique partial index: a concurrent instance enqueued first, which is fine
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			log.Printf("[RETRY] Concurrent enqueue for txn=%s action=%s, reusing existing job", platformTxID, apiAction)
			return nil
		}
		return fmt.Errorf("failed to insert retry job: %w", err)
	}

	log.Printf("[RETRY] Queued txn=%s action=%s next_retry_at=%s", platformTxID, apiAction, nextAt.Format(time.RFC3339))
	return nil
}

// Start schedules the periodic sweep.
func (r *RetryScheduler) Start() error {
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
	log.Printf("[RETRY] Sweep scheduled every %s (batch=%d)", r.sweepEvery, r.batchSize)
	return nil
}

// Stop shuts the sweep scheduler down.
func (r *RetryScheduler) Stop() {
	if r.sched != nil {
		if err := r.sched.Shutdown(); err != nil {
			log.Printf("[RETRY] Scheduler shutdown error: %v", err)
		}
	}
}

// Sweep reclaims stale PROCESSING jobs, then processes a bounded batch of due
// PENDING jobs, oldest first.
func (r *RetryScheduler) Sweep(ctx context.Context) {
	// Crash recovery: a job stuck PROCESSING longer than staleAfter belongs to
	// a dead instance and goes back to PENDING.
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_jobs SET status=$1, updated_at=NOW()
		WHERE status=$2 AND updated_at < NOW() - ($3 * INTERVAL '1 second')`,
		models.RetryPending, models.RetryProcessing, int(r.staleAfter.Seconds()))
	if err != nil {
		log.Printf("[RETRY] Stale reclaim failed: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[RETRY] Reclaimed %d stale PROCESSING job(s)", n)
	}

	var jobs []models.RetryJob
	err = r.db.SelectContext(ctx, &jobs, `
		SELECT id, platform_tx_id, api_action, status, retry_attempt, next_retry_at, initial_failure_at, payload, last_error, created_at, updated_at
		FROM retry_jobs
		WHERE status=$1 AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC
		LIMIT $2`,
		models.RetryPending, r.batchSize)
	if err != nil {
		log.Printf("[RETRY] Failed to fetch due jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Printf("[RETRY] Processing %d due job(s)", len(jobs))
	for i := range jobs {
		if !r.claim(ctx, jobs[i].ID) {
			continue // another instance got it
		}
		r.process(ctx, &jobs[i])
	}
}

// claim is the atomic PENDING→PROCESSING transition.
func (r *RetryScheduler) claim(ctx context.Context, jobID int) bool {
	res, err := r.db.ExecContext(ctx,
		`UPDATE retry_jobs SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`,
		models.RetryProcessing, jobID, models.RetryPending)
	if err != nil {
		log.Printf("[RETRY] Claim failed for job %d: %v", jobID, err)
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (r *RetryScheduler) process(ctx context.Context, job *models.RetryJob) {
	var payload RetryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Printf("[RETRY] Job %d has unreadable payload, expiring: %v", job.ID, err)
		r.finishJob(ctx, job.ID, models.RetryExpired, job.RetryAttempt, job.NextRetryAt, err.Error())
		return
	}

	attempt := job.RetryAttempt + 1
	log.Printf("[RETRY] Executing job %d: txn=%s action=%s attempt=%d", job.ID, job.PlatformTxID, job.APIAction, attempt)

	_, err := r.client.Call(ctx, payload.AgentCode, job.APIAction, payload.Txn)
	if err == nil {
		if applyErr := r.applySuccess(ctx, job.PlatformTxID, payload); applyErr != nil {
			log.Printf("[RETRY] Job %d succeeded but ledger update failed: %v", job.ID, applyErr)
		}
		r.finishJob(ctx, job.ID, models.RetrySuccess, attempt, job.NextRetryAt, "")
		log.Printf("[RETRY] Job %d resolved (txn=%s action=%s)", job.ID, job.PlatformTxID, job.APIAction)
		return
	}

	r.audit.Record(ctx, job.PlatformTxID, job.APIAction, payload.AgentCode, err)

	var rejected *AgentRejectedError
	if errors.As(err, &rejected) {
		// The provider answered and said no; retrying the same call cannot
		// change the outcome. Hand it to manual reconciliation.
		log.Printf("[RETRY] Job %d rejected by agent (status=%s), expiring", job.ID, rejected.Status)
		r.markBetFailed(ctx, job.PlatformTxID)
		r.finishJob(ctx, job.ID, models.RetryExpired, attempt, job.NextRetryAt, err.Error())
		return
	}

	nextAt, ok := NextRetryAt(attempt+1, job.InitialFailureAt)
	if !ok {
		log.Printf("[RETRY] Job %d exhausted the %s horizon, expiring", job.ID, RetryHorizon)
		r.markBetFailed(ctx, job.PlatformTxID)
		r.finishJob(ctx, job.ID, models.RetryExpired, attempt, job.NextRetryAt, err.Error())
		return
	}

	_, updErr := r.db.ExecContext(ctx, `
		UPDATE retry_jobs SET status=$1, retry_attempt=$2, next_retry_at=$3, last_error=$4, updated_at=NOW()
		WHERE id=$5`,
		models.RetryPending, attempt, nextAt, err.Error(), job.ID)
	if updErr != nil {
		log.Printf("[RETRY] Failed to reschedule job %d: %v", job.ID, updErr)
		return
	}
	log.Printf("[RETRY] Job %d rescheduled: attempt=%d next_retry_at=%s", job.ID, attempt, nextAt.Format(time.RFC3339))
}

func (r *RetryScheduler) finishJob(ctx context.Context, jobID int, status string, attempt int, nextAt time.Time, lastErr string) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_jobs SET status=$1, retry_attempt=$2, next_retry_at=$3, last_error=$4, updated_at=NOW()
		WHERE id=$5`,
		status, attempt, nextAt, lastErr, jobID)
	if err != nil {
		log.Printf("[RETRY] Failed to finish job %d: %v", jobID, err)
	}
}

// applySuccess settles the Bet ledger row once the replayed call lands.
// The status guard keeps it idempotent: an already-terminal bet is untouched.
func (r *RetryScheduler) applySuccess(ctx context.Context, platformTxID string, payload RetryPayload) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bets SET status=$1, settled_at=NOW()
		WHERE platform_tx_id=$2 AND status IN ($3,$4)`,
		payload.StatusOnSuccess, platformTxID, models.BetPlaced, models.BetPendingSettlement)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[RETRY] Bet %s already terminal, ledger unchanged", platformTxID)
	}
	return nil
}

func (r *RetryScheduler) markBetFailed(ctx context.Context, platformTxID string) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bets SET status=$1 WHERE platform_tx_id=$2 AND status IN ($3,$4)`,
		models.BetSettlementFailed, platformTxID, models.BetPlaced, models.BetPendingSettlement)
	if err != nil {
		log.Printf("[RETRY] Failed to mark bet %s as settlement-failed: %v", platformTxID, err)
	}
}

// RequeueExpired puts an EXPIRED job back on the schedule with a fresh failure
// clock. Operator-only; used by manual reconciliation.
func (r *RetryScheduler) RequeueExpired(ctx context.Context, jobID int) error {
	now := time.Now()
	nextAt, _ := NextRetryAt(1, now)
	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_jobs SET status=$1, retry_attempt=0, next_retry_at=$2, initial_failure_at=$3, updated_at=NOW()
		WHERE id=$4 AND status=$5`,
		models.RetryPending, nextAt, now, jobID, models.RetryExpired)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry job %d is not expired", jobID)
	}
	return nil
}
