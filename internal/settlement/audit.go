package settlement

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// AuditListKey is the capped Redis list holding recent settlement failures so
// operators can tail them without a DB query.
const AuditListKey = "audit:settlement_errors"

// AuditListCap bounds the Redis list.
const AuditListCap = 500

// AuditCache is the Redis subset the auditor needs.
type AuditCache interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// Auditor writes settlement failures to the error_audit table and mirrors the
// most recent ones into Redis. Auditing is best effort and never blocks the
// settlement path.
type Auditor struct {
	db    *sqlx.DB
	cache AuditCache
}

func NewAuditor(db *sqlx.DB, cache AuditCache) *Auditor {
	return &Auditor{db: db, cache: cache}
}

type auditEntry struct {
	PlatformTxID string `json:"platform_tx_id"`
	APIAction    string `json:"api_action"`
	AgentCode    string `json:"agent_code"`
	Error        string `json:"error"`
	At           string `json:"at"`
}

// Record stores one failure. Errors here are logged and swallowed.
func (a *Auditor) Record(ctx context.Context, platformTxID, apiAction, agentCode string, cause error) {
	if cause == nil {
		return
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO error_audit (platform_tx_id, api_action, agent_code, error_text, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		platformTxID, apiAction, agentCode, cause.Error())
	if err != nil {
		log.Printf("[AUDIT] Failed to persist error audit for txn=%s: %v", platformTxID, err)
	}

	if a.cache == nil {
		return
	}
	entry, err := json.Marshal(auditEntry{
		PlatformTxID: platformTxID,
		APIAction:    apiAction,
		AgentCode:    agentCode,
		Error:        cause.Error(),
		At:           time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := a.cache.LPush(ctx, AuditListKey, entry).Err(); err != nil {
		log.Printf("[AUDIT] Failed to push audit entry to cache: %v", err)
		return
	}
	if err := a.cache.LTrim(ctx, AuditListKey, 0, AuditListCap-1).Err(); err != nil {
		log.Printf("[AUDIT] Failed to trim audit list: %v", err)
	}
}
