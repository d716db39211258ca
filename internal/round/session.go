package round

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionKind tags session documents so a foreign or corrupt value under a
// session key is discarded instead of driving a round.
const sessionKind = "crossy/round-session"

// Session is the live state of one round, held in the shared store until the
// round settles or the TTL reclaims it.
type Session struct {
	Kind         string `json:"kind"`
	RoundID      string `json:"round_id"`
	PlatformTxID string `json:"platform_tx_id"`
	UserID       string `json:"user_id"`
	AgentCode    string `json:"agent_code"`
	GameCode     string `json:"game_code"`
	Difficulty   string `json:"difficulty"`
	Currency     string `json:"currency"`
	BetAmount    string `json:"bet_amount"`

	// CurrentStep is the last column reached; -1 until the first step.
	CurrentStep int    `json:"current_step"`
	WinAmount   string `json:"win_amount"`

	// Seed snapshot frozen at placement so mid-round seed changes cannot
	// alter an active round.
	ServerSeed       string `json:"server_seed"`
	HashedServerSeed string `json:"hashed_server_seed"`
	UserSeed         string `json:"user_seed"`
	Nonce            int64  `json:"nonce"`

	CreatedAt int64 `json:"created_at"`
}

// SessionCache is the subset of redis.Client the store needs.
type SessionCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// SessionStore keeps round sessions in the shared store, one per
// (agent, user, game), plus a per-transaction marker the refund sweep uses to
// tell live rounds from orphaned ones.
type SessionStore struct {
	cache SessionCache
	ttl   time.Duration
}

func NewSessionStore(cache SessionCache, ttl time.Duration) *SessionStore {
	return &SessionStore{cache: cache, ttl: ttl}
}

func sessionKey(agentCode, userID, gameCode string) string {
	return fmt.Sprintf("session:%s:%s:%s", agentCode, userID, gameCode)
}

func txMarkerKey(platformTxID string) string {
	return fmt.Sprintf("session:tx:%s", platformTxID)
}

// Get returns the user's live session, or nil when none exists. A document
// that fails validation is treated as absent and removed.
func (s *SessionStore) Get(ctx context.Context, agentCode, userID, gameCode string) (*Session, error) {
	key := sessionKey(agentCode, userID, gameCode)
	data, err := s.cache.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil || sess.Kind != sessionKind || sess.PlatformTxID == "" {
		log.Printf("[SESSION] Discarding unreadable session at %s", key)
		s.cache.Del(ctx, key)
		return nil, nil
	}
	return &sess, nil
}

// Save writes the session and its transaction marker under the session TTL.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	sess.Kind = sessionKind
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	key := sessionKey(sess.AgentCode, sess.UserID, sess.GameCode)
	if err := s.cache.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err := s.cache.Set(ctx, txMarkerKey(sess.PlatformTxID), key, s.ttl).Err(); err != nil {
		log.Printf("[SESSION] Failed to write tx marker for %s: %v", sess.PlatformTxID, err)
	}
	return nil
}

// Delete removes the session and its transaction marker.
func (s *SessionStore) Delete(ctx context.Context, sess *Session) {
	key := sessionKey(sess.AgentCode, sess.UserID, sess.GameCode)
	if err := s.cache.Del(ctx, key, txMarkerKey(sess.PlatformTxID)).Err(); err != nil {
		log.Printf("[SESSION] Failed to delete session %s: %v", key, err)
	}
}

// SessionReferences implements settlement.SessionChecker: true while a live
// session still points at the transaction. Store errors report true so the
// refund sweep stays on the safe side.
func (s *SessionStore) SessionReferences(ctx context.Context, platformTxID string) bool {
	n, err := s.cache.Exists(ctx, txMarkerKey(platformTxID)).Result()
	if err != nil {
		log.Printf("[SESSION] Failed to check tx marker for %s: %v", platformTxID, err)
		return true
	}
	return n > 0
}
