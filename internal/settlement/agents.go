package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/playcrossy/backend/internal/models"
)

// AgentStore loads wallet endpoints and signing keys from the agent_configs
// table and caches them per instance.
type AgentStore struct {
	db       *sqlx.DB
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedAgent
}

type cachedAgent struct {
	cfg       models.AgentConfig
	fetchedAt time.Time
}

func NewAgentStore(db *sqlx.DB, cacheTTL time.Duration) *AgentStore {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &AgentStore{
		db:       db,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedAgent),
	}
}

// Get implements AgentSource.
func (s *AgentStore) Get(ctx context.Context, agentCode string) (string, string, error) {
	s.mu.RLock()
	entry, ok := s.cache[agentCode]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.cacheTTL {
		return entry.cfg.BaseURL, entry.cfg.SigningKey, nil
	}

	var cfg models.AgentConfig
	err := s.db.GetContext(ctx, &cfg, `SELECT agent_code, base_url, signing_key, updated_at FROM agent_configs WHERE agent_code=$1`, agentCode)
	if err != nil {
		// Serve a stale entry over failing the settlement outright
		if ok {
			return entry.cfg.BaseURL, entry.cfg.SigningKey, nil
		}
		return "", "", fmt.Errorf("agent %s not configured: %w", agentCode, err)
	}

	s.mu.Lock()
	s.cache[agentCode] = cachedAgent{cfg: cfg, fetchedAt: time.Now()}
	s.mu.Unlock()

	return cfg.BaseURL, cfg.SigningKey, nil
}
