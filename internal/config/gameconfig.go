package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Difficulty levels for the lane grid.
const (
	DifficultyEasy      = "EASY"
	DifficultyMedium    = "MEDIUM"
	DifficultyHard      = "HARD"
	DifficultyDaredevil = "DAREDEVIL"
)

// Difficulties lists the supported levels in display order.
var Difficulties = []string{DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyDaredevil}

// HazardSettings describes the lane grid for one difficulty.
type HazardSettings struct {
	TotalColumns int `json:"total_columns"`
	HazardCount  int `json:"hazard_count"`
}

// GameConfig is the per-game JSON document stored in game_configs.
type GameConfig struct {
	MinBet      string                    `json:"min_bet"`
	MaxBet      string                    `json:"max_bet"`
	BetPresets  []string                  `json:"bet_presets"`
	Currency    string                    `json:"currency"`
	RefreshMs   int                       `json:"refresh_ms"`
	Hazard      map[string]HazardSettings `json:"hazard"`
	Ladders     map[string][]string       `json:"ladders"`
}

// DefaultGameConfig is used when the game_configs row is missing or unreadable.
// Missing configuration must not fail a round.
func DefaultGameConfig() *GameConfig {
	return &GameConfig{
		MinBet:     "0.10",
		MaxBet:     "1000",
		BetPresets: []string{"1", "5", "10", "50", "100"},
		Currency:   "USD",
		RefreshMs:  30000,
		Hazard: map[string]HazardSettings{
			DifficultyEasy:      {TotalColumns: 24, HazardCount: 3},
			DifficultyMedium:    {TotalColumns: 22, HazardCount: 5},
			DifficultyHard:      {TotalColumns: 20, HazardCount: 8},
			DifficultyDaredevil: {TotalColumns: 18, HazardCount: 12},
		},
		Ladders: map[string][]string{
			DifficultyEasy: {
				"1.03", "1.07", "1.12", "1.17", "1.23", "1.29", "1.36", "1.44",
				"1.52", "1.61", "1.71", "1.82", "1.94", "2.07", "2.22", "2.38",
				"2.56", "2.76", "2.99", "3.24", "3.53", "3.87", "4.26", "4.72",
			},
			DifficultyMedium: {
				"1.08", "1.18", "1.29", "1.41", "1.55", "1.71", "1.89", "2.09",
				"2.33", "2.60", "2.92", "3.28", "3.71", "4.22", "4.82", "5.55",
				"6.42", "7.49", "8.80", "10.44", "12.52", "15.21",
			},
			DifficultyHard: {
				"1.18", "1.41", "1.69", "2.04", "2.47", "3.01", "3.69", "4.55",
				"5.66", "7.08", "8.93", "11.34", "14.51", "18.73", "24.42",
				"32.18", "42.92", "58.08", "79.88", "111.84",
			},
			DifficultyDaredevil: {
				"1.43", "2.06", "2.99", "4.39", "6.52", "9.81", "14.96", "23.16",
				"36.46", "58.46", "95.64", "160.02", "274.32", "482.41",
				"872.42", "1628.52", "3152.16", "6363.79",
			},
		},
	}
}

// GameConfigStore loads per-game configuration from Postgres and caches it.
// The cache is per service instance; entries expire by age rather than by
// invalidation since config changes are rare and tolerate one TTL of staleness.
type GameConfigStore struct {
	db       *sqlx.DB
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedGameConfig
}

type cachedGameConfig struct {
	cfg       *GameConfig
	fetchedAt time.Time
}

// NewGameConfigStore creates a config store backed by the game_configs table.
func NewGameConfigStore(db *sqlx.DB, cacheTTL time.Duration) *GameConfigStore {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &GameConfigStore{
		db:       db,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedGameConfig),
	}
}

// Get returns the configuration for a game, falling back to defaults with a
// warning when the row is missing or malformed.
func (s *GameConfigStore) Get(gameCode string) *GameConfig {
	s.mu.RLock()
	entry, ok := s.cache[gameCode]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.cacheTTL {
		return entry.cfg
	}

	cfg, err := s.load(gameCode)
	if err != nil {
		log.Printf("[CONFIG] Falling back to default config for game %s: %v", gameCode, err)
		cfg = DefaultGameConfig()
	}

	s.mu.Lock()
	s.cache[gameCode] = cachedGameConfig{cfg: cfg, fetchedAt: time.Now()}
	s.mu.Unlock()

	return cfg
}

func (s *GameConfigStore) load(gameCode string) (*GameConfig, error) {
	if s.db == nil {
		return nil, fmt.Errorf("no database configured")
	}

	var raw []byte
	if err := s.db.Get(&raw, `SELECT config FROM game_configs WHERE game_code=$1`, gameCode); err != nil {
		return nil, fmt.Errorf("failed to fetch game config: %w", err)
	}

	var cfg GameConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse game config: %w", err)
	}

	if len(cfg.Hazard) == 0 || len(cfg.Ladders) == 0 {
		return nil, fmt.Errorf("game config incomplete (hazard=%d ladders=%d)", len(cfg.Hazard), len(cfg.Ladders))
	}

	return &cfg, nil
}

// ClampRefreshMs bounds a rotation interval to the configured window.
func ClampRefreshMs(refreshMs, min, max int) int {
	if refreshMs < min {
		return min
	}
	if refreshMs > max {
		return max
	}
	return refreshMs
}
