package admin

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/playcrossy/backend/internal/config"
)

// ListGameConfigs returns every stored game configuration document.
func ListGameConfigs(db *sqlx.DB) (map[string]json.RawMessage, error) {
	rows, err := db.Query(`SELECT game_code, config FROM game_configs ORDER BY game_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var code string
		var raw []byte
		if err := rows.Scan(&code, &raw); err != nil {
			return nil, err
		}
		out[code] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

// UpdateGameConfig validates and replaces one game's configuration document.
// The document must parse as a complete GameConfig before it is stored.
func UpdateGameConfig(db *sqlx.DB, gameCode string, raw []byte) error {
	var cfg config.GameConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if len(cfg.Hazard) == 0 || len(cfg.Ladders) == 0 {
		return fmt.Errorf("config incomplete: hazard and ladders are required")
	}
	for level, settings := range cfg.Hazard {
		ladder, ok := cfg.Ladders[level]
		if !ok {
			return fmt.Errorf("level %s has no coefficient ladder", level)
		}
		if settings.HazardCount <= 0 || settings.HazardCount > settings.TotalColumns {
			return fmt.Errorf("level %s: hazard count %d out of range for %d columns", level, settings.HazardCount, settings.TotalColumns)
		}
		if len(ladder) < settings.TotalColumns {
			return fmt.Errorf("level %s: ladder has %d entries for %d columns", level, len(ladder), settings.TotalColumns)
		}
	}

	_, err := db.Exec(`
		INSERT INTO game_configs (game_code, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (game_code) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
	`, gameCode, raw)
	return err
}
