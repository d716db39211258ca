package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/playcrossy/backend/internal/admin"
	"github.com/playcrossy/backend/internal/config"
	"github.com/playcrossy/backend/internal/database"
)

// Seeds the back-office operator account, the default crossy game config and a
// local stub agent so a fresh environment is playable immediately.
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	username := os.Getenv("OPERATOR_USERNAME")
	if username == "" {
		username = "operator"
		log.Printf("Using default operator username: %s", username)
	}

	token := os.Getenv("OPERATOR_TOKEN")
	if token == "" {
		token = "change-me-in-production"
		log.Printf("WARNING: Using default operator token. Set OPERATOR_TOKEN env var in production!")
	}

	roles := []string{"reconciliation", "config"}
	if err := admin.CreateOperatorAccount(db, username, "Operator", token, roles); err != nil {
		log.Fatalf("Failed to create operator account: %v", err)
	}
	log.Printf("✓ Operator account created/updated (username=%s roles=%v)", username, roles)

	// Default game config, only when the row is missing
	raw, err := json.Marshal(config.DefaultGameConfig())
	if err != nil {
		log.Fatalf("Failed to marshal default game config: %v", err)
	}
	res, err := db.Exec(`
		INSERT INTO game_configs (game_code, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (game_code) DO NOTHING
	`, "crossy", raw)
	if err != nil {
		log.Fatalf("Failed to seed game config: %v", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("✓ Seeded default game config for crossy")
	} else {
		log.Printf("Game config for crossy already present, left untouched")
	}

	// Local agent stub for development
	agentURL := os.Getenv("AGENT_BASE_URL")
	if agentURL == "" {
		agentURL = "http://localhost:9090/wallet"
	}
	agentKey := os.Getenv("AGENT_SIGNING_KEY")
	if agentKey == "" {
		agentKey = "dev-agent-key"
	}
	_, err = db.Exec(`
		INSERT INTO agent_configs (agent_code, base_url, signing_key, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (agent_code) DO UPDATE SET base_url = EXCLUDED.base_url, signing_key = EXCLUDED.signing_key, updated_at = NOW()
	`, "agent-dev", agentURL, agentKey)
	if err != nil {
		log.Fatalf("Failed to seed agent config: %v", err)
	}
	log.Printf("✓ Seeded agent-dev (base_url=%s)", agentURL)
}
