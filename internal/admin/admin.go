package admin

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/playcrossy/backend/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// GetOperatorAccount retrieves an operator account by username
func GetOperatorAccount(db *sqlx.DB, username string) (*models.OperatorAccount, error) {
	var op models.OperatorAccount
	err := db.QueryRow(`SELECT username, display_name, token_hash, roles, created_at, updated_at FROM operator_accounts WHERE username=$1`, username).
		Scan(&op.Username, &op.DisplayName, &op.TokenHash, pq.Array(&op.Roles), &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// VerifyOperatorToken checks if the provided token matches the stored hash
func VerifyOperatorToken(hashedToken, plainToken string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedToken), []byte(plainToken))
	return err == nil
}

// CreateOperatorAccount creates or replaces an operator account (used for seeding)
func CreateOperatorAccount(db *sqlx.DB, username, displayName, plainToken string, roles []string) error {
	hashedToken, err := bcrypt.GenerateFromPassword([]byte(plainToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO operator_accounts (username, display_name, token_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (username) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			token_hash = EXCLUDED.token_hash,
			roles = EXCLUDED.roles,
			updated_at = NOW()
	`, username, displayName, string(hashedToken), pq.Array(roles))

	return err
}

// LogOperatorAction records a back-office action in the audit log
func LogOperatorAction(db *sqlx.DB, operator, ip, route, action string, details map[string]interface{}, success bool) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		log.Printf("Failed to marshal operator audit details: %v", err)
		detailsJSON = []byte("{}")
	}

	_, err = db.Exec(`
		INSERT INTO operator_audit (operator, ip, route, action, details, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, operator, ip, route, action, detailsJSON, success)

	if err != nil {
		log.Printf("Failed to log operator action: %v", err)
	}

	return err
}

// GetOperatorAuditLogs retrieves recent operator audit logs with pagination
func GetOperatorAuditLogs(db *sqlx.DB, limit, offset int) ([]models.OperatorAudit, error) {
	var logs []models.OperatorAudit
	query := `
		SELECT id, operator, ip, route, action, details, success, created_at
		FROM operator_audit
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	err := db.Select(&logs, query, limit, offset)
	return logs, err
}

// ValidateOperatorCredentials validates a username + token combination
func ValidateOperatorCredentials(db *sqlx.DB, username, token string) (*models.OperatorAccount, error) {
	op, err := GetOperatorAccount(db, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("operator account not found")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	if !VerifyOperatorToken(op.TokenHash, token) {
		log.Printf("[OPERATOR] Token verification failed for %s", username)
		return nil, fmt.Errorf("invalid token")
	}

	return op, nil
}

// HasRole reports whether the operator carries the given role.
func HasRole(op *models.OperatorAccount, role string) bool {
	for _, r := range op.Roles {
		if r == role {
			return true
		}
	}
	return false
}
