package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/playcrossy/backend/internal/admin"
	"github.com/playcrossy/backend/internal/models"
	"github.com/playcrossy/backend/internal/settlement"
)

const operatorContextKey = "operator"

// OperatorAuth authenticates back-office requests via header credentials and
// attaches the account to the request context.
func OperatorAuth(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetHeader("X-Operator-Username")
		token := c.GetHeader("X-Operator-Token")
		if username == "" || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator credentials required"})
			return
		}

		op, err := admin.ValidateOperatorCredentials(db, username, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set(operatorContextKey, op)
		c.Next()
	}
}

func operatorFrom(c *gin.Context) *models.OperatorAccount {
	if v, ok := c.Get(operatorContextKey); ok {
		if op, ok := v.(*models.OperatorAccount); ok {
			return op
		}
	}
	return nil
}

// ListRetryJobs returns retry jobs filtered by status, newest first. The
// default view is the EXPIRED queue awaiting manual reconciliation.
func ListRetryJobs(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.DefaultQuery("status", models.RetryExpired)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}

		var jobs []models.RetryJob
		err := db.Select(&jobs, `
			SELECT id, platform_tx_id, api_action, status, retry_attempt, next_retry_at, initial_failure_at, payload, last_error, created_at, updated_at
			FROM retry_jobs
			WHERE status=$1
			ORDER BY updated_at DESC
			LIMIT $2`, status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list retry jobs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

// RequeueRetryJob puts an expired job back on the retry schedule.
func RequeueRetryJob(db *sqlx.DB, retries *settlement.RetryScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad job id"})
			return
		}

		op := operatorFrom(c)
		err = retries.RequeueExpired(c.Request.Context(), jobID)
		success := err == nil
		if op != nil {
			admin.LogOperatorAction(db, op.Username, c.ClientIP(), c.FullPath(), "requeue_retry_job",
				map[string]interface{}{"job_id": jobID}, success)
		}
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": jobID})
	}
}

// ListErrorAudit returns the most recent settlement failures.
func ListErrorAudit(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}

		var entries []models.ErrorAudit
		err := db.Select(&entries, `
			SELECT id, platform_tx_id, api_action, agent_code, error_text, created_at
			FROM error_audit
			ORDER BY created_at DESC
			LIMIT $1`, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list error audit"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"errors": entries, "count": len(entries)})
	}
}

// ListOperatorAudit returns recent back-office actions.
func ListOperatorAudit(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}

		logs, err := admin.GetOperatorAuditLogs(db, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit logs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
	}
}

// ListGameConfigs returns every stored game configuration.
func ListGameConfigs(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		configs, err := admin.ListGameConfigs(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list game configs"})
			return
		}
		c.JSON(http.StatusOK, configs)
	}
}

// UpdateGameConfig replaces one game's configuration document.
func UpdateGameConfig(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		gameCode := c.Param("game")
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil || len(raw) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "config body required"})
			return
		}

		op := operatorFrom(c)
		err = admin.UpdateGameConfig(db, gameCode, raw)
		success := err == nil
		if op != nil {
			admin.LogOperatorAction(db, op.Username, c.ClientIP(), c.FullPath(), "update_game_config",
				map[string]interface{}{"game_code": gameCode}, success)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": gameCode})
	}
}
