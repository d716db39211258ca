package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	appredis "github.com/playcrossy/backend/internal/redis"
	"github.com/redis/go-redis/v9"
)

// FlushState wipes the shared store. Wired only in development; it kills live
// sessions, hazard state and leases, so it must never reach production routes.
func FlushState(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := appredis.FlushAll(c.Request.Context(), rdb); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Printf("[DEV] Shared store flushed by %s", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"flushed": true})
	}
}
