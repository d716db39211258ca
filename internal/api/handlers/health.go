package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

var startTime = time.Now()

const version = "1.0.0"

// LeaderFlag reports whether this instance currently holds the lease.
type LeaderFlag interface {
	Leading() bool
}

// HealthCheck reports dependency reachability and the instance's role.
// Degraded dependencies return 503 so load balancers can rotate the instance out.
func HealthCheck(db *sqlx.DB, rdb *redis.Client, leader LeaderFlag) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		dbStatus := "ok"
		if err := db.PingContext(ctx); err != nil {
			dbStatus = err.Error()
			status = http.StatusServiceUnavailable
		}
		redisStatus := "ok"
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = err.Error()
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":   map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
			"service":  "playcrossy-api",
			"version":  version,
			"uptime":   time.Since(startTime).String(),
			"leader":   leader.Leading(),
			"database": dbStatus,
			"redis":    redisStatus,
		})
	}
}
