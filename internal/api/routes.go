package api

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/playcrossy/backend/internal/api/handlers"
	"github.com/playcrossy/backend/internal/config"
	"github.com/playcrossy/backend/internal/middleware"
	"github.com/playcrossy/backend/internal/settlement"
	"github.com/playcrossy/backend/internal/ws"
	"github.com/redis/go-redis/v9"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DB      *sqlx.DB
	RDB     *redis.Client
	Config  *config.Config
	Gateway *ws.Gateway
	Configs ws.ConfigSource
	Retries *settlement.RetryScheduler
	Leader  handlers.LeaderFlag

	GameCode string
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(middleware.CORSMiddleware(deps.Config))
	router.Use(middleware.WebSocketCORSCheck(deps.Config))

	if deps.Config.Environment != "production" {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Next()
		})
		log.Println("[DEV MODE] No-cache headers enabled for all routes")
	}

	// API v1 group
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck(deps.DB, deps.RDB, deps.Leader))

		// Game endpoints
		game := v1.Group("/game")
		{
			game.GET("/config", handlers.GetGameConfig(deps.Configs, deps.GameCode))
			game.GET("/ws", handlers.HandleGameWebSocket(deps.Gateway))
		}

		// Back-office endpoints for manual reconciliation
		operator := v1.Group("/operator")
		operator.Use(handlers.OperatorAuth(deps.DB))
		{
			operator.GET("/retry-jobs", handlers.ListRetryJobs(deps.DB))
			operator.POST("/retry-jobs/:id/requeue", handlers.RequeueRetryJob(deps.DB, deps.Retries))
			operator.GET("/errors", handlers.ListErrorAudit(deps.DB))
			operator.GET("/audit", handlers.ListOperatorAudit(deps.DB))
			operator.GET("/game-configs", handlers.ListGameConfigs(deps.DB))
			operator.PUT("/game-configs/:game", handlers.UpdateGameConfig(deps.DB))
		}

		// Dev only
		if deps.Config.Environment != "production" {
			v1.POST("/dev/flush", handlers.FlushState(deps.RDB))
		}
	}
}
