package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/playcrossy/backend/internal/api"
	"github.com/playcrossy/backend/internal/config"
	"github.com/playcrossy/backend/internal/database"
	"github.com/playcrossy/backend/internal/fairness"
	"github.com/playcrossy/backend/internal/hazard"
	"github.com/playcrossy/backend/internal/leader"
	"github.com/playcrossy/backend/internal/lock"
	"github.com/playcrossy/backend/internal/migrations"
	appredis "github.com/playcrossy/backend/internal/redis"
	"github.com/playcrossy/backend/internal/round"
	"github.com/playcrossy/backend/internal/settlement"
	"github.com/playcrossy/backend/internal/ws"
)

const gameCode = "crossy"

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

	// Run migrations on start if requested
	if os.Getenv("MIGRATE_ON_START") == "true" {
		log.Println("↗ Running DB migrations on startup...")
		if err := migrations.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	rdb, err := appredis.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Leadership: one instance drives hazard rotation
	elector := leader.NewElector(rdb, "leader:"+gameCode, cfg.InstanceID,
		time.Duration(cfg.LeaseTTLSeconds)*time.Second,
		time.Duration(cfg.LeaseRenewSeconds)*time.Second)
	go elector.Run(ctx)

	locks := lock.New(rdb)
	gameConfigs := config.NewGameConfigStore(db, time.Minute)

	hazards := hazard.NewScheduler(rdb, elector, locks, gameConfigs, cfg.HazardRefreshMsMin, cfg.HazardRefreshMsMax)
	go hazards.Run(ctx)

	// Settlement pipeline
	agents := settlement.NewAgentStore(db, 5*time.Minute)
	wallet := settlement.NewClient(agents, time.Duration(cfg.WalletTimeoutSeconds)*time.Second)
	auditor := settlement.NewAuditor(db, rdb)

	retries := settlement.NewRetryScheduler(db, wallet, auditor,
		cfg.RetryBatchSize,
		time.Duration(cfg.RetryStaleMinutes)*time.Minute,
		time.Duration(cfg.RetrySweepSeconds)*time.Second)
	if err := retries.Start(); err != nil {
		log.Fatalf("Failed to start retry scheduler: %v", err)
	}
	defer retries.Stop()

	// Round engine
	seeds := fairness.NewProvider(rdb)
	sessions := round.NewSessionStore(rdb, time.Duration(cfg.SessionTTLSeconds)*time.Second)
	ledger := round.NewBetLedger(db)
	engine := round.NewEngine(sessions, ledger, wallet, retries, auditor, seeds, hazards, locks, gameConfigs,
		time.Duration(cfg.PlacementLockTTLSecs)*time.Second)

	refunds := settlement.NewRefundSweeper(db, wallet, retries, sessions,
		time.Duration(cfg.SessionTTLSeconds)*time.Second,
		time.Duration(cfg.RefundBufferMinutes)*time.Minute,
		time.Duration(cfg.RefundSweepMinutes)*time.Minute)
	if err := refunds.Start(); err != nil {
		log.Fatalf("Failed to start refund sweeper: %v", err)
	}
	defer refunds.Stop()

	cleanup := settlement.NewCleanupSweeper(db, cfg.HistoryRetentionDays,
		time.Duration(cfg.CleanupSweepMinutes)*time.Minute)
	if err := cleanup.Start(); err != nil {
		log.Fatalf("Failed to start cleanup sweeper: %v", err)
	}
	defer cleanup.Stop()

	// Game gateway
	auth := ws.NewAuth(cfg.JWTSecret)
	gateway := ws.NewGateway(engine, seeds, gameConfigs, auth, gameCode)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	api.SetupRoutes(router, api.Deps{
		DB:       db,
		RDB:      rdb,
		Config:   cfg,
		Gateway:  gateway,
		Configs:  gameConfigs,
		Retries:  retries,
		Leader:   elector,
		GameCode: gameCode,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting PlayCrossy server on port %s (instance=%s)", cfg.Port, cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	// Give up the lease so a peer can take over immediately
	elector.ReleaseLeadership(shutdownCtx)
	log.Println("Shutdown complete")
}
