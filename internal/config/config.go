package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Server
	Port        string
	FrontendURL string

	// Instance identity (used as lease holder id)
	InstanceID string

	// Round settings
	SessionTTLSeconds    int
	PlacementLockTTLSecs int
	RefundBufferMinutes  int
	HistoryRetentionDays int

	// Leadership
	LeaseTTLSeconds   int
	LeaseRenewSeconds int

	// Hazard rotation
	HazardRefreshMsMin int
	HazardRefreshMsMax int

	// Retry pipeline
	RetryBatchSize      int
	RetrySweepSeconds   int
	RetryStaleMinutes   int
	RefundSweepMinutes  int
	CleanupSweepMinutes int

	// Wallet
	WalletTimeoutSeconds int

	// Security
	JWTSecret string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/playcrossy?sslmode=disable"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Server
		Port:        getEnv("APP_PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		// Instance identity
		InstanceID: getEnv("INSTANCE_ID", defaultInstanceID()),

		// Round settings
		SessionTTLSeconds:    getEnvInt("SESSION_TTL_SECONDS", 3600),
		PlacementLockTTLSecs: getEnvInt("PLACEMENT_LOCK_TTL_SECONDS", 30),
		RefundBufferMinutes:  getEnvInt("REFUND_BUFFER_MINUTES", 10),
		HistoryRetentionDays: getEnvInt("HISTORY_RETENTION_DAYS", 30),

		// Leadership
		LeaseTTLSeconds:   getEnvInt("LEASE_TTL_SECONDS", 15),
		LeaseRenewSeconds: getEnvInt("LEASE_RENEW_SECONDS", 5),

		// Hazard rotation
		HazardRefreshMsMin: getEnvInt("HAZARD_REFRESH_MS_MIN", 5000),
		HazardRefreshMsMax: getEnvInt("HAZARD_REFRESH_MS_MAX", 300000),

		// Retry pipeline
		RetryBatchSize:      getEnvInt("RETRY_BATCH_SIZE", 50),
		RetrySweepSeconds:   getEnvInt("RETRY_SWEEP_SECONDS", 60),
		RetryStaleMinutes:   getEnvInt("RETRY_STALE_MINUTES", 10),
		RefundSweepMinutes:  getEnvInt("REFUND_SWEEP_MINUTES", 5),
		CleanupSweepMinutes: getEnvInt("CLEANUP_SWEEP_MINUTES", 60),

		// Wallet
		WalletTimeoutSeconds: getEnvInt("WALLET_TIMEOUT_SECONDS", 10),

		// Security
		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
	}
}

// defaultInstanceID builds a unique id for this process: hostname plus a random
// suffix, so multiple instances on one host still get distinct lease holder ids.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "instance"
	}
	b := make([]byte, 4)
	rand.Read(b)
	return host + "-" + hex.EncodeToString(b)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
