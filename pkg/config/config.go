// Package config loads process configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	DBPath           string
	NATSUrl          string
	RedisAddr        string
	OpsSecret        string
	JWTSecret        string
	RateLimitRPS     int
	RateLimitBurst   int
	MaxInMemory      int
	TTLGrace         time.Duration
	SnapshotInterval time.Duration
	ConfigFile       string
	ReceiptsPath     string
	AuditPath        string
}

// Load reads configuration from environment variables, with development
// defaults for everything except the secrets.
func Load() *Config {
	return &Config{
		Port:             getenv("PORT", "8090"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DBPath:           getenv("DB_PATH", "mycelia.db"),
		NATSUrl:          getenv("NATS_URL", "nats://localhost:4222"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		OpsSecret:        os.Getenv("OPS_SECRET"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		RateLimitRPS:     getint("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   getint("RATE_LIMIT_BURST", 100),
		MaxInMemory:      getint("MAX_IN_MEMORY", 1000),
		TTLGrace:         getdur("TTL_GRACE_MS", 2000) * time.Millisecond,
		SnapshotInterval: getdur("SNAPSHOT_INTERVAL_S", 60) * time.Second,
		ConfigFile:       os.Getenv("CONFIG_FILE"),
		ReceiptsPath:     getenv("RECEIPTS_PATH", "receipts.jsonl"),
		AuditPath:        getenv("AUDIT_PATH", "audit.jsonl"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback int) time.Duration {
	return time.Duration(getint(key, fallback))
}
