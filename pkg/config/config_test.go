package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "mycelia.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.TTLGrace)
	assert.Equal(t, time.Minute, cfg.SnapshotInterval)
	assert.Empty(t, cfg.OpsSecret, "secrets have no defaults")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("TTL_GRACE_MS", "500")
	t.Setenv("OPS_SECRET", "s3cret")
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.TTLGrace)
	assert.Equal(t, "s3cret", cfg.OpsSecret)
	assert.Equal(t, 50, cfg.RateLimitRPS, "unparsable values fall back to the default")
}
