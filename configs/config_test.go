package configs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise/fraud-engine/configs"
)

func TestLoad_Defaults(t *testing.T) {
	// Blank out anything the surrounding environment may carry; the
	// loaders treat an empty value as unset.
	for _, key := range []string{
		"PORT", "ENVIRONMENT",
		"DB_MAX_OPEN_CONNS", "DB_CONN_MAX_IDLE_TIME",
		"REDIS_REQUEST_STREAM", "REDIS_EVENT_STREAM", "REDIS_CONSUMER_GROUP",
		"JWT_EXPIRATION",
		"WORKER_CONCURRENCY", "DEAD_LETTER_STREAM",
		"ENGINE_RULE_WORKERS", "ENGINE_VPN_BLACKLIST",
		"RESOLVER_CACHE_ENTRIES",
	} {
		t.Setenv(key, "")
	}

	cfg := configs.Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxIdleTime)
	assert.Equal(t, "fraud:payment:requests", cfg.Redis.RequestStream)
	assert.Equal(t, "fraud:evaluation:events", cfg.Redis.EventStream)
	assert.Equal(t, "evaluation-workers", cfg.Redis.ConsumerGroup)
	assert.Equal(t, 24*time.Hour, cfg.JWT.Expiration)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, "fraud:payment:requests-dlq", cfg.Worker.DeadLetterStream)
	assert.Equal(t, 720*time.Hour, cfg.Worker.AuditRetention)
	assert.Equal(t, 0, cfg.Engine.RuleWorkers)
	assert.Equal(t, "data/vpn-ipv6-blacklist.json", cfg.Engine.VPNBlacklistPath)
	assert.Equal(t, 10000, cfg.Resolver.CacheEntries)
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_MAX_OPEN_CONNS", "50")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "90s")
	t.Setenv("JWT_EXPIRATION", "15m")
	t.Setenv("REDIS_REQUEST_STREAM", "test:requests")
	t.Setenv("ENGINE_RULE_WORKERS", "8")

	cfg := configs.Load()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, 90*time.Second, cfg.Database.ConnMaxIdleTime)
	assert.Equal(t, 15*time.Minute, cfg.JWT.Expiration)
	assert.Equal(t, "test:requests", cfg.Redis.RequestStream)
	assert.Equal(t, 8, cfg.Engine.RuleWorkers)
}

func TestLoad_FallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "many")
	t.Setenv("WORKER_POLL_INTERVAL", "soon")

	cfg := configs.Load()

	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval)
}
