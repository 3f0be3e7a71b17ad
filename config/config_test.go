package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Redis.CacheTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 80, cfg.Business.RiskScoreLimit)
	assert.Equal(t, "0.2", cfg.Business.TaxRate.String())
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RFMInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("CACHE_TTL_SECONDS", "60")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TAX_RATE", "0.08")
	t.Setenv("SHIPPING_EXPRESS", "not-a-number")
	t.Setenv("REPORT_INTERVAL", "15m")
	t.Setenv("SCHEDULER_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Minute, cfg.Redis.CacheTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "0.08", cfg.Business.TaxRate.String())
	assert.Equal(t, "20", cfg.Business.ShippingExpress.String(), "unparsable values fall back to the default")
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.ReportInterval)
	assert.True(t, cfg.Scheduler.Enabled)
}
