package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("RECONCILE_INTERVAL", "")
	t.Setenv("DIRECT_ORDER_PENDING_EXPIRE_MINUTES", "")

	cfg := Load()

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.FastInterval)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.DirectOrderTTL)
	assert.Equal(t, int64(25000), cfg.Business.USDTRate)
	assert.Equal(t, "storefront-events", cfg.Kafka.TopicEvents)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("RECONCILE_INTERVAL", "45s")
	t.Setenv("RECONCILE_ENABLED", "false")
	t.Setenv("DIRECT_ORDER_PENDING_EXPIRE_MINUTES", "15")
	t.Setenv("USDT_RATE", "26000")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Reconcile.Interval)
	assert.False(t, cfg.Reconcile.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.DirectOrderTTL)
	assert.Equal(t, int64(26000), cfg.Business.USDTRate)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("RECONCILE_INTERVAL", "soon")
	t.Setenv("DIRECT_ORDER_PENDING_EXPIRE_MINUTES", "0")
	t.Setenv("USDT_RATE", "abc")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.DirectOrderTTL)
	assert.Equal(t, int64(25000), cfg.Business.USDTRate)
}
