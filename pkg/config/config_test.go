package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Outbox.SweepInterval)
	assert.Equal(t, 500, cfg.Outbox.BatchSize)
	assert.Equal(t, 300000, cfg.Outbox.MaxBackoffMillis)
	assert.Equal(t, 10*time.Second, cfg.Outbox.StuckThreshold)
	assert.Equal(t, 32, cfg.Outbox.FastpathConcurrency)
	assert.False(t, cfg.Outbox.FastpathEnabled)

	assert.Equal(t, 60*time.Second, cfg.Consumer.HandlerLease)
	assert.Equal(t, 3, cfg.Consumer.MaxRetriesDefault)
	assert.Equal(t,
		[]string{"timeout", "connection", "temporary", "deadlock"},
		cfg.Consumer.TransientErrorPatterns,
	)

	assert.Equal(t, 3, cfg.Process.MaxRetriesDefault)
	assert.Equal(t, time.Second, cfg.Process.RetryBase)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLOWMESH_OUTBOX_BATCH_SIZE", "50")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
}
