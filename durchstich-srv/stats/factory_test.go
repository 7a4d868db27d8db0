package stats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/durchstich/durchstich-srv/config"
)

func TestFactoryDisabledReturnsDummy(t *testing.T) {
	factory := NewCollectorFactory()
	collector, err := factory.CreateCollector(&config.StatisticsConfig{Enabled: false})
	require.NoError(t, err)
	defer collector.Close()

	assert.IsType(t, &DummyCollector{}, collector)
}

func TestFactorySQLiteBackend(t *testing.T) {
	factory := NewCollectorFactory()
	collector, err := factory.CreateCollector(&config.StatisticsConfig{
		Enabled:    true,
		Backend:    "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "stats.db"),
	})
	require.NoError(t, err)
	defer collector.Close()

	// The backend is wrapped so relay paths never block on the database.
	assert.IsType(t, &BufferedCollector{}, collector)

	id, err := collector.StartConnection(context.Background(), "127.0.0.1:1", "host", 22)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
}

func TestFactoryDummyBackend(t *testing.T) {
	factory := NewCollectorFactory()
	collector, err := factory.CreateCollector(&config.StatisticsConfig{
		Enabled: true,
		Backend: "dummy",
	})
	require.NoError(t, err)
	defer collector.Close()

	assert.IsType(t, &BufferedCollector{}, collector)
	assert.NoError(t, collector.HealthCheck(context.Background()))
}

func TestFactoryPostgresRequiresDSN(t *testing.T) {
	factory := NewCollectorFactory()
	_, err := factory.CreateCollector(&config.StatisticsConfig{
		Enabled: true,
		Backend: "postgres",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres-dsn")
}

func TestFactoryUnsupportedBackend(t *testing.T) {
	factory := NewCollectorFactory()
	_, err := factory.CreateCollector(&config.StatisticsConfig{
		Enabled: true,
		Backend: "cassandra",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported stats backend")
}
