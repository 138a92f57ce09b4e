package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Mode)
	assert.Equal(t, int64(1048576), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 25, cfg.Database.MaxConnections)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "behavior-events", cfg.Kafka.Topics.BehaviorEvents)
	assert.Equal(t, 64, cfg.Batcher.MaxBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Batcher.BatchTimeout)
	assert.Equal(t, 0, cfg.Batcher.MaxQueueDepth)
	assert.Equal(t, time.Hour, cfg.Cache.ViewerTTL)
	assert.Equal(t, 0.7, cfg.Fusion.Diversity.Lambda)
	assert.Equal(t, 0.4, cfg.Fusion.Diversity.MaxCategoryRatio)
	assert.Equal(t, 0.6, cfg.Fusion.Boosts.BaseWeight)
	assert.Equal(t, 0.8, cfg.Fusion.Dedup.SimilarityThreshold)
	assert.Equal(t, 30, cfg.Aggregation.ViewerWindowDays)
	assert.Equal(t, 90, cfg.Retention.BehaviorDays)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, "/metrics", cfg.Monitoring.MetricsPath)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := chdirTemp(t)

	yaml := []byte(`
server:
  port: "9090"
  mode: production
batcher:
  max_batch_size: 16
  batch_timeout: 25ms
fusion:
  algorithm_weights:
    semantic: 0.4
    collaborative: 0.3
  policy:
    require_review: true
`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "app.yaml"), yaml, 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Mode)
	assert.Equal(t, 16, cfg.Batcher.MaxBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.Batcher.BatchTimeout)
	assert.Equal(t, 0.4, cfg.Fusion.AlgorithmWeights["semantic"])
	assert.Equal(t, 0.3, cfg.Fusion.AlgorithmWeights["collaborative"])
	assert.True(t, cfg.Fusion.Policy.RequireReview)

	// Untouched sections keep their defaults.
	assert.Equal(t, 25, cfg.Database.MaxConnections)
	assert.Equal(t, 4, cfg.Batcher.MaxWorkers)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := chdirTemp(t)

	yaml := []byte(`
server:
  port: "9090"
  max_body_bytez: 2048
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), yaml, 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_body_bytez")
}
