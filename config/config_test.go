package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 0.95, cfg.AutoMergeThreshold)
	assert.Equal(t, 0.75, cfg.ReviewThreshold)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)

	policy := cfg.ResolutionPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)

	sim := cfg.Similarity()
	assert.True(t, sim.GenderVeto)
	assert.Equal(t, 0.60, sim.Swimmer.Name)

	ing := cfg.Ingestion()
	assert.Equal(t, 3, ing.ContentionRetries)
	assert.Equal(t, 100*time.Millisecond, ing.RetryBackoff)

	_, enabled := cfg.Tracing()
	assert.False(t, enabled)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORE_DRIVER=memory\nREVIEW_THRESHOLD=0.8\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STORE_DRIVER")
		os.Unsetenv("REVIEW_THRESHOLD")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 0.8, cfg.ReviewThreshold)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		setenv map[string]string
	}{
		{name: "unknown store", setenv: map[string]string{"STORE_DRIVER": "mongo"}},
		{name: "review above auto merge", setenv: map[string]string{"REVIEW_THRESHOLD": "0.97"}},
		{name: "threshold out of range", setenv: map[string]string{"AUTO_MERGE_THRESHOLD": "1.5"}},
		{name: "ttl shorter than wait", setenv: map[string]string{"REDIS_ENABLED": "true", "LOCK_TTL": "1s"}},
		{name: "unknown exporter", setenv: map[string]string{"TRACING_EXPORTER": "zipkin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.setenv {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
