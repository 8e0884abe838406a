package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromLookupDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.BaseDir)
	assert.Equal(t, 1, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryInterval)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "default", cfg.QueueName)
	assert.False(t, cfg.StrictSize)
	assert.Zero(t, cfg.FetchTimeout)
	assert.Equal(t, DefaultContentOwnerID, cfg.ContentOwnerID)
}

func TestFromLookupValues(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"DEEPMATH_DATA_DIR":         "/var/lib/deepmath",
		"DATASET_DEBUG_URL":         "http://localhost:9000/small.tgz",
		"DATASET_DEBUG_SIZE":        "1234",
		"DATASET_STANDARD_FILENAME": "full.tar.gz",
		"FETCH_TIMEOUT":             "90s",
		"FETCH_MAX_ATTEMPTS":        "4",
		"FETCH_STRICT_SIZE":         "true",
		"PUBLISH_CONTENT":           "1",
		"DBOS_CONCURRENCY":          "2",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/deepmath", cfg.BaseDir)
	assert.Equal(t, 90*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.True(t, cfg.StrictSize)
	assert.True(t, cfg.PublishContent)
	assert.Equal(t, 2, cfg.Concurrency)

	sources := cfg.Sources()
	assert.Equal(t, "http://localhost:9000/small.tgz", sources[dataset.Debug].URL)
	assert.Equal(t, uint64(1234), sources[dataset.Debug].ExpectedSize)
	assert.Equal(t, "full.tar.gz", sources[dataset.Standard].Filename)
}

func TestFromLookupInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad duration", env: map[string]string{"FETCH_TIMEOUT": "soon"}},
		{name: "bad int", env: map[string]string{"FETCH_MAX_ATTEMPTS": "many"}},
		{name: "negative attempts", env: map[string]string{"FETCH_MAX_ATTEMPTS": "-1"}},
		{name: "bad size", env: map[string]string{"DATASET_DEBUG_SIZE": "-5"}},
		{name: "bad bool", env: map[string]string{"FETCH_STRICT_SIZE": "maybe"}},
		{name: "bad owner", env: map[string]string{"CONTENT_OWNER_ID": "owner-1"}},
		{name: "traversal filename", env: map[string]string{"DATASET_DEBUG_FILENAME": "../x.tgz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromLookup(lookupFrom(tt.env))
			require.Error(t, err)
			assert.ErrorIs(t, err, pipeline.ErrConfig)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DATASET_DEBUG_FILENAME=fixture.tgz\nDBOS_QUEUE_NAME=from-file\n"), 0o644))
	t.Setenv("DBOS_QUEUE_NAME", "from-env")

	cfg, err := Load(envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "fixture.tgz", cfg.DebugFilename)
	assert.Equal(t, "from-env", cfg.QueueName, "process environment wins over .env")

	_, ok := os.LookupEnv("DATASET_DEBUG_FILENAME")
	assert.False(t, ok, "Load must not modify the process environment")
}
