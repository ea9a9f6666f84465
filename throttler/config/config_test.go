package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.apithrottle.dev/throttle/throttler/config"
)

const manifestYAML = `
rate_limits:
  - limit_id: ep
    limit: 10
    time_interval: 1s
    weight: 1
    linked_limits:
      - limit_id: global
        weight: 2
  - limit_id: global
    limit: 100
    time_interval: 1m
`

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, manifestYAML)

	rateLimits, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, rateLimits, 2)

	assert.Equal(t, "ep", rateLimits[0].LimitID)
	assert.Equal(t, uint64(10), rateLimits[0].Limit)
	assert.Equal(t, time.Second, rateLimits[0].TimeInterval)
	require.Len(t, rateLimits[0].LinkedLimits, 1)
	assert.Equal(t, "global", rateLimits[0].LinkedLimits[0].LimitID)
	assert.Equal(t, uint64(2), rateLimits[0].LinkedLimits[0].Weight)

	assert.Equal(t, "global", rateLimits[1].LimitID)
	assert.Equal(t, time.Minute, rateLimits[1].TimeInterval)
}

func TestLoad_InvalidTimeInterval(t *testing.T) {
	path := writeManifest(t, `
rate_limits:
  - limit_id: ep
    limit: 10
    time_interval: not-a-duration
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	path := writeManifest(t, manifestYAML)

	th, err := config.New(path)
	require.NoError(t, err)

	limits := th.EffectiveLimits()
	assert.Equal(t, uint64(10), limits["ep"])
	assert.Equal(t, uint64(100), limits["global"])
}
