package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Publish.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Publish.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Dedup.TTL)
	assert.False(t, cfg.Dedup.Durable)
	assert.Equal(t, 3, cfg.Reminders.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reminders.RetryBackoff)
	assert.Equal(t, 5, cfg.Consumers.MaxDeliver)
	assert.Equal(t, 3, cfg.Stream.MaxConnsPerUser)
	assert.Equal(t, 16, cfg.Shards)
}

func TestLoadFileOverlay(t *testing.T) {
	path := writeConfig(t, `
publish:
  max_attempts: 6
  retry_delay: 50ms
dedup:
  ttl: 2m
  durable: true
reminders:
  retry_backoff: 4s
  webhook_url: https://hooks.internal/reminders
consumers:
  max_deliver: 8
shards: 32
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Publish.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Publish.RetryDelay)
	assert.Equal(t, 2*time.Minute, cfg.Dedup.TTL)
	assert.True(t, cfg.Dedup.Durable)
	assert.Equal(t, 4*time.Second, cfg.Reminders.RetryBackoff)
	assert.Equal(t, "https://hooks.internal/reminders", cfg.Reminders.WebhookURL)
	assert.Equal(t, 8, cfg.Consumers.MaxDeliver)
	assert.Equal(t, 32, cfg.Shards)

	// Untouched knobs keep their defaults.
	assert.Equal(t, 3, cfg.Reminders.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reminders.PollInterval)
	assert.Equal(t, 2, cfg.Consumers.Workers)
}

func TestLoadFileIgnoresNonPositiveInts(t *testing.T) {
	path := writeConfig(t, `
publish:
  max_attempts: 0
reminders:
  workers: -3
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Publish.MaxAttempts)
	assert.Equal(t, 2, cfg.Reminders.Workers)
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
dedup:
  ttl: thirty seconds
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadFileRejectsNegativeDuration(t *testing.T) {
	path := writeConfig(t, `
publish:
  retry_delay: -1s
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative duration")
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
