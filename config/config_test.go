package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "intake.db", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.LongPollTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 4096, cfg.DedupMaxIDs)
	assert.True(t, cfg.PollTimeout > cfg.LongPollTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intake.yaml")
	content := "db_path: /var/lib/intake/state.db\npoll_timeout: 90s\ndedup_max_ids: 128\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/intake/state.db", cfg.DBPath)
	assert.Equal(t, 90*time.Second, cfg.PollTimeout)
	assert.Equal(t, 128, cfg.DedupMaxIDs)
	// Untouched keys keep defaults.
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
}

func TestValidateRejectsInvertedTimeouts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intake.yaml")
	content := "poll_timeout: 10s\nlong_poll_timeout: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exceed long_poll_timeout")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
