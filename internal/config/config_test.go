package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "", cfg.Storage.DataDir)

	assert.Equal(t, ":7777", cfg.Peer.ListenAddr)
	assert.Equal(t, "", cfg.Peer.RemoteURL)
	assert.Equal(t, "30s", cfg.Peer.HeartbeatInterval)
	assert.Equal(t, 10, cfg.Peer.MaxReconnectAttempts)
	assert.Equal(t, "30s", cfg.Peer.ReconnectMaxDelay)

	assert.Equal(t, "1MiB", cfg.Chunk.ChunkSize)
	assert.Equal(t, "5MiB", cfg.Chunk.InlineThreshold)

	assert.Equal(t, "2s", cfg.Scheduler.DebounceDelay)
	assert.Equal(t, "30s", cfg.Scheduler.MaxWaitTime)
	assert.Equal(t, 500, cfg.Scheduler.MaxPendingCount)
	assert.Equal(t, "5s", cfg.Scheduler.MinSyncInterval)

	assert.Equal(t, "newer-wins", cfg.Conflict.Policy)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "", cfg.Logging.File)

	assert.Empty(t, cfg.Plugins.Enabled)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, Validate(cfg))
}
