package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv("VAULTFS_CONFIG", "/custom/config.toml")
	t.Setenv("VAULTFS_DATA_DIR", "/custom/data")
	t.Setenv("VAULTFS_PEER_ID", "node-a")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "/custom/data", overrides.DataDir)
	assert.Equal(t, "node-a", overrides.PeerID)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv("VAULTFS_CONFIG", "")
	t.Setenv("VAULTFS_DATA_DIR", "")
	t.Setenv("VAULTFS_PEER_ID", "")

	overrides := ReadEnvOverrides()
	assert.Empty(t, overrides.ConfigPath)
	assert.Empty(t, overrides.DataDir)
	assert.Empty(t, overrides.PeerID)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "VAULTFS_CONFIG", EnvConfig)
	assert.Equal(t, "VAULTFS_DATA_DIR", EnvDataDir)
	assert.Equal(t, "VAULTFS_PEER_ID", EnvPeerID)
}
