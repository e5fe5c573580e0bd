package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to stderr, ensuring
// all config debug output appears in test output for CI visibility.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
[storage]
data_dir = "/var/lib/vaultfs"

[peer]
id = "node-a"
listen_addr = ":9999"
remote_url = "ws://peer-b:9999/sync"
heartbeat_interval = "15s"
max_reconnect_attempts = 5
reconnect_max_delay = "1m"

[chunk]
chunk_size = "2MiB"
inline_threshold = "1MiB"

[scheduler]
debounce_delay = "1s"
max_wait_time = "10s"
max_pending_count = 200
min_sync_interval = "2s"

[conflict]
policy = "manual"

[logging]
level = "debug"
file = "/var/log/vaultfs.log"

[plugins]
enabled = ["dedupe", "audit"]
`

	path := writeTestConfig(t, tomlContent)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vaultfs", cfg.Storage.DataDir)

	assert.Equal(t, "node-a", cfg.Peer.ID)
	assert.Equal(t, ":9999", cfg.Peer.ListenAddr)
	assert.Equal(t, "ws://peer-b:9999/sync", cfg.Peer.RemoteURL)
	assert.Equal(t, "15s", cfg.Peer.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Peer.MaxReconnectAttempts)
	assert.Equal(t, "1m", cfg.Peer.ReconnectMaxDelay)

	assert.Equal(t, "2MiB", cfg.Chunk.ChunkSize)
	assert.Equal(t, "1MiB", cfg.Chunk.InlineThreshold)

	assert.Equal(t, "1s", cfg.Scheduler.DebounceDelay)
	assert.Equal(t, "10s", cfg.Scheduler.MaxWaitTime)
	assert.Equal(t, 200, cfg.Scheduler.MaxPendingCount)
	assert.Equal(t, "2s", cfg.Scheduler.MinSyncInterval)

	assert.Equal(t, "manual", cfg.Conflict.Policy)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/log/vaultfs.log", cfg.Logging.File)

	assert.Equal(t, []string{"dedupe", "audit"}, cfg.Plugins.Enabled)
}

func TestLoad_MinimalConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "1MiB", cfg.Chunk.ChunkSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "2s", cfg.Scheduler.DebounceDelay)
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
level = "warn"
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":7777", cfg.Peer.ListenAddr)
	assert.Equal(t, "newer-wins", cfg.Conflict.Policy)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[peer
not valid toml`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", testLogger(t))
	require.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `
[conflict]
policy = "whatever-wins"
`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoad_UnknownSection(t *testing.T) {
	path := writeTestConfig(t, `
[pear]
id = "node-a"
`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "peer"`)
}

func TestLoad_UnknownKeyInKnownSection(t *testing.T) {
	path := writeTestConfig(t, `
[peer]
ide = "node-a"
`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "id"`)
}

func TestLoadOrDefault_FileExists(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
level = "debug"
`)
	cfg, err := LoadOrDefault(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.toml", testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":7777", cfg.Peer.ListenAddr)
}

func TestResolve_EnvOverridesFile(t *testing.T) {
	path := writeTestConfig(t, `
[peer]
id = "from-file"
`)
	cfg, err := Resolve(EnvOverrides{ConfigPath: path, PeerID: "from-env"}, CLIOverrides{}, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Peer.ID)
}

func TestResolve_CLIOverridesEnv(t *testing.T) {
	path := writeTestConfig(t, `
[peer]
id = "from-file"
`)
	cfg, err := Resolve(
		EnvOverrides{ConfigPath: path, PeerID: "from-env"},
		CLIOverrides{PeerID: "from-cli"},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "from-cli", cfg.Peer.ID)
}

func TestResolve_CLIConfigPathOverridesEnv(t *testing.T) {
	path := writeTestConfig(t, `
[storage]
data_dir = "/correct"
`)
	cfg, err := Resolve(
		EnvOverrides{ConfigPath: "/wrong/path"},
		CLIOverrides{ConfigPath: path},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "/correct", cfg.Storage.DataDir)
}

func TestResolve_InvalidConfigFile(t *testing.T) {
	path := writeTestConfig(t, `[invalid toml`)
	_, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{}, testLogger(t))
	require.Error(t, err)
}

func TestResolveConfigPath_PriorityOrder(t *testing.T) {
	logger := testLogger(t)

	assert.NotEmpty(t, ResolveConfigPath(EnvOverrides{}, CLIOverrides{}, logger))
	assert.Equal(t, "/env/path", ResolveConfigPath(EnvOverrides{ConfigPath: "/env/path"}, CLIOverrides{}, logger))
	assert.Equal(t, "/cli/path", ResolveConfigPath(
		EnvOverrides{ConfigPath: "/env/path"}, CLIOverrides{ConfigPath: "/cli/path"}, logger))
}
