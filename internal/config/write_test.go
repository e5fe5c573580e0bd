package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- CreateConfig tests ---

func TestCreateConfig_CreatesFileWithTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# vaultfs node configuration")
	assert.Contains(t, content, "[peer]")
	assert.Contains(t, content, `id = "node-a"`)
	assert.Contains(t, content, "# listen_addr")
}

func TestCreateConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Peer.ID)
}

func TestCreateConfig_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "deep", "config.toml")

	err := CreateConfig(path, "node-b")
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestCreateConfig_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())
}

// --- SetKey tests ---

func TestSetKey_InsertNewKeyIntoExistingSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "peer", "listen_addr", ":9090")
	require.NoError(t, err)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Peer.ListenAddr)
}

func TestSetKey_UpdateExistingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "peer", "id", "node-b")
	require.NoError(t, err)
	err = SetKey(path, "peer", "id", "node-c")
	require.NoError(t, err)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "node-c", cfg.Peer.ID)
}

func TestSetKey_IntegerFormatting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "scheduler", "max_pending_count", "250")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_pending_count = 250")
	assert.NotContains(t, string(data), `max_pending_count = "250"`)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Scheduler.MaxPendingCount)
}

func TestSetKey_BooleanFormatting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "peer", "remote_url", "ws://peer-b/sync")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `remote_url = "ws://peer-b/sync"`)
}

func TestSetKey_CreatesMissingSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "plugins", "enabled", "dedupe")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[plugins]")
	assert.Contains(t, string(data), `enabled = "dedupe"`)
}

func TestSetKey_FileNotFound(t *testing.T) {
	err := SetKey("/nonexistent/config.toml", "peer", "id", "node-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestSetKey_MultipleSectionsIndependent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "chunk", "chunk_size", "2MiB")
	require.NoError(t, err)
	err = SetKey(path, "conflict", "policy", "manual")
	require.NoError(t, err)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "2MiB", cfg.Chunk.ChunkSize)
	assert.Equal(t, "manual", cfg.Conflict.Policy)
}

// --- atomicWriteFile tests ---

func TestAtomicWriteFile_WritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	err := atomicWriteFile(path, []byte("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAtomicWriteFile_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.txt")

	err := atomicWriteFile(path, []byte("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAtomicWriteFile_SetsPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	err := atomicWriteFile(path, []byte("hello"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())
}

func TestAtomicWriteFile_InvalidDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	err := os.WriteFile(blocker, []byte("I'm a file"), configFilePermissions)
	require.NoError(t, err)

	path := filepath.Join(blocker, "sub", "test.txt")
	err = atomicWriteFile(path, []byte("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating config directory")
}

// --- formatTOMLValue / isBareInteger tests ---

func TestFormatTOMLValue_Boolean(t *testing.T) {
	assert.Equal(t, "true", formatTOMLValue("true"))
	assert.Equal(t, "false", formatTOMLValue("false"))
}

func TestFormatTOMLValue_Integer(t *testing.T) {
	assert.Equal(t, "250", formatTOMLValue("250"))
	assert.Equal(t, "-1", formatTOMLValue("-1"))
}

func TestFormatTOMLValue_String(t *testing.T) {
	assert.Equal(t, `"hello"`, formatTOMLValue("hello"))
	assert.Equal(t, `":9090"`, formatTOMLValue(":9090"))
}

func TestIsBareInteger(t *testing.T) {
	assert.True(t, isBareInteger("250"))
	assert.True(t, isBareInteger("-1"))
	assert.False(t, isBareInteger(""))
	assert.False(t, isBareInteger("1.5"))
	assert.False(t, isBareInteger("node-a"))
}

// --- findSectionHeader tests ---

func TestFindSectionHeader_Found(t *testing.T) {
	lines := []string{
		"# comment",
		"[peer]",
		`id = "node-a"`,
	}
	headerLine, sectionStart := findSectionHeader(lines, "peer")
	assert.Equal(t, 1, headerLine)
	assert.Equal(t, 2, sectionStart)
}

func TestFindSectionHeader_NotFound(t *testing.T) {
	lines := []string{"# comment", `id = "node-a"`}
	headerLine, sectionStart := findSectionHeader(lines, "peer")
	assert.Equal(t, -1, headerLine)
	assert.Equal(t, -1, sectionStart)
}

// --- findSectionEnd tests ---

func TestFindSectionEnd_NextSection(t *testing.T) {
	lines := []string{
		"[peer]",
		`id = "node-a"`,
		"",
		"[chunk]",
		`chunk_size = "1MiB"`,
	}
	end := findSectionEnd(lines, 1)
	assert.Equal(t, 2, end)
}

func TestFindSectionEnd_NextSectionWithComment(t *testing.T) {
	lines := []string{
		"[peer]",
		`id = "node-a"`,
		"",
		"# chunk settings",
		"[chunk]",
		`chunk_size = "1MiB"`,
	}
	end := findSectionEnd(lines, 1)
	assert.Equal(t, 2, end)
}

func TestFindSectionEnd_EOF(t *testing.T) {
	lines := []string{
		"[peer]",
		`id = "node-a"`,
	}
	end := findSectionEnd(lines, 1)
	assert.Equal(t, 2, end)
}

// --- appendSection tests ---

func TestAppendSection_AddsBlankLineBeforeIfNeeded(t *testing.T) {
	lines := []string{"[peer]", `id = "node-a"`}
	result := appendSection(lines, "chunk")
	assert.Equal(t, []string{"[peer]", `id = "node-a"`, "", "[chunk]"}, result)
}

func TestAppendSection_NoExtraBlankLineWhenAlreadyBlank(t *testing.T) {
	lines := []string{"[peer]", `id = "node-a"`, ""}
	result := appendSection(lines, "chunk")
	assert.Equal(t, []string{"[peer]", `id = "node-a"`, "", "[chunk]"}, result)
}

// --- Integration scenario tests ---

func TestScenario_InitThenSetKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := CreateConfig(path, "node-a")
	require.NoError(t, err)

	err = SetKey(path, "peer", "listen_addr", ":7777")
	require.NoError(t, err)
	err = SetKey(path, "peer", "remote_url", "ws://node-b:7777/sync")
	require.NoError(t, err)
	err = SetKey(path, "conflict", "policy", "server-wins")
	require.NoError(t, err)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Peer.ID)
	assert.Equal(t, ":7777", cfg.Peer.ListenAddr)
	assert.Equal(t, "ws://node-b:7777/sync", cfg.Peer.RemoteURL)
	assert.Equal(t, "server-wins", cfg.Conflict.Policy)
}
