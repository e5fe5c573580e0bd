package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_AllSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peer.ID = "node-a"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))

	output := buf.String()
	assert.Contains(t, output, "[storage]")
	assert.Contains(t, output, "[peer]")
	assert.Contains(t, output, `"node-a"`)
	assert.Contains(t, output, "[chunk]")
	assert.Contains(t, output, "[scheduler]")
	assert.Contains(t, output, "[conflict]")
	assert.Contains(t, output, "[logging]")
	assert.Contains(t, output, "[plugins]")
}

func TestRenderEffective_LogFileShownWhenSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.File = "/var/log/vaultfs.log"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))
	assert.Contains(t, buf.String(), "/var/log/vaultfs.log")
}

func TestRenderEffective_PluginsListed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plugins.Enabled = []string{"dedupe", "audit"}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))

	output := buf.String()
	assert.Contains(t, output, "dedupe")
	assert.Contains(t, output, "audit")
}

func TestRenderEffective_PluginsEmpty(t *testing.T) {
	cfg := DefaultConfig()

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))
	assert.Contains(t, buf.String(), "enabled = []")
}

// failWriter is a writer that always fails, used to exercise error paths
// in the errWriter pattern.
type failWriter struct{}

var errWriteFailed = errors.New("write failed")

func (failWriter) Write([]byte) (int, error) {
	return 0, errWriteFailed
}

func TestRenderEffective_WriteError(t *testing.T) {
	cfg := DefaultConfig()

	err := RenderEffective(cfg, failWriter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteFailed)
}
