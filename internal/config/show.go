package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// operators visibility into the effective values after all four override
// layers (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderStorageSection(ew, &cfg.Storage)
	renderPeerSection(ew, &cfg.Peer)
	renderChunkSection(ew, &cfg.Chunk)
	renderSchedulerSection(ew, &cfg.Scheduler)
	renderConflictSection(ew, &cfg.Conflict)
	renderLoggingSection(ew, &cfg.Logging)
	renderPluginsSection(ew, &cfg.Plugins)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderStorageSection(ew *errWriter, s *StorageConfig) {
	ew.printf("[storage]\n")
	ew.printf("  data_dir = %q\n", s.DataDir)
	ew.printf("\n")
}

func renderPeerSection(ew *errWriter, p *PeerConfig) {
	ew.printf("[peer]\n")
	ew.printf("  id                      = %q\n", p.ID)
	ew.printf("  listen_addr             = %q\n", p.ListenAddr)
	ew.printf("  remote_url              = %q\n", p.RemoteURL)
	ew.printf("  heartbeat_interval      = %q\n", p.HeartbeatInterval)
	ew.printf("  max_reconnect_attempts  = %d\n", p.MaxReconnectAttempts)
	ew.printf("  reconnect_max_delay     = %q\n", p.ReconnectMaxDelay)
	ew.printf("\n")
}

func renderChunkSection(ew *errWriter, c *ChunkConfig) {
	ew.printf("[chunk]\n")
	ew.printf("  chunk_size       = %q\n", c.ChunkSize)
	ew.printf("  inline_threshold = %q\n", c.InlineThreshold)
	ew.printf("\n")
}

func renderSchedulerSection(ew *errWriter, s *SchedulerConfig) {
	ew.printf("[scheduler]\n")
	ew.printf("  debounce_delay    = %q\n", s.DebounceDelay)
	ew.printf("  max_wait_time     = %q\n", s.MaxWaitTime)
	ew.printf("  max_pending_count = %d\n", s.MaxPendingCount)
	ew.printf("  min_sync_interval = %q\n", s.MinSyncInterval)
	ew.printf("\n")
}

func renderConflictSection(ew *errWriter, c *ConflictConfig) {
	ew.printf("[conflict]\n")
	ew.printf("  policy = %q\n", c.Policy)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  level = %q\n", l.Level)

	if l.File != "" {
		ew.printf("  file  = %q\n", l.File)
	}

	ew.printf("\n")
}

func renderPluginsSection(ew *errWriter, p *PluginsConfig) {
	ew.printf("[plugins]\n")

	if len(p.Enabled) == 0 {
		ew.printf("  enabled = []\n")

		return
	}

	for i, name := range p.Enabled {
		if i == 0 {
			ew.printf("  enabled = [%q", name)
		} else {
			ew.printf(", %q", name)
		}
	}

	ew.printf("]\n")
}
