// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for a vaultfs node.
package config

// Config is the top-level configuration structure for a node.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Peer      PeerConfig      `toml:"peer"`
	Chunk     ChunkConfig     `toml:"chunk"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Conflict  ConflictConfig  `toml:"conflict"`
	Logging   LoggingConfig   `toml:"logging"`
	Plugins   PluginsConfig   `toml:"plugins"`
}

// StorageConfig controls where the node's transactional store lives.
type StorageConfig struct {
	// DataDir holds the sqlite database file. Empty means DefaultDataDir().
	DataDir string `toml:"data_dir"`
}

// PeerConfig identifies this node within the mesh and configures the
// websocket transport used to reach a remote peer.
type PeerConfig struct {
	// ID is this node's peer identity, stamped into every vector clock
	// entry it produces. Generated once by `init` and persisted.
	ID string `toml:"id"`
	// ListenAddr is the address `serve` binds to, e.g. ":7777".
	ListenAddr string `toml:"listen_addr"`
	// RemoteURL is the websocket URL `sync` dials to reach the remote
	// peer. Empty disables outbound sync.
	RemoteURL string `toml:"remote_url"`
	// HeartbeatInterval is how often the transport pings an idle
	// connection to detect a dead peer.
	HeartbeatInterval string `toml:"heartbeat_interval"`
	// MaxReconnectAttempts bounds the backoff retry loop after a
	// dropped connection.
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	// ReconnectMaxDelay caps the backoff between reconnect attempts.
	ReconnectMaxDelay string `toml:"reconnect_max_delay"`
}

// ChunkConfig controls how large file bodies are split and which bodies
// travel inline inside a sync packet instead of as chunk references.
type ChunkConfig struct {
	// ChunkSize is the byte size of each stored chunk, human-readable
	// (e.g. "1MiB"). Empty uses chunk.DefaultChunkSize.
	ChunkSize string `toml:"chunk_size"`
	// InlineThreshold is the largest file body sent inline rather than
	// by chunk reference, human-readable (e.g. "5MiB"). Empty uses
	// packet.DefaultInlineThreshold.
	InlineThreshold string `toml:"inline_threshold"`
}

// SchedulerConfig sets the four debounce thresholds the sync scheduler
// uses to decide when to fire a run.
type SchedulerConfig struct {
	DebounceDelay   string `toml:"debounce_delay"`
	MaxWaitTime     string `toml:"max_wait_time"`
	MaxPendingCount int    `toml:"max_pending_count"`
	MinSyncInterval string `toml:"min_sync_interval"`
}

// ConflictConfig selects how concurrent changes are resolved.
type ConflictConfig struct {
	// Policy is one of server-wins, client-wins, newer-wins, manual.
	Policy string `toml:"policy"`
}

// LoggingConfig controls log verbosity and destination.
type LoggingConfig struct {
	// Level is one of quiet, warn, info, debug.
	Level string `toml:"level"`
	// File is a path to append logs to. Empty logs to stderr.
	File string `toml:"file"`
}

// PluginsConfig lists which optional plugins are active on this node.
type PluginsConfig struct {
	Enabled []string `toml:"enabled"`
}
