package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds flag values that take priority over config file and
// environment variable settings.
type CLIOverrides struct {
	ConfigPath string
	PeerID     string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unlike the per-drive two-pass decode a multi-profile
// tool needs, a single node has one flat table, so one decode pass
// suffices. Unknown keys are treated as fatal errors with "did you mean?"
// suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully", "path", path)

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: a node can start without creating a config file.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the env and CLI override layers
// on top of it, returning the fully resolved Config. Call order is
// defaults (embedded in DefaultConfig) -> file (Load) -> env -> CLI.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Config, error) {
	cfgPath := ResolveConfigPath(env, cli, logger)

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if env.DataDir != "" {
		cfg.Storage.DataDir = env.DataDir
		logger.Debug("env override applied", "data_dir", cfg.Storage.DataDir)
	}

	if env.PeerID != "" {
		cfg.Peer.ID = env.PeerID
		logger.Debug("env override applied", "peer_id", cfg.Peer.ID)
	}

	if cli.PeerID != "" {
		cfg.Peer.ID = cli.PeerID
		logger.Debug("CLI override applied", "peer_id", cfg.Peer.ID)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ResolveConfigPath determines the config file path using the three-layer
// priority: CLI flag > environment variable > platform default. This is
// the single correct implementation of config path resolution — every
// command that reads config should use it.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) string {
	cfgPath := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
		source = "env"
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
		source = "cli"
	}

	logger.Debug("config path resolved", "path", cfgPath, "source", source)

	return cfgPath
}
