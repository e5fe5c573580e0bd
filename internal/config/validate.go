package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	chunkAlignBytes      = 4096             // 4 KiB alignment for stored chunks
	minChunkBytes        = 64 * 1024        // 64 KiB
	maxChunkBytes        = 64 * 1024 * 1024 // 64 MiB
	minMaxPendingCount   = 1
	minReconnectAttempts = 0
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validatePeer(&cfg.Peer)...)
	errs = append(errs, validateChunk(&cfg.Chunk)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateConflict(&cfg.Conflict)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validatePeer(p *PeerConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("peer.heartbeat_interval", p.HeartbeatInterval, 0)...)
	errs = append(errs, validateDurationMin("peer.reconnect_max_delay", p.ReconnectMaxDelay, 0)...)

	if p.MaxReconnectAttempts < minReconnectAttempts {
		errs = append(errs, fmt.Errorf("peer.max_reconnect_attempts: must be >= %d, got %d",
			minReconnectAttempts, p.MaxReconnectAttempts))
	}

	return errs
}

func validateChunk(c *ChunkConfig) []error {
	var errs []error

	if c.ChunkSize != "" {
		bytes, err := ParseSize(c.ChunkSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("chunk.chunk_size: %w", err))
		} else if bytes < minChunkBytes || bytes > maxChunkBytes {
			errs = append(errs, fmt.Errorf("chunk.chunk_size: must be between 64KiB and 64MiB, got %s", c.ChunkSize))
		} else if bytes%chunkAlignBytes != 0 {
			errs = append(errs, fmt.Errorf("chunk.chunk_size: must be a multiple of %d bytes, got %s (%d bytes)",
				chunkAlignBytes, c.ChunkSize, bytes))
		}
	}

	if c.InlineThreshold != "" {
		if _, err := ParseSize(c.InlineThreshold); err != nil {
			errs = append(errs, fmt.Errorf("chunk.inline_threshold: %w", err))
		}
	}

	return errs
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("scheduler.debounce_delay", s.DebounceDelay, 0)...)
	errs = append(errs, validateDurationMin("scheduler.max_wait_time", s.MaxWaitTime, 0)...)
	errs = append(errs, validateDurationMin("scheduler.min_sync_interval", s.MinSyncInterval, 0)...)

	if s.MaxPendingCount < minMaxPendingCount {
		errs = append(errs, fmt.Errorf("scheduler.max_pending_count: must be >= %d, got %d",
			minMaxPendingCount, s.MaxPendingCount))
	}

	return errs
}

var validConflictPolicies = map[string]bool{
	"server-wins": true,
	"client-wins": true,
	"newer-wins":  true,
	"manual":      true,
}

func validateConflict(c *ConflictConfig) []error {
	if !validConflictPolicies[c.Policy] {
		return []error{fmt.Errorf(
			"conflict.policy: must be one of server-wins, client-wins, newer-wins, manual; got %q", c.Policy)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"quiet": true,
	"warn":  true,
	"info":  true,
	"debug": true,
}

func validateLogging(l *LoggingConfig) []error {
	if !validLogLevels[l.Level] {
		return []error{fmt.Errorf("logging.level: must be one of quiet, warn, info, debug; got %q", l.Level)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a
// minimum. An empty value is allowed and means "use the package default",
// since not every duration field must be set in the file.
func validateDuration(field, value string, minimum time.Duration) error {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}
