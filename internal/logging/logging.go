// Package logging centralizes slog.Logger construction. Callers always
// build one logger at process start and thread it explicitly through
// constructors; nothing here uses a package-level global.
package logging

import (
	"log/slog"
	"os"
)

// Level mirrors the four verbosity tiers the CLI exposes.
type Level int

// Verbosity levels, lowest to highest.
const (
	LevelQuiet Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelQuiet:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// New builds a text-handler logger writing to stderr at the given level.
func New(level Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.slogLevel()}))
}

// Scoped returns a child logger tagged with a component name, used by the
// plugin host to hand each plugin its own logger (spec ยง4.g "a scoped logger").
func Scoped(base *slog.Logger, component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

// Discard returns a logger that drops everything, for tests that don't
// want log noise.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
