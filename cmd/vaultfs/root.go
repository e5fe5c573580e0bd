package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Flags holds persistent CLI flag values, bound once in newRootCmd.
type Flags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

var flags Flags

// skipConfigAnnotation marks commands that handle config loading
// themselves (init, before a config file exists).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved config, its logger, and the flags
// that produced it. Built once in PersistentPreRunE and threaded
// through cmd.Context() to every RunE handler.
type CLIContext struct {
	Cfg        *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Flags      *Flags
}

type cliContextKey struct{}

// cliContextFrom extracts the CLIContext from the command's context.
// Returns nil if no config was loaded (e.g. init, which skips it).
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics. Only safe to call
// from commands that do not carry skipConfigAnnotation.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — command should not skip config loading")
	}

	return cc
}

// newRootCmd builds the fully assembled root command with every
// subcommand registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vaultfs",
		Short:         "Transactional virtual filesystem and sync engine",
		Long:          "vaultfs manages a local transactional virtual filesystem and keeps it in sync with a remote peer.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newNodeCmd())
	cmd.AddCommand(newModuleCmd())
	cmd.AddCommand(newTagCmd())
	cmd.AddCommand(newPluginCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores it in the command's context.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}
	env := config.ReadEnvOverrides()

	resolved, err := config.Resolve(env, cli, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	configPath := config.ResolveConfigPath(env, cli, logger)

	finalLogger := buildLogger(resolved)
	cc := &CLIContext{Cfg: resolved, ConfigPath: configPath, Logger: finalLogger, Flags: &flags}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger from the config's logging level and
// the CLI flags, which always win over the config file.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "quiet":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelInfo
	}

	if flags.Debug {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	out := os.Stderr

	if cfg != nil && cfg.Logging.File != "" {
		if f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// timeNowFunc is the clock used by every subsystem; a single var so
// tests elsewhere in this module could override it, though the CLI
// itself always uses wall-clock time.
var timeNowFunc = time.Now

// parseDuration parses a Go duration string, used for the handful of
// config fields that hold them (heartbeat_interval, debounce_delay, ...).
func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
