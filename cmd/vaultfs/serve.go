package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/transport"
)

// newServeCmd starts listening for an inbound peer connection and
// applies whatever it pushes, using the kernel/sync stack wired up the
// same way the outbound sync commands do. A single vaultfs data
// directory only ever runs one serve process at a time, enforced by a
// PID file (spec §4.q names the transport as symmetric once connected;
// this is the accept side of that).
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Listen for an inbound peer connection and apply synced changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			if cc.Cfg.Peer.ListenAddr == "" {
				return fmt.Errorf("peer.listen_addr is not configured")
			}

			dataDir := cc.Cfg.Storage.DataDir
			if dataDir == "" {
				dataDir = config.DefaultDataDir()
			}

			cleanup, err := writePIDFile(dataDir + "/vaultfs.pid")
			if err != nil {
				return err
			}
			defer cleanup()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			tr := transport.New(cc.Logger, transport.Config{}, nil, nil)
			_ = rt.newExecutor(tr)

			ctx = shutdownContext(ctx, cc.Logger)

			cc.Statusf("listening on %s\n", cc.Cfg.Peer.ListenAddr)

			if err := tr.Serve(ctx, cc.Cfg.Peer.ListenAddr); err != nil && ctx.Err() == nil {
				return fmt.Errorf("serve: %w", err)
			}

			return nil
		},
	}
}
