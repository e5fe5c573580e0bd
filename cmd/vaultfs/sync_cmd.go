package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/conflict"
	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/scheduler"
	"github.com/vaultfs/vaultfs/internal/syncexec"
	"github.com/vaultfs/vaultfs/internal/syncstate"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drive the sync engine against the configured remote peer",
	}

	cmd.AddCommand(newSyncRunCmd())
	cmd.AddCommand(newSyncStatusCmd())
	cmd.AddCommand(newSyncConflictsCmd())
	cmd.AddCommand(newSyncResolveCmd())
	cmd.AddCommand(newSyncPushCmd())
	cmd.AddCommand(newSyncPullCmd())

	return cmd
}

func newSyncRunCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one push sync cycle against the remote peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			tr, err := rt.newTransport()
			if err != nil {
				return err
			}

			if tr == nil {
				return fmt.Errorf("no peer.remote_url configured, outbound sync is disabled")
			}

			exec := rt.newExecutor(tr)

			if err := tr.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to peer: %w", err)
			}

			defer tr.Disconnect(ctx)

			if !watch {
				if err := exec.Run(ctx); err != nil {
					return fmt.Errorf("sync run: %w", err)
				}

				cc.Statusf("sync run complete\n")

				return nil
			}

			sched, err := newScheduler(cc, exec)
			if err != nil {
				return err
			}

			sub := rt.kernel.Bus().Subscribe(eventbus.EventType("node.*"), func(eventbus.Event) {
				sched.Trigger()
			})
			defer rt.kernel.Bus().Unsubscribe(sub)

			ctx = shutdownContext(ctx, cc.Logger)

			cc.Statusf("watching for local changes, syncing with %s\n", rt.cfg.Peer.RemoteURL)

			sched.Run(ctx)

			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "stay running and sync whenever a local change is debounced")

	return cmd
}

// newScheduler builds a scheduler.Scheduler from the resolved thresholds,
// falling back to the library's zero-value behavior (fire on every
// debounce window) for any threshold left blank.
func newScheduler(cc *CLIContext, exec *syncexec.Executor) (*scheduler.Scheduler, error) {
	cfg := scheduler.Config{MaxPendingCount: cc.Cfg.Scheduler.MaxPendingCount}

	if cc.Cfg.Scheduler.DebounceDelay != "" {
		d, err := parseDuration(cc.Cfg.Scheduler.DebounceDelay)
		if err != nil {
			return nil, fmt.Errorf("parsing scheduler.debounce_delay: %w", err)
		}

		cfg.DebounceDelay = d
	}

	if cc.Cfg.Scheduler.MaxWaitTime != "" {
		d, err := parseDuration(cc.Cfg.Scheduler.MaxWaitTime)
		if err != nil {
			return nil, fmt.Errorf("parsing scheduler.max_wait_time: %w", err)
		}

		cfg.MaxWaitTime = d
	}

	if cc.Cfg.Scheduler.MinSyncInterval != "" {
		d, err := parseDuration(cc.Cfg.Scheduler.MinSyncInterval)
		if err != nil {
			return nil, fmt.Errorf("parsing scheduler.min_sync_interval: %w", err)
		}

		cfg.MinSyncInterval = d
	}

	return scheduler.New(cc.Logger, cfg, func(ctx context.Context) error {
		return exec.Run(ctx)
	}), nil
}

func newSyncPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push pending local changes to the remote peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			tr, err := rt.newTransport()
			if err != nil {
				return err
			}

			if tr == nil {
				return fmt.Errorf("no peer.remote_url configured, outbound sync is disabled")
			}

			exec := rt.newExecutor(tr)

			if err := tr.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to peer: %w", err)
			}

			defer tr.Disconnect(ctx)

			if err := exec.Push(ctx); err != nil {
				return fmt.Errorf("sync push: %w", err)
			}

			cc.Statusf("push complete\n")

			return nil
		},
	}
}

// newSyncPullCmd connects to the peer and waits for inbound packets to
// arrive. The executor wires ApplyPacket as the transport's onPacket
// callback at construction time (spec ยง4.p "receive path"), so once
// connected, anything the peer pushes is applied automatically; there is
// no separate pull-manifest request in the wire protocol (spec ยง4.q), so
// this command's only job is to stay connected for the given duration.
func newSyncPullCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Connect to the remote peer and apply whatever it pushes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			tr, err := rt.newTransport()
			if err != nil {
				return err
			}

			if tr == nil {
				return fmt.Errorf("no peer.remote_url configured, outbound sync is disabled")
			}

			_ = rt.newExecutor(tr)

			if err := tr.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to peer: %w", err)
			}

			defer tr.Disconnect(ctx)

			cc.Statusf("connected, waiting %s for inbound packets\n", wait)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}

			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to stay connected waiting for inbound packets")

	return cmd
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the executor's current sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			tr, err := rt.newTransport()
			if err != nil {
				return err
			}

			exec := rt.newExecutor(tr)

			pending, err := rt.journal.PendingLogs(ctx, 1<<20)
			if err != nil {
				return err
			}

			peerState, err := rt.state.LoadPeerState(ctx, rt.cfg.Peer.ID)
			if err != nil && !vaulterr.IsNotFound(err) {
				return err
			}

			if cc.Flags.JSON {
				out := map[string]any{
					"state":          string(exec.State()),
					"pendingChanges": len(pending),
					"connected":      tr != nil && tr.IsConnected(),
				}

				if peerState != nil {
					out["lastConnectionState"] = peerState.Data
				}

				return printJSON(cmd, out)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "State:           %s\n", exec.State())
			fmt.Fprintf(w, "Pending changes: %d\n", len(pending))

			if tr != nil {
				fmt.Fprintf(w, "Connected:       %v\n", tr.IsConnected())
			} else {
				fmt.Fprintf(w, "Connected:       (no remote_url configured)\n")
			}

			if peerState != nil && peerState.Data[syncstate.PeerStateKeyStatus] == syncstate.PeerStatusError {
				fmt.Fprintf(w, "Last error:      %v (retryable=%v)\n",
					peerState.Data[syncstate.PeerStateKeyError], peerState.Data[syncstate.PeerStateKeyRetryable])
			}

			return nil
		},
	}
}

func newSyncConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			records, err := rt.conflicts.PendingConflicts(ctx)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cmd, records)
			}

			if len(records) == 0 {
				cc.Statusf("no unresolved conflicts\n")

				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{r.ConflictID, r.NodeID, formatTime(r.CreatedAt)})
			}

			printTable(cmd.OutOrStdout(), []string{"CONFLICT ID", "NODE ID", "CREATED"}, rows)

			return nil
		},
	}
}

func newSyncResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <local|remote|merged>",
		Short: "Manually resolve a pending conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			side := conflict.Side(args[1])

			switch side {
			case conflict.SideLocal, conflict.SideRemote, conflict.SideMerged:
			default:
				return fmt.Errorf("invalid side %q, want local, remote, or merged", args[1])
			}

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.conflicts.ResolveManually(ctx, args[0], side); err != nil {
				return err
			}

			cc.Statusf("resolved conflict %s as %s\n", args[0], side)

			return nil
		},
	}
}
