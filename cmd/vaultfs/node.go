package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/kernel"
)

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Operate on nodes in the virtual filesystem",
	}

	cmd.AddCommand(newNodeLsCmd())
	cmd.AddCommand(newNodeCatCmd())
	cmd.AddCommand(newNodeWriteCmd())
	cmd.AddCommand(newNodeMvCmd())
	cmd.AddCommand(newNodeCpCmd())
	cmd.AddCommand(newNodeRmCmd())
	cmd.AddCommand(newNodeStatCmd())

	return cmd
}

func newNodeLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "List a directory's children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.kernel.GetNodeByPath(ctx, args[0])
			if err != nil {
				return err
			}

			children, err := rt.kernel.Readdir(ctx, n.NodeID)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cmd, children)
			}

			rows := make([][]string, 0, len(children))
			for _, c := range children {
				rows = append(rows, []string{string(c.Type), formatSize(c.Size), formatTime(c.ModifiedAt), c.Name})
			}

			printTable(cmd.OutOrStdout(), []string{"TYPE", "SIZE", "MODIFIED", "NAME"}, rows)

			return nil
		},
	}
}

func newNodeCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.kernel.GetNodeByPath(ctx, args[0])
			if err != nil {
				return err
			}

			content, err := rt.kernel.Read(ctx, n.NodeID)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(content)

			return err
		},
	}
}

func newNodeWriteCmd() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "write <path>",
		Short: "Create or overwrite a file from stdin or --from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			var content []byte
			var err error

			if fromFile != "" {
				content, err = os.ReadFile(fromFile)
			} else {
				content, err = readAllStdin(cmd)
			}

			if err != nil {
				return fmt.Errorf("reading content: %w", err)
			}

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			exists, err := rt.kernel.Exists(ctx, args[0])
			if err != nil {
				return err
			}

			var n *kernel.VNode

			if exists {
				existing, getErr := rt.kernel.GetNodeByPath(ctx, args[0])
				if getErr != nil {
					return getErr
				}

				n, err = rt.kernel.Write(ctx, existing.NodeID, content)
			} else {
				n, err = rt.kernel.CreateNode(ctx, args[0], kernel.TypeFile, content, nil)
			}

			if err != nil {
				return err
			}

			cc.Statusf("wrote %s (%s)\n", n.Path, formatSize(n.Size))

			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "from", "", "read content from this local file instead of stdin")

	return cmd
}

func newNodeMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <path> <dest>",
		Short: "Move or rename a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.kernel.GetNodeByPath(ctx, args[0])
			if err != nil {
				return err
			}

			moved, err := rt.kernel.Move(ctx, n.NodeID, args[1])
			if err != nil {
				return err
			}

			cc.Statusf("moved to %s\n", moved.Path)

			return nil
		},
	}
}

func newNodeCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <path> <dest>",
		Short: "Copy a node and its subtree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.kernel.GetNodeByPath(ctx, args[0])
			if err != nil {
				return err
			}

			copied, err := rt.kernel.Copy(ctx, n.NodeID, args[1])
			if err != nil {
				return err
			}

			cc.Statusf("copied to %s\n", copied.Path)

			return nil
		},
	}
}

func newNodeRmCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a node, or a directory and its subtree with --recursive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.kernel.GetNodeByPath(ctx, args[0])
			if err != nil {
				return err
			}

			removed, err := rt.kernel.Unlink(ctx, n.NodeID, recursive)
			if err != nil {
				return err
			}

			cc.Statusf("removed %s (%d node(s))\n", args[0], len(removed))

			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove a non-empty directory and its descendants")

	return cmd
}

func newNodeStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show a node's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.kernel.GetNodeByPath(ctx, args[0])
			if err != nil {
				return err
			}

			tags, err := rt.tagsOf(ctx, n.NodeID)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cmd, map[string]any{
					"nodeId":     n.NodeID,
					"path":       n.Path,
					"type":       n.Type,
					"size":       n.Size,
					"createdAt":  n.CreatedAt,
					"modifiedAt": n.ModifiedAt,
					"metadata":   n.Metadata,
					"tags":       tags,
				})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Path:     %s\n", n.Path)
			fmt.Fprintf(w, "NodeID:   %s\n", n.NodeID)
			fmt.Fprintf(w, "Type:     %s\n", n.Type)
			fmt.Fprintf(w, "Size:     %s\n", formatSize(n.Size))
			fmt.Fprintf(w, "Created:  %s\n", formatTime(n.CreatedAt))
			fmt.Fprintf(w, "Modified: %s\n", formatTime(n.ModifiedAt))

			if len(tags) > 0 {
				fmt.Fprintf(w, "Tags:     %v\n", tags)
			}

			return nil
		},
	}
}
