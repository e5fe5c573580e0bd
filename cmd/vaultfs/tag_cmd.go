package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage tags on nodes",
	}

	cmd.AddCommand(newTagAddCmd())
	cmd.AddCommand(newTagRemoveCmd())
	cmd.AddCommand(newTagListCmd())
	cmd.AddCommand(newTagRenameCmd())

	return cmd
}

func newTagAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <path> <tag>",
		Short: "Attach a tag to a node",
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

			if err := rt.tags.AddTagToNode(ctx, n.NodeID, args[1]); err != nil {
				return err
			}

			cc.Statusf("tagged %s with %s\n", args[0], args[1])

			return nil
		},
	}
}

func newTagRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path> <tag>",
		Short: "Detach a tag from a node",
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

			if err := rt.tags.RemoveTagFromNode(ctx, n.NodeID, args[1]); err != nil {
				return err
			}

			cc.Statusf("removed tag %s from %s\n", args[1], args[0])

			return nil
		},
	}
}

func newTagListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <path>",
		Short: "List a node's tags",
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

			names, err := rt.tags.NodeTags(ctx, n.NodeID)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cmd, names)
			}

			w := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintln(w, name)
			}

			return nil
		},
	}
}

func newTagRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a tag everywhere it is used",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.tags.RenameTag(ctx, args[0], args[1]); err != nil {
				return err
			}

			cc.Statusf("renamed tag %s to %s\n", args[0], args[1])

			return nil
		},
	}
}
