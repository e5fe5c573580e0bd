package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage top-level module subtrees",
	}

	cmd.AddCommand(newModuleListCmd())
	cmd.AddCommand(newModuleCreateCmd())
	cmd.AddCommand(newModuleRemoveCmd())

	return cmd
}

func newModuleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			modules, err := rt.modules.ListModules(ctx)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cmd, modules)
			}

			rows := make([][]string, 0, len(modules))
			for _, m := range modules {
				rows = append(rows, []string{m.Name, fmt.Sprintf("%v", m.SyncEnabled), fmt.Sprintf("%v", m.IsProtected), m.Description})
			}

			printTable(cmd.OutOrStdout(), []string{"NAME", "SYNC", "PROTECTED", "DESCRIPTION"}, rows)

			return nil
		},
	}
}

func newModuleCreateCmd() *cobra.Command {
	var description string
	var syncEnabled bool

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			m, err := rt.modules.CreateModule(ctx, args[0], description, false, syncEnabled)
			if err != nil {
				return err
			}

			cc.Statusf("created module %s (root %s)\n", m.Name, m.RootNodeID)

			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	cmd.Flags().BoolVar(&syncEnabled, "sync", true, "enable sync for this module")

	return cmd
}

func newModuleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a module and its entire subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.modules.RemoveModule(ctx, args[0]); err != nil {
				return err
			}

			cc.Statusf("removed module %s\n", args[0])

			return nil
		},
	}
}
