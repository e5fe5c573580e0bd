package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins registered on this node",
	}

	cmd.AddCommand(newPluginListCmd())
	cmd.AddCommand(newPluginInstallCmd())
	cmd.AddCommand(newPluginEnableCmd())
	cmd.AddCommand(newPluginDisableCmd())

	return cmd
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered plugins and their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			ids := rt.plugins.IDs()

			if len(ids) == 0 {
				cc.Statusf("no plugins registered\n")

				return nil
			}

			type row struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Version string `json:"version"`
				Status  string `json:"status"`
			}

			var rows []row

			for _, id := range ids {
				meta, err := rt.plugins.Metadata(id)
				if err != nil {
					return err
				}

				status, err := rt.plugins.Status(id)
				if err != nil {
					return err
				}

				rows = append(rows, row{ID: meta.ID, Name: meta.Name, Version: meta.Version, Status: string(status)})
			}

			if cc.Flags.JSON {
				return printJSON(cmd, rows)
			}

			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{r.ID, r.Name, r.Version, r.Status})
			}

			printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "VERSION", "STATUS"}, table)

			return nil
		},
	}
}

// newPluginInstallCmd runs Install on every registered plugin. vaultfs
// has no dynamic plugin loader (spec ยง4.g covers lifecycle ordering, not
// discovery): plugins are registered in-process at startup, so this
// command's only job today is to run the install step for whatever is
// already wired into the binary.
func newPluginInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Run the install step for every registered plugin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if len(rt.plugins.IDs()) == 0 {
				cc.Statusf("no plugins registered, nothing to install\n")

				return nil
			}

			if err := rt.plugins.InstallAll(ctx); err != nil {
				return fmt.Errorf("installing plugins: %w", err)
			}

			cc.Statusf("install complete\n")

			return nil
		},
	}
}

func newPluginEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Activate a registered plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.plugins.Activate(ctx, args[0]); err != nil {
				return err
			}

			cc.Statusf("activated plugin %s\n", args[0])

			return nil
		},
	}
}

func newPluginDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Deactivate an active plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.plugins.Deactivate(ctx, args[0]); err != nil {
				return err
			}

			cc.Statusf("deactivated plugin %s\n", args[0])

			return nil
		},
	}
}
