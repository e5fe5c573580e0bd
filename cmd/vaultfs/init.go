package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/config"
)

// newInitCmd generates a peer identity and writes a fresh config file.
// It skips the normal config resolution since the file being created is
// the thing PersistentPreRunE would otherwise try to load.
func newInitCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a peer identity and write a config file",
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = config.DefaultConfigPath()
			}

			peerID := uuid.NewString()

			if err := config.CreateConfig(path, peerID); err != nil {
				return fmt.Errorf("creating config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized vaultfs node %s\nconfig written to %s\n", peerID, path)

			return nil
		},
	}

	cmd.Flags().StringVar(&path, "config", "", "path to write the config file (default: platform config dir)")

	return cmd
}
