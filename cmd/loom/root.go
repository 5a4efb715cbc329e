package main

import (
	"fmt"

	"loom/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Durable execution node for WASM workers",
		Long:          "loom runs an executor node: it journals every durable host call a\nworker makes and reconstructs worker state by deterministic replay.",
		Version:       fmt.Sprintf("loom %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newOplogCmd(),
		newStatusCmd(),
	)

	return cmd
}
