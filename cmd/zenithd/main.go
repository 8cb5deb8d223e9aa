// zenithd is the event data-plane daemon. It loads a YAML or JSON
// configuration, wires channels, routes, plugins, and the optional
// SQLite event store into an engine, and runs until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set by the release build via -ldflags.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zenithd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zenithd",
		Short: "Zenith event data plane daemon",
		Long:  "zenithd ingests events through a lock-free ring buffer, runs them through a stage pipeline with sandboxed WASM plugins, and fans them out to routed channels.",
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the zenithd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "zenithd", version)
		},
	}
}
