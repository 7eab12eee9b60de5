// Command rbhd is the policy engine daemon: a cobra CLI exposing
// scan, run-policy, reload, and serve subcommands over the same
// Config/logging/store wiring, following the teacher's cobra-based
// migrations CLI (internal/infrastructure/migrations/cli.go) for
// subcommand structure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rbhd",
		Short: "Policy-driven filesystem entry processor",
		Long:  "rbhd scans a filesystem tree, applies configured policies to matching entries, and dispatches their actions.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(
		newScanCommand(),
		newRunPolicyCommand(),
		newReloadCommand(),
		newServeCommand(),
	)
	return root
}
