// Command pipelined runs the generation-and-analysis pipeline orchestrator:
// the background poll loop, the HTTP control surface, and operator
// maintenance subcommands, all layered on the same configuration and store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0-dev"
	configFile string
)

func main() {
	root := &cobra.Command{
		Use:     "pipelined",
		Short:   "Generation-and-analysis pipeline orchestrator",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(cancelCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
