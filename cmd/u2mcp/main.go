// Command u2mcp serves a UniVerse/UniData account to MCP clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// globalFlags are shared by every command that touches the backend.
type globalFlags struct {
	configFile string
	backend    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "u2mcp",
		Short: "MCP server for UniVerse and UniData",
		Long: `u2mcp keeps one guarded session to a UniVerse or UniData account and
exposes it to MCP clients as tools: record reads and writes, RetrieVe
queries, TCL commands, transactions and cataloged subroutines.

Settings come from a YAML file overlaid by U2_* environment variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("u2mcp version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	root.PersistentFlags().StringVar(&flags.configFile, "config", os.Getenv("U2_CONFIG_FILE"), "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "backend to dial: u2 or memory (overrides configuration)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newShellCmd(flags))
	root.AddCommand(newPasswordCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "u2mcp %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
