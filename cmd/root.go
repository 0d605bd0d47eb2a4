package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the unimcp binary.
var rootCmd = &cobra.Command{
	Use:   "unimcp",
	Short: "Aggregate many MCP servers behind one endpoint",
	Long: `unimcp is an aggregating MCP proxy: it connects to the configured
upstream MCP servers (stdio, SSE, or streamable HTTP) and exposes their
tools, resources, and prompts through a single MCP endpoint. Sessions can
filter the visible upstreams by tag.`,
	SilenceUsage: true,
}

// SetVersion injects the build version from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "unimcp version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
