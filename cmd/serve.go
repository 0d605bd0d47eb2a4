package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unimcp/unimcp/internal/app"
)

var (
	serveConfigPath string
	serveTransport  string
	serveDebug      bool
)

// serveCmd starts the proxy: it connects the configured upstreams and
// serves the aggregated MCP endpoint until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aggregating MCP proxy",
	Long: `Connects to every configured upstream MCP server and serves their
aggregated tools, resources, and prompts on the configured downstream
transport (streamable HTTP by default, SSE or stdio via --transport).

Configuration is read from config.yaml in the configuration directory
(~/.config/unimcp by default) and reloaded on change: tag-only edits
refresh metadata without reconnecting, enabling or disabling an upstream
starts or stops it, anything else reconnects it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.New(app.Options{
		ConfigPath: serveConfigPath,
		Transport:  serveTransport,
		Debug:      serveDebug,
		Version:    rootCmd.Version,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default ~/.config/unimcp)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Downstream transport: http, sse, or stdio (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
