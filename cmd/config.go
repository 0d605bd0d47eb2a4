package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/unimcp/unimcp/internal/config"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the proxy configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured upstream servers",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func loadCLIConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.GetDefaultConfigPathOrPanic()
	}
	return config.LoadConfig(path)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Transport", "Target", "Tags", "Enabled"})

	for _, name := range sortedUpstreamNames(cfg.Upstreams) {
		u := cfg.Upstreams[name]
		target := u.URL
		if u.Command != "" {
			target = strings.TrimSpace(u.Command + " " + strings.Join(u.Args, " "))
		}
		t.AppendRow(table.Row{
			name,
			string(u.Transport()),
			target,
			strings.Join(u.Tags, ", "),
			!u.Disabled,
		})
	}
	t.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "\nServer: %s:%d (%s transport)\n",
		cfg.Server.Host, cfg.Server.Port, effectiveTransport(cfg.Server.Transport))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d upstreams, %d presets\n",
		len(cfg.Upstreams), len(cfg.Presets))
	return nil
}

func sortedUpstreamNames(upstreams map[string]*config.UpstreamConfig) []string {
	names := make([]string, 0, len(upstreams))
	for name := range upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func effectiveTransport(transport string) string {
	if transport == "" {
		return "http"
	}
	return transport
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/unimcp)")
}
