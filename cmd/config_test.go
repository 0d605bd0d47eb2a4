package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func withConfigPath(t *testing.T, dir string) {
	t.Helper()
	prev := configPath
	configPath = dir
	t.Cleanup(func() { configPath = prev })
}

func captureCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	return cmd, &out
}

func TestConfigValidate(t *testing.T) {
	dir := writeConfig(t, `
server:
  host: localhost
  port: 3050
upstreams:
  github:
    url: https://mcp.example.com/mcp
    tags: [code]
  local:
    command: my-mcp-server
    args: [--verbose]
presets:
  production:
    expression: prod and not legacy
`)
	withConfigPath(t, dir)

	cmd, out := captureCmd()
	require.NoError(t, runConfigValidate(cmd, nil))
	assert.Contains(t, out.String(), "Configuration valid")
	assert.Contains(t, out.String(), "2 upstreams")
	assert.Contains(t, out.String(), "1 presets")
}

func TestConfigValidateRejectsBadUpstream(t *testing.T) {
	dir := writeConfig(t, `
upstreams:
  broken:
    command: my-server
    url: https://also-a-url.example.com
`)
	withConfigPath(t, dir)

	cmd, _ := captureCmd()
	err := runConfigValidate(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestConfigShow(t *testing.T) {
	dir := writeConfig(t, `
upstreams:
  github:
    url: https://mcp.example.com/mcp
    tags: [code, vcs]
  local:
    command: my-mcp-server
    disabled: true
`)
	withConfigPath(t, dir)

	cmd, out := captureCmd()
	require.NoError(t, runConfigShow(cmd, nil))
	rendered := out.String()
	assert.Contains(t, rendered, "github")
	assert.Contains(t, rendered, "code, vcs")
	assert.Contains(t, rendered, "my-mcp-server")
	assert.Contains(t, rendered, "stdio")
}
