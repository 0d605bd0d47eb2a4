package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 3050, cfg.Server.Port)
	assert.True(t, cfg.Server.TrustClientSessionIds)
	assert.Equal(t, "{server}_1mcp_{tool}", cfg.Server.ToolPattern)
	assert.Equal(t, 500, cfg.SchemaCache.MaxEntries)
	assert.Empty(t, cfg.Upstreams)
}

func TestLoadConfigUpstreams(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 4000
upstreams:
  filesystem:
    command: mcp-filesystem
    args: ["--root", "/data"]
    tags: [fs, local]
    timeout: 10000
  github:
    url: https://mcp.github.example/mcp
    headers:
      Authorization: Bearer token
    connectionTimeout: 2000
    requestTimeout: 8000
  search:
    url: https://search.example/sse
    type: sse
    oauth:
      enabled: true
      scopes: [mcp.read]
  legacy:
    command: old-server
    disabled: true
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	require.Len(t, cfg.Upstreams, 4)

	fs := cfg.Upstreams["filesystem"]
	assert.Equal(t, "filesystem", fs.Name)
	assert.Equal(t, TransportStdio, fs.Transport())
	assert.Equal(t, int64(10000), fs.TimeoutMs)
	// connection and request timeouts fall back to timeout
	assert.Equal(t, fs.ConnectionTimeout(), fs.RequestTimeout())

	gh := cfg.Upstreams["github"]
	assert.Equal(t, TransportStreamableHTTP, gh.Transport())
	assert.NotEqual(t, gh.ConnectionTimeout(), gh.RequestTimeout())

	search := cfg.Upstreams["search"]
	assert.Equal(t, TransportSSE, search.Transport())
	require.NotNil(t, search.OAuth)
	assert.True(t, search.OAuth.Enabled)

	assert.True(t, cfg.Upstreams["legacy"].Disabled)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "command and url are exclusive",
			content: `
upstreams:
  bad:
    command: foo
    url: https://example.com/mcp
`,
		},
		{
			name: "transport selector required",
			content: `
upstreams:
  bad:
    tags: [a]
`,
		},
		{
			name: "oauth on stdio",
			content: `
upstreams:
  bad:
    command: foo
    oauth:
      enabled: true
`,
		},
		{
			name: "bad transport type",
			content: `
upstreams:
  bad:
    url: https://example.com/mcp
    type: websocket
`,
		},
		{
			name:    "malformed yaml",
			content: "upstreams: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestTimeoutFallbacks(t *testing.T) {
	u := &UpstreamConfig{TimeoutMs: 5000}
	assert.Equal(t, int64(5000), u.ConnectionTimeout().Milliseconds())
	assert.Equal(t, int64(5000), u.RequestTimeout().Milliseconds())

	u = &UpstreamConfig{TimeoutMs: 5000, ConnectionTimeoutMs: 1000}
	assert.Equal(t, int64(1000), u.ConnectionTimeout().Milliseconds())
	assert.Equal(t, int64(5000), u.RequestTimeout().Milliseconds())

	u = &UpstreamConfig{}
	assert.Zero(t, u.ConnectionTimeout())
	assert.Zero(t, u.RequestTimeout())
}
