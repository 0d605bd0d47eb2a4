package config

import (
	"fmt"
	"time"
)

// TransportType identifies how an upstream MCP server is reached.
type TransportType string

const (
	// TransportStdio runs the upstream as a child process and speaks MCP
	// over its stdin/stdout.
	TransportStdio TransportType = "stdio"

	// TransportStreamableHTTP reaches the upstream over the streamable
	// HTTP transport.
	TransportStreamableHTTP TransportType = "http"

	// TransportSSE reaches the upstream over Server-Sent-Events.
	TransportSSE TransportType = "sse"
)

// OAuthConfig enables the OAuth client flow for HTTP and SSE upstreams.
type OAuthConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ClientID    string   `yaml:"clientId,omitempty"`
	RedirectURI string   `yaml:"redirectUri,omitempty"`
	Scopes      []string `yaml:"scopes,omitempty"`
}

// UpstreamConfig describes one upstream MCP server. Exactly one transport
// selector must be set: Command for stdio, URL plus Type for http/sse.
type UpstreamConfig struct {
	Name string `yaml:"-"`

	// Stdio transport.
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Cwd              string            `yaml:"cwd,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	InheritParentEnv bool              `yaml:"inheritParentEnv,omitempty"`
	EnvFilter        []string          `yaml:"envFilter,omitempty"`
	// RestartOnExit reconnects the child when it exits on its own.
	// MaxRestarts caps the reconnects (0 means unlimited); RestartDelayMs
	// is the pause between exit and restart, 1s when unset.
	RestartOnExit  bool  `yaml:"restartOnExit,omitempty"`
	MaxRestarts    int   `yaml:"maxRestarts,omitempty"`
	RestartDelayMs int64 `yaml:"restartDelay,omitempty"`

	// Remote transports.
	Type    TransportType     `yaml:"type,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	OAuth   *OAuthConfig      `yaml:"oauth,omitempty"`

	Tags []string `yaml:"tags,omitempty"`

	// Timeouts in milliseconds. Connection and request timeouts fall back
	// to Timeout when unset.
	TimeoutMs           int64 `yaml:"timeout,omitempty"`
	ConnectionTimeoutMs int64 `yaml:"connectionTimeout,omitempty"`
	RequestTimeoutMs    int64 `yaml:"requestTimeout,omitempty"`

	Disabled bool `yaml:"disabled,omitempty"`
}

// Transport resolves the effective transport type for this upstream.
func (u *UpstreamConfig) Transport() TransportType {
	if u.Command != "" {
		return TransportStdio
	}
	if u.Type != "" {
		return u.Type
	}
	return TransportStreamableHTTP
}

// ConnectionTimeout resolves the effective connect deadline. Zero means no
// timeout is applied at this layer.
func (u *UpstreamConfig) ConnectionTimeout() time.Duration {
	if u.ConnectionTimeoutMs > 0 {
		return time.Duration(u.ConnectionTimeoutMs) * time.Millisecond
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// RequestTimeout resolves the effective per-request deadline. Zero means no
// timeout is applied at this layer.
func (u *UpstreamConfig) RequestTimeout() time.Duration {
	if u.RequestTimeoutMs > 0 {
		return time.Duration(u.RequestTimeoutMs) * time.Millisecond
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// RestartDelay resolves the pause before an exited stdio child is
// restarted.
func (u *UpstreamConfig) RestartDelay() time.Duration {
	if u.RestartDelayMs > 0 {
		return time.Duration(u.RestartDelayMs) * time.Millisecond
	}
	return time.Second
}

// Validate checks a single upstream definition.
func (u *UpstreamConfig) Validate() error {
	hasCommand := u.Command != ""
	hasURL := u.URL != ""

	switch {
	case hasCommand && hasURL:
		return fmt.Errorf("upstream %q: command and url are mutually exclusive", u.Name)
	case !hasCommand && !hasURL:
		return fmt.Errorf("upstream %q: one of command or url is required", u.Name)
	}

	if hasCommand && u.Type != "" && u.Type != TransportStdio {
		return fmt.Errorf("upstream %q: type %q conflicts with command", u.Name, u.Type)
	}
	if hasURL {
		switch u.Transport() {
		case TransportStreamableHTTP, TransportSSE:
		default:
			return fmt.Errorf("upstream %q: unsupported transport type %q", u.Name, u.Type)
		}
	}
	if u.OAuth != nil && u.OAuth.Enabled && !hasURL {
		return fmt.Errorf("upstream %q: oauth requires an http or sse transport", u.Name)
	}
	return nil
}

// ServerConfig configures the inbound side of the proxy.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Transport selects the downstream transport: "http" (streamable HTTP,
	// the default), "sse", or "stdio".
	Transport string `yaml:"transport,omitempty"`

	// ExternalURL is the public endpoint of this proxy, used by the
	// circular-dependency guard and OAuth redirect construction.
	ExternalURL string `yaml:"externalUrl,omitempty"`

	// TrustClientSessionIds allows a streamable-HTTP session to be created
	// from an incoming Mcp-Session-Id that nothing persisted. Enables
	// proxy-behind-proxy front-ends at the cost of session authenticity.
	TrustClientSessionIds bool `yaml:"trustClientSessionIds"`

	// SessionDir enables the file-backed session repository when set.
	SessionDir string `yaml:"sessionDir,omitempty"`

	// ToolPattern formats public tool names. The placeholders {server} and
	// {tool} are substituted; the default is "{server}_1mcp_{tool}".
	ToolPattern string `yaml:"toolPattern,omitempty"`

	// Instructions is an optional template applied to the collected
	// upstream instruction blobs.
	InstructionsTemplate string `yaml:"instructionsTemplate,omitempty"`
}

// SchemaCacheConfig bounds the tool schema cache.
type SchemaCacheConfig struct {
	MaxEntries int   `yaml:"maxEntries"`
	TTLMs      int64 `yaml:"ttl"`
}

// TTL resolves the cache entry lifetime.
func (s SchemaCacheConfig) TTL() time.Duration {
	return time.Duration(s.TTLMs) * time.Millisecond
}

// PresetConfig is a named filter sessions can reference by name. Either an
// expression or a tag list, not both.
type PresetConfig struct {
	Tags       []string `yaml:"tags,omitempty"`
	Mode       string   `yaml:"mode,omitempty"`
	Expression string   `yaml:"expression,omitempty"`
}

// Validate checks a single preset definition.
func (p *PresetConfig) Validate(name string) error {
	if p.Expression != "" && len(p.Tags) > 0 {
		return fmt.Errorf("preset %q: expression and tags are mutually exclusive", name)
	}
	if p.Expression == "" && len(p.Tags) == 0 {
		return fmt.Errorf("preset %q: one of expression or tags is required", name)
	}
	return nil
}

// Config is the root configuration object.
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Upstreams   map[string]*UpstreamConfig `yaml:"upstreams"`
	Presets     map[string]PresetConfig    `yaml:"presets,omitempty"`
	SchemaCache SchemaCacheConfig          `yaml:"schemaCache"`
	LogLevel    string                     `yaml:"logLevel,omitempty"`
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.Transport {
	case "", "http", "sse", "stdio":
	default:
		return fmt.Errorf("server.transport %q unsupported", c.Server.Transport)
	}
	for name, u := range c.Upstreams {
		if name == "" {
			return fmt.Errorf("upstream with empty name")
		}
		if err := u.Validate(); err != nil {
			return err
		}
	}
	for name, p := range c.Presets {
		if err := p.Validate(name); err != nil {
			return err
		}
	}
	return nil
}
