package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unimcp/unimcp/internal/config"
	"github.com/unimcp/unimcp/internal/mcperr"
	"github.com/unimcp/unimcp/pkg/logging"
)

const (
	// maxConnectAttempts bounds the connect retry loop per createOne call.
	maxConnectAttempts = 3

	// defaultRetryDelay is the first backoff step; it doubles per attempt.
	defaultRetryDelay = time.Second
)

// connection is one live upstream client plus the handshake results the
// aggregation layers consume.
type connection struct {
	client       *mcpclient.Client
	serverInfo   mcp.Implementation
	capabilities mcp.ServerCapabilities
	instructions string

	// exited is closed when a stdio child's stderr drains, i.e. when the
	// subprocess has exited. Nil for remote transports and when the
	// transport exposes no stderr.
	exited chan struct{}

	// closing distinguishes a deliberate close from a child that died on
	// its own; the restart supervisor checks it before reconnecting.
	closing atomic.Bool
}

func (c *connection) close() error {
	if c == nil {
		return nil
	}
	c.closing.Store(true)
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// oauthPendingError carries the parked authorization flow out of a connect
// attempt. The exchange closure completes the flow with the authorization
// code and leaves the obtained token in the upstream's token store.
type oauthPendingError struct {
	authURL  string
	exchange func(ctx context.Context, code string) error
}

func (e *oauthPendingError) Error() string {
	return "authorization required, visit " + e.authURL
}

// dialer owns client construction and the connect-with-retry loop. It is
// deliberately free of manager state so it can be exercised directly.
type dialer struct {
	selfName    string
	selfVersion string
	retryDelay  time.Duration
	tokens      *tokenStores

	// attemptFn is swapped by tests; production uses (*dialer).attempt.
	attemptFn func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error)
}

func newDialer(selfName, selfVersion, tokenDir string) *dialer {
	d := &dialer{
		selfName:    selfName,
		selfVersion: selfVersion,
		retryDelay:  defaultRetryDelay,
		tokens:      newTokenStores(tokenDir),
	}
	d.attemptFn = d.attempt
	return d
}

// dial runs up to maxConnectAttempts connection attempts with exponential
// backoff. OAuth demands and circular-dependency detections abort the loop
// immediately; only ordinary connect failures are retried.
func (d *dialer) dial(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
	var lastErr error

	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := d.retryDelay << (attempt - 1)
			logging.Debug("UpstreamManager", "Retrying %s in %s (attempt %d/%d)",
				cfg.Name, delay, attempt+1, maxConnectAttempts)
			select {
			case <-ctx.Done():
				return nil, mcperr.Wrap(mcperr.KindCancelled, "connect cancelled", ctx.Err()).WithServer(cfg.Name)
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, mcperr.Wrap(mcperr.KindCancelled, "connect cancelled", err).WithServer(cfg.Name)
		}

		conn, err := d.attemptFn(ctx, cfg)
		if err == nil {
			return conn, nil
		}
		if mcperr.IsKind(err, mcperr.KindOAuthRequired) || mcperr.IsKind(err, mcperr.KindCircularDependency) {
			return nil, err
		}

		lastErr = err
		logging.Warn("UpstreamManager", "Connection attempt %d/%d to %s failed: %v",
			attempt+1, maxConnectAttempts, cfg.Name, err)
	}

	return nil, mcperr.Wrap(mcperr.KindConnectionFailed,
		fmt.Sprintf("all %d connection attempts failed", maxConnectAttempts), lastErr).WithServer(cfg.Name)
}

// attempt makes a single connection attempt with a fresh client. A failed
// client is always closed before returning; the stdio subprocess in
// particular must not be leaked across retries.
func (d *dialer) attempt(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
	cli, err := d.newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", cfg.Name, err)
	}

	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("starting transport for %s: %w", cfg.Name, err)
	}

	var exited chan struct{}
	if cfg.Transport() == config.TransportStdio {
		exited = d.forwardStderr(cfg.Name, cli)
	}

	connectCtx := ctx
	if timeout := cfg.ConnectionTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    d.selfName,
		Version: d.selfVersion,
	}

	result, err := cli.Initialize(connectCtx, initReq)
	if err != nil {
		if mcpclient.IsOAuthAuthorizationRequiredError(err) {
			pending, oauthErr := d.beginOAuth(ctx, cfg, err)
			_ = cli.Close()
			if oauthErr != nil {
				return nil, fmt.Errorf("starting authorization for %s: %w", cfg.Name, oauthErr)
			}
			return nil, mcperr.Wrap(mcperr.KindOAuthRequired, "authorization required", pending).WithServer(cfg.Name)
		}
		_ = cli.Close()
		return nil, fmt.Errorf("initializing MCP session with %s: %w", cfg.Name, err)
	}

	if result.ServerInfo.Name == d.selfName {
		_ = cli.Close()
		return nil, mcperr.Newf(mcperr.KindCircularDependency,
			"upstream %q identified itself as %q; it loops back to this proxy", cfg.Name, d.selfName).WithServer(cfg.Name)
	}

	logging.Info("UpstreamManager", "Connected to %s (%s %s)",
		cfg.Name, result.ServerInfo.Name, result.ServerInfo.Version)

	return &connection{
		client:       cli,
		serverInfo:   result.ServerInfo,
		capabilities: result.Capabilities,
		instructions: result.Instructions,
		exited:       exited,
	}, nil
}

// newClient builds a fresh client for the configured transport. HTTP and SSE
// clients are cheap to recreate per attempt; stdio clients spawn their
// subprocess on Start.
func (d *dialer) newClient(cfg *config.UpstreamConfig) (*mcpclient.Client, error) {
	switch cfg.Transport() {
	case config.TransportStdio:
		env := buildEnv(cfg)
		if cfg.Cwd != "" {
			cwd := cfg.Cwd
			t := transport.NewStdioWithOptions(cfg.Command, env, cfg.Args,
				transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
					cmd := exec.CommandContext(ctx, command, args...)
					cmd.Env = env
					cmd.Dir = cwd
					return cmd, nil
				}))
			return mcpclient.NewClient(t), nil
		}
		return mcpclient.NewClient(transport.NewStdio(cfg.Command, env, cfg.Args...)), nil

	case config.TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		if cfg.OAuth != nil && cfg.OAuth.Enabled {
			opts = append(opts, transport.WithOAuth(transport.OAuthConfig{
				ClientID:    cfg.OAuth.ClientID,
				RedirectURI: cfg.OAuth.RedirectURI,
				Scopes:      cfg.OAuth.Scopes,
				TokenStore:  d.tokens.forServer(cfg.Name),
				PKCEEnabled: true,
			}))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case config.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		if cfg.OAuth != nil && cfg.OAuth.Enabled {
			opts = append(opts, transport.WithHTTPOAuth(transport.OAuthConfig{
				ClientID:    cfg.OAuth.ClientID,
				RedirectURI: cfg.OAuth.RedirectURI,
				Scopes:      cfg.OAuth.Scopes,
				TokenStore:  d.tokens.forServer(cfg.Name),
				PKCEEnabled: true,
			}))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport())
	}
}

// beginOAuth registers this proxy with the upstream's authorization server
// and produces the URL the operator must visit, plus the exchange closure
// that finishes the flow once the authorization code comes back.
func (d *dialer) beginOAuth(ctx context.Context, cfg *config.UpstreamConfig, initErr error) (*oauthPendingError, error) {
	handler := mcpclient.GetOAuthHandler(initErr)
	if handler == nil {
		return nil, errors.New("upstream demanded authorization but exposed no OAuth handler")
	}

	verifier, err := mcpclient.GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("generating code verifier: %w", err)
	}
	challenge := mcpclient.GenerateCodeChallenge(verifier)
	state, err := mcpclient.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	if err := handler.RegisterClient(ctx, d.selfName); err != nil {
		return nil, fmt.Errorf("registering OAuth client: %w", err)
	}
	authURL, err := handler.GetAuthorizationURL(ctx, state, challenge)
	if err != nil {
		return nil, fmt.Errorf("building authorization URL: %w", err)
	}

	logging.Warn("UpstreamManager", "Upstream %s requires authorization: %s", cfg.Name, authURL)

	return &oauthPendingError{
		authURL: authURL,
		exchange: func(ctx context.Context, code string) error {
			return handler.ProcessAuthorizationResponse(ctx, code, state, verifier)
		},
	}, nil
}

// forwardStderr drains the subprocess stderr into the proxy log so upstream
// diagnostics are not lost. The returned channel closes when stderr hits
// EOF, which happens exactly once the child has exited; the restart
// supervisor waits on it. Nil when the transport exposes no stderr.
func (d *dialer) forwardStderr(name string, cli *mcpclient.Client) chan struct{} {
	stderr, ok := mcpclient.GetStderr(cli)
	if !ok || stderr == nil {
		return nil
	}
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debug("UpstreamManager", "[%s stderr] %s", name, scanner.Text())
		}
	}()
	return exited
}
