// Package server assembles the inbound side of the proxy: one mcp-go
// MCPServer fronted by the configured transport (streamable HTTP, SSE, or
// stdio), with the aggregated upstream tools, resources, and prompts
// registered as forwarding handlers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/unimcp/unimcp/internal/router"
	"github.com/unimcp/unimcp/internal/upstream"
	"github.com/unimcp/unimcp/pkg/logging"
)

const (
	// defaultEndpointPath is the streamable-HTTP endpoint.
	defaultEndpointPath = "/mcp"

	// sseEndpoint accepts the SSE stream; clients post requests to
	// sseMessageEndpoint with their sessionId.
	sseEndpoint        = "/sse"
	sseMessageEndpoint = "/messages"

	shutdownTimeout   = 5 * time.Second
	keepAliveInterval = 30 * time.Second
)

// Config configures the inbound server.
type Config struct {
	Name    string
	Version string

	Host      string
	Port      int
	Transport string // router.TransportHTTP, TransportSSE, or TransportStdio

	// Instructions is the rendered instructions string advertised in the
	// MCP handshake.
	Instructions string
}

// UpstreamView is the connection-manager surface the inbound server needs
// beyond what the dispatcher already uses.
type UpstreamView interface {
	router.Upstreams
	All() []upstream.Snapshot
}

// Server is the downstream-facing MCP server.
type Server struct {
	cfg Config

	mcp       *server.MCPServer
	sessions  *router.Sessions
	dispatch  *router.Dispatcher
	namer     *router.Namer
	upstreams UpstreamView

	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer
	stdioServer      *server.StdioServer

	// Registered item names, for diffing on refresh.
	active struct {
		sync.Mutex
		tools     map[string]struct{}
		prompts   map[string]struct{}
		resources map[string]struct{}
	}

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

// New wires the inbound server. The MCP server is created immediately so
// tools can be registered before any transport starts listening.
func New(cfg Config, sessions *router.Sessions, dispatch *router.Dispatcher, namer *router.Namer, upstreams UpstreamView) *Server {
	if cfg.Transport == "" {
		cfg.Transport = router.TransportHTTP
	}

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		dispatch:  dispatch,
		namer:     namer,
		upstreams: upstreams,
	}
	s.active.tools = make(map[string]struct{})
	s.active.prompts = make(map[string]struct{})
	s.active.resources = make(map[string]struct{})

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(s.onRegisterSession)
	hooks.AddOnUnregisterSession(s.onUnregisterSession)
	hooks.AddAfterInitialize(s.afterInitialize)

	s.mcp = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithInstructions(cfg.Instructions),
		server.WithToolFilter(s.filterTools),
		server.WithHooks(hooks),
		server.WithRecovery(),
	)

	s.registerMetaTools()
	return s
}

// Start launches the configured transport. It does not block; Stop shuts
// everything down.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("server already started")
	}
	s.ctx, s.cancelFunc = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case router.TransportSSE:
		logging.Info("Server", "Starting MCP server with SSE transport on %s", addr)
		baseURL := fmt.Sprintf("http://%s", addr)
		s.sseServer = server.NewSSEServer(
			s.mcp,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint(sseEndpoint),
			server.WithMessageEndpoint(sseMessageEndpoint),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(keepAliveInterval),
			server.WithSSEContextFunc(s.sseContext),
		)
		sse := s.sseServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sse.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Server", err, "SSE server error")
			}
		}()

	case router.TransportStdio:
		logging.Info("Server", "Starting MCP server with stdio transport")
		s.stdioServer = server.NewStdioServer(s.mcp)
		stdio := s.stdioServer
		runCtx := s.ctx
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := stdio.Listen(runCtx, os.Stdin, os.Stdout); err != nil && runCtx.Err() == nil {
				logging.Error("Server", err, "Stdio server error")
			}
		}()

	case router.TransportHTTP:
		logging.Info("Server", "Starting MCP server with streamable-http transport on %s%s", addr, defaultEndpointPath)
		s.streamableServer = server.NewStreamableHTTPServer(
			s.mcp,
			server.WithEndpointPath(defaultEndpointPath),
			server.WithSessionIdManager(router.NewIDManager(s.sessions)),
			server.WithHTTPContextFunc(s.httpContext),
		)
		streamable := s.streamableServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := streamable.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Server", err, "Streamable HTTP server error")
			}
		}()

	default:
		s.cancelFunc()
		s.ctx, s.cancelFunc = nil, nil
		return fmt.Errorf("unsupported transport %q", s.cfg.Transport)
	}

	return nil
}

// Stop shuts the transport down and waits for the serving goroutine.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return fmt.Errorf("server not started")
	}
	cancel := s.cancelFunc
	sse := s.sseServer
	streamable := s.streamableServer
	s.mu.Unlock()

	logging.Info("Server", "Stopping MCP server")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
	defer cancelShutdown()

	if sse != nil {
		if err := sse.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Server", "Error shutting down SSE server: %v", err)
		}
	}
	if streamable != nil {
		if err := streamable.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Server", "Error shutting down streamable HTTP server: %v", err)
		}
	}
	// The stdio server exits on context cancellation.

	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancelFunc = nil, nil
	s.sseServer, s.streamableServer, s.stdioServer = nil, nil, nil
	s.mu.Unlock()
	return nil
}

// Endpoint returns the URL clients connect to.
func (s *Server) Endpoint() string {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	switch s.cfg.Transport {
	case router.TransportSSE:
		return fmt.Sprintf("http://%s%s", addr, sseEndpoint)
	case router.TransportStdio:
		return "stdio"
	default:
		return fmt.Sprintf("http://%s%s", addr, defaultEndpointPath)
	}
}
