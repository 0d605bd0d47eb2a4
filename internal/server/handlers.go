package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/router"
	"github.com/unimcp/unimcp/pkg/logging"
)

// sessionFrom resolves the router session behind a request. Requests with
// no known session (stdio before registration, internal calls) fall back to
// an unfiltered throwaway session.
func (s *Server) sessionFrom(ctx context.Context) *router.Session {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil {
		return &router.Session{Filter: filter.None()}
	}
	if sess, ok := s.sessions.Get(cs.SessionID()); ok {
		return sess
	}
	return &router.Session{ID: cs.SessionID(), Filter: filter.None()}
}

// filterTools trims a tools/list response to the session's visible
// upstreams. Names that do not parse as namespaced upstream tools are the
// proxy's own meta-tools and always pass through.
func (s *Server) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	sess := s.sessionFrom(ctx)
	if sess.EffectiveFilter().IsNone() {
		return tools
	}

	visible, err := s.dispatch.Visible(sess)
	if err != nil {
		logging.Warn("Server", "Session %s filter failed, hiding aggregated tools: %v", sess.ID, err)
		visible = nil
	}
	allowed := make(map[string]struct{}, len(visible))
	for _, snap := range visible {
		allowed[snap.Name] = struct{}{}
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		upstreamName, _, err := s.namer.Parse(tool.Name)
		if err != nil {
			out = append(out, tool)
			continue
		}
		if _, ok := allowed[upstreamName]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// toolHandler forwards one public tool to its upstream through the
// dispatcher. Routing and upstream failures are reported as tool errors so
// the client sees them in-band.
func (s *Server) toolHandler(public string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := s.sessionFrom(ctx)
		result, err := s.dispatch.CallTool(ctx, sess, public, req.GetArguments())
		if err != nil {
			logging.Debug("Server", "Tool call %s failed: %v", public, err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	}
}

func (s *Server) resourceHandler(uri string) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sess := s.sessionFrom(ctx)
		result, err := s.dispatch.ReadResource(ctx, sess, uri)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (s *Server) promptHandler(public string) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		sess := s.sessionFrom(ctx)
		return s.dispatch.GetPrompt(ctx, sess, public, req.Params.Arguments)
	}
}
