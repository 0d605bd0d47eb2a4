package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unimcp/unimcp/internal/template"
	"github.com/unimcp/unimcp/internal/upstream"
)

// serverSummary is one row of the list_servers output.
type serverSummary struct {
	Name             string   `json:"name"`
	Status           string   `json:"status"`
	Transport        string   `json:"transport"`
	Tags             []string `json:"tags,omitempty"`
	Visible          bool     `json:"visible"`
	ConnectedAt      string   `json:"connectedAt,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl,omitempty"`
	LastError        string   `json:"lastError,omitempty"`
}

// registerMetaTools adds the proxy's own discovery tools. These carry plain
// names (no upstream namespace) and are never filtered out.
func (s *Server) registerMetaTools() {
	listServersTool := mcp.NewTool("list_servers",
		mcp.WithDescription("List the aggregated upstream MCP servers with their connection status, transport, and tags"),
	)
	s.mcp.AddTool(listServersTool, s.handleListServers)

	getInstructionsTool := mcp.NewTool("get_instructions",
		mcp.WithDescription("Render the aggregated instructions for this session's visible upstreams, honoring the session's custom template"),
	)
	s.mcp.AddTool(getInstructionsTool, s.handleGetInstructions)
}

func (s *Server) handleListServers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess := s.sessionFrom(ctx)

	visible := make(map[string]struct{})
	if snaps, err := s.dispatch.Visible(sess); err == nil {
		for _, snap := range snaps {
			visible[snap.Name] = struct{}{}
		}
	}

	var summaries []serverSummary
	for _, snap := range s.upstreams.All() {
		summary := serverSummary{
			Name:             snap.Name,
			Status:           snap.Status.String(),
			Transport:        string(snap.Transport),
			Tags:             snap.Tags,
			AuthorizationURL: snap.AuthorizationURL,
		}
		if _, ok := visible[snap.Name]; ok {
			summary.Visible = true
		}
		if snap.Status == upstream.StatusConnected {
			summary.ConnectedAt = snap.ConnectedAt.Format(time.RFC3339)
		}
		if snap.LastError != nil {
			summary.LastError = snap.LastError.Error()
		}
		summaries = append(summaries, summary)
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding server list: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleGetInstructions re-renders the instructions for the calling session.
// Unlike the handshake instructions, which are fixed at startup, this view
// reflects the session's filter and its customTemplate option.
func (s *Server) handleGetInstructions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess := s.sessionFrom(ctx)

	renderer, err := template.NewRenderer(sess.CustomTemplate)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid session template: %v", err)), nil
	}

	snaps, err := s.dispatch.Visible(sess)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Count tools per upstream over the full visible set, regardless of
	// the session's pagination setting.
	full := *sess
	full.Pagination = false
	toolCounts := make(map[string]int)
	if page, err := s.dispatch.ListTools(ctx, &full, "", 0); err == nil {
		for _, tool := range page.Tools {
			if upstreamName, _, err := s.namer.Parse(tool.Name); err == nil {
				toolCounts[upstreamName]++
			}
		}
	}

	data := template.Data{
		ProxyName: s.cfg.Name,
		Version:   s.cfg.Version,
		Filter:    sess.EffectiveFilter().Describe(),
		Context:   sess.Context,
	}
	for _, snap := range snaps {
		data.Upstreams = append(data.Upstreams, template.Upstream{
			Name:         snap.Name,
			ServerName:   snap.ServerInfo.Name,
			Instructions: snap.Instructions,
			Tags:         snap.Tags,
			ToolCount:    toolCounts[snap.Name],
		})
	}

	rendered, err := renderer.Render(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rendering instructions: %v", err)), nil
	}
	return mcp.NewToolResultText(rendered), nil
}
