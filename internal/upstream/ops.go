package upstream

import (
	"context"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Typed MCP operations on top of ExecuteOn. List operations follow the
// upstream's pagination cursors to exhaustion so callers always see the
// complete set.

// ListTools fetches every tool the upstream advertises.
func (m *Manager) ListTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	err := m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.ListToolsRequest{}
		for {
			result, err := cli.ListTools(ctx, req)
			if err != nil {
				return err
			}
			tools = append(tools, result.Tools...)
			if result.NextCursor == "" {
				return nil
			}
			req.Params.Cursor = result.NextCursor
		}
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes one tool on the upstream.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	var result *mcp.CallToolResult
	err := m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.CallToolRequest{}
		req.Params.Name = tool
		req.Params.Arguments = args
		var callErr error
		result, callErr = cli.CallTool(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListResources fetches every resource the upstream advertises.
func (m *Manager) ListResources(ctx context.Context, name string) ([]mcp.Resource, error) {
	var resources []mcp.Resource
	err := m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.ListResourcesRequest{}
		for {
			result, err := cli.ListResources(ctx, req)
			if err != nil {
				return err
			}
			resources = append(resources, result.Resources...)
			if result.NextCursor == "" {
				return nil
			}
			req.Params.Cursor = result.NextCursor
		}
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// ReadResource reads one resource from the upstream.
func (m *Manager) ReadResource(ctx context.Context, name, uri string) (*mcp.ReadResourceResult, error) {
	var result *mcp.ReadResourceResult
	err := m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.ReadResourceRequest{}
		req.Params.URI = uri
		var readErr error
		result, readErr = cli.ReadResource(ctx, req)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListPrompts fetches every prompt the upstream advertises.
func (m *Manager) ListPrompts(ctx context.Context, name string) ([]mcp.Prompt, error) {
	var prompts []mcp.Prompt
	err := m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.ListPromptsRequest{}
		for {
			result, err := cli.ListPrompts(ctx, req)
			if err != nil {
				return err
			}
			prompts = append(prompts, result.Prompts...)
			if result.NextCursor == "" {
				return nil
			}
			req.Params.Cursor = result.NextCursor
		}
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// GetPrompt fetches one prompt from the upstream.
func (m *Manager) GetPrompt(ctx context.Context, name, prompt string, args map[string]string) (*mcp.GetPromptResult, error) {
	var result *mcp.GetPromptResult
	err := m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		req := mcp.GetPromptRequest{}
		req.Params.Name = prompt
		req.Params.Arguments = args
		var getErr error
		result, getErr = cli.GetPrompt(ctx, req)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ping checks upstream liveness.
func (m *Manager) Ping(ctx context.Context, name string) error {
	return m.ExecuteOn(ctx, name, func(ctx context.Context, cli *mcpclient.Client) error {
		return cli.Ping(ctx)
	})
}
