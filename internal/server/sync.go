package server

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/unimcp/unimcp/internal/capability"
	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/router"
	"github.com/unimcp/unimcp/pkg/logging"
)

// Refresh re-reads the connected upstreams and reconciles the registered
// tools, resources, and prompts against them. Called after the upstream set
// changes (startup, config reload, OAuth completion). Only the differences
// are applied, so clients get one listChanged notification per item class
// at most.
func (s *Server) Refresh(ctx context.Context) {
	root := &router.Session{Filter: filter.None()}

	s.aggregateCapabilities()

	page, err := s.dispatch.ListTools(ctx, root, "", 0)
	if err != nil {
		logging.Warn("Server", "Tool refresh failed: %v", err)
	} else {
		s.applyTools(page.Tools)
	}

	prompts, _, err := s.dispatch.ListPrompts(ctx, root)
	if err != nil {
		logging.Warn("Server", "Prompt refresh failed: %v", err)
	} else {
		s.applyPrompts(prompts)
	}

	resources, _, err := s.dispatch.ListResources(ctx, root)
	if err != nil {
		logging.Warn("Server", "Resource refresh failed: %v", err)
	} else {
		s.applyResources(resources)
	}
}

// aggregateCapabilities merges the connected upstreams' capability sets in
// name order and reports divergent values. The merged view is logged for
// operators; the proxy's own advertised capabilities stay fixed because it
// always serves tools, resources, and prompts itself.
func (s *Server) aggregateCapabilities() {
	snaps := s.upstreams.Connected()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })

	sources := make([]capability.Source, 0, len(snaps))
	for _, snap := range snaps {
		caps := snap.Capabilities
		view, err := capability.FromServerCapabilities(&caps)
		if err != nil {
			logging.Warn("Server", "Skipping capabilities of %s: %v", snap.Name, err)
			continue
		}
		sources = append(sources, capability.Source{Name: snap.Name, View: view})
	}

	_, conflicts := capability.Aggregate(sources)
	if len(conflicts) > 0 {
		logging.Info("Server", "Capability aggregation finished with %d conflicting keys across %d upstreams",
			len(conflicts), len(sources))
	}
}

func (s *Server) applyTools(tools []mcp.Tool) {
	s.active.Lock()
	defer s.active.Unlock()

	next := make(map[string]struct{}, len(tools))
	var toAdd []server.ServerTool
	for _, tool := range tools {
		next[tool.Name] = struct{}{}
		if _, ok := s.active.tools[tool.Name]; !ok {
			toAdd = append(toAdd, server.ServerTool{Tool: tool, Handler: s.toolHandler(tool.Name)})
		}
	}

	var toRemove []string
	for name := range s.active.tools {
		if _, ok := next[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}

	if len(toRemove) > 0 {
		s.mcp.DeleteTools(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddTools(toAdd...)
	}
	s.active.tools = next

	if len(toAdd) > 0 || len(toRemove) > 0 {
		logging.Debug("Server", "Tool registrations reconciled: +%d -%d (total %d)",
			len(toAdd), len(toRemove), len(next))
	}
}

func (s *Server) applyPrompts(prompts []mcp.Prompt) {
	s.active.Lock()
	defer s.active.Unlock()

	next := make(map[string]struct{}, len(prompts))
	var toAdd []server.ServerPrompt
	for _, prompt := range prompts {
		next[prompt.Name] = struct{}{}
		if _, ok := s.active.prompts[prompt.Name]; !ok {
			toAdd = append(toAdd, server.ServerPrompt{Prompt: prompt, Handler: s.promptHandler(prompt.Name)})
		}
	}

	var toRemove []string
	for name := range s.active.prompts {
		if _, ok := next[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}

	if len(toRemove) > 0 {
		s.mcp.DeletePrompts(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddPrompts(toAdd...)
	}
	s.active.prompts = next
}

func (s *Server) applyResources(resources []mcp.Resource) {
	s.active.Lock()
	defer s.active.Unlock()

	next := make(map[string]struct{}, len(resources))
	var toAdd []server.ServerResource
	for _, resource := range resources {
		next[resource.URI] = struct{}{}
		if _, ok := s.active.resources[resource.URI]; !ok {
			toAdd = append(toAdd, server.ServerResource{Resource: resource, Handler: s.resourceHandler(resource.URI)})
		}
	}

	// No batch removal for resources in the MCP library, so obsolete ones
	// go one by one.
	for uri := range s.active.resources {
		if _, ok := next[uri]; !ok {
			s.mcp.RemoveResource(uri)
		}
	}
	if len(toAdd) > 0 {
		s.mcp.AddResources(toAdd...)
	}
	s.active.resources = next
}
