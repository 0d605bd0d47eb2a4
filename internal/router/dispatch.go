package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/mcperr"
	"github.com/unimcp/unimcp/internal/registry"
	"github.com/unimcp/unimcp/internal/schema"
	"github.com/unimcp/unimcp/internal/upstream"
	"github.com/unimcp/unimcp/pkg/logging"
)

// Upstreams is the connection-manager surface the dispatcher needs. The
// upstream manager implements it; tests substitute a fake.
type Upstreams interface {
	Connected() []upstream.Snapshot
	Get(name string) (upstream.Snapshot, bool)
	ListTools(ctx context.Context, name string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, name string) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, name, uri string) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context, name string) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name, prompt string, args map[string]string) (*mcp.GetPromptResult, error)
}

var _ Upstreams = (*upstream.Manager)(nil)

// Dispatcher routes one session's MCP requests: list operations fan out
// across the session's visible upstreams and merge; invoke operations
// resolve a single upstream from the namespaced name and forward once.
type Dispatcher struct {
	upstreams Upstreams
	cache     *schema.Cache
	namer     *Namer
	presets   *filter.PresetStore

	// resourceIndex maps resource URIs to the upstream that listed them,
	// for resources/read resolution. Rebuilt by every resources/list.
	mu            sync.RWMutex
	resourceIndex map[string]string
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(ups Upstreams, cache *schema.Cache, namer *Namer, presets *filter.PresetStore) *Dispatcher {
	return &Dispatcher{
		upstreams:     ups,
		cache:         cache,
		namer:         namer,
		presets:       presets,
		resourceIndex: make(map[string]string),
	}
}

// Visible computes the session's effective upstream set: the connected
// upstreams whose tags pass the session filter, in name order.
func (d *Dispatcher) Visible(sess *Session) ([]upstream.Snapshot, error) {
	f, err := d.presets.Resolve(sess.EffectiveFilter())
	if err != nil {
		return nil, err
	}
	connected := d.upstreams.Connected()
	visible := connected[:0]
	for _, snap := range connected {
		if f.Matches(snap.Tags) {
			visible = append(visible, snap)
		}
	}
	return visible, nil
}

// allows reports whether the session may address the named upstream.
func (d *Dispatcher) allows(sess *Session, snap upstream.Snapshot) (bool, error) {
	f, err := d.presets.Resolve(sess.EffectiveFilter())
	if err != nil {
		return false, err
	}
	return f.Matches(snap.Tags), nil
}

// ToolsPage is one tools/list response.
type ToolsPage struct {
	Tools      []mcp.Tool
	TotalCount int
	NextCursor string

	// Warnings names upstreams whose listing failed; the page is then
	// partial.
	Warnings []string
}

// ListTools fans tools/list out across the visible upstreams, renames each
// tool into the public namespace, and merges the results sorted by server
// then tool name. Upstream failures degrade to a partial page with a
// warning. Pagination applies only when the session enabled it.
func (d *Dispatcher) ListTools(ctx context.Context, sess *Session, cursor string, limit int) (*ToolsPage, error) {
	visible, err := d.Visible(sess)
	if err != nil {
		return nil, err
	}

	byServer, warnings := d.collectTools(ctx, visible)
	if err := ctx.Err(); err != nil {
		return nil, mcperr.Wrap(mcperr.KindCancelled, "tools/list cancelled", err)
	}

	serverTags := make(map[string][]string, len(visible))
	for _, snap := range visible {
		serverTags[snap.Name] = snap.Tags
	}
	reg := registry.NewFromServerTools(byServer, serverTags)

	opts := registry.ListOptions{Cursor: cursor, Limit: limit}
	if !sess.Pagination {
		opts = registry.ListOptions{Limit: registry.MaxListLimit}
	}
	page := reg.ListTools(opts)

	full := make(map[string]mcp.Tool, len(byServer))
	for server, tools := range byServer {
		for _, tool := range tools {
			full[server+"\x00"+tool.Name] = tool
		}
	}

	out := make([]mcp.Tool, 0, len(page.Tools))
	for _, meta := range page.Tools {
		tool, ok := full[meta.Server+"\x00"+meta.Name]
		if !ok {
			continue
		}
		tool.Name = d.namer.Format(meta.Server, meta.Name)
		out = append(out, tool)
	}

	result := &ToolsPage{
		Tools:      out,
		TotalCount: page.TotalCount,
		Warnings:   warnings,
	}
	if sess.Pagination {
		result.NextCursor = page.NextCursor
	}
	return result, nil
}

// collectTools lists tools on every given upstream concurrently. Results
// feed the schema cache so later per-tool lookups are free.
func (d *Dispatcher) collectTools(ctx context.Context, visible []upstream.Snapshot) (map[string][]mcp.Tool, []string) {
	var mu sync.Mutex
	byServer := make(map[string][]mcp.Tool, len(visible))
	var warnings []string

	g, ctx := errgroup.WithContext(ctx)
	for _, snap := range visible {
		name := snap.Name
		g.Go(func() error {
			tools, err := d.upstreams.ListTools(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Warn("SessionRouter", "tools/list on %s failed: %v", name, err)
				warnings = append(warnings, fmt.Sprintf("upstream %s: %v", name, err))
				return nil
			}
			byServer[name] = tools
			return nil
		})
	}
	_ = g.Wait()

	for server, tools := range byServer {
		for _, tool := range tools {
			d.cache.Set(server, tool.Name, tool)
		}
	}
	sort.Strings(warnings)
	return byServer, warnings
}

// CallTool resolves the single upstream behind a public tool name and
// forwards the call exactly once. An upstream that exists but is not
// connected surfaces UpstreamUnavailable; this layer never retries.
func (d *Dispatcher) CallTool(ctx context.Context, sess *Session, public string, args map[string]any) (*mcp.CallToolResult, error) {
	server, tool, err := d.namer.Parse(public)
	if err != nil {
		return nil, err
	}
	if err := d.checkInvokable(sess, server, public); err != nil {
		return nil, err
	}

	result, err := d.upstreams.CallTool(ctx, server, tool, args)
	if err != nil {
		return nil, invokeError(err, server, public)
	}
	return result, nil
}

// GetToolSchema returns the full tool definition (public name applied),
// loading it through the schema cache on a miss.
func (d *Dispatcher) GetToolSchema(ctx context.Context, sess *Session, public string) (mcp.Tool, error) {
	server, toolName, err := d.namer.Parse(public)
	if err != nil {
		return mcp.Tool{}, err
	}
	if err := d.checkInvokable(sess, server, public); err != nil {
		return mcp.Tool{}, err
	}

	tool, err := d.cache.GetOrLoad(ctx, server, toolName, d.loadToolSchema)
	if err != nil {
		return mcp.Tool{}, err
	}
	tool.Name = d.namer.Format(server, toolName)
	return tool, nil
}

// loadToolSchema is the cache loader: list the one upstream and pick the
// tool out, caching its siblings on the way.
func (d *Dispatcher) loadToolSchema(ctx context.Context, server, toolName string) (mcp.Tool, error) {
	tools, err := d.upstreams.ListTools(ctx, server)
	if err != nil {
		return mcp.Tool{}, err
	}
	var found *mcp.Tool
	for i := range tools {
		if tools[i].Name == toolName {
			found = &tools[i]
			continue
		}
		d.cache.Set(server, tools[i].Name, tools[i])
	}
	if found == nil {
		return mcp.Tool{}, mcperr.Newf(mcperr.KindNotFound, "upstream %q has no tool %q", server, toolName).
			WithServer(server).WithSubject(toolName)
	}
	return *found, nil
}

// ListResources fans resources/list out across the visible upstreams and
// merges by URI, first server in name order winning duplicates. The URI to
// server index for resources/read is rebuilt from the result.
func (d *Dispatcher) ListResources(ctx context.Context, sess *Session) ([]mcp.Resource, []string, error) {
	visible, err := d.Visible(sess)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex
	byServer := make(map[string][]mcp.Resource, len(visible))
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	for _, snap := range visible {
		name := snap.Name
		g.Go(func() error {
			resources, err := d.upstreams.ListResources(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Warn("SessionRouter", "resources/list on %s failed: %v", name, err)
				warnings = append(warnings, fmt.Sprintf("upstream %s: %v", name, err))
				return nil
			}
			byServer[name] = resources
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, mcperr.Wrap(mcperr.KindCancelled, "resources/list cancelled", err)
	}

	servers := make([]string, 0, len(byServer))
	for server := range byServer {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var merged []mcp.Resource
	seen := make(map[string]struct{})
	index := make(map[string]string)
	for _, server := range servers {
		for _, res := range byServer[server] {
			if _, dup := seen[res.URI]; dup {
				continue
			}
			seen[res.URI] = struct{}{}
			index[res.URI] = server
			merged = append(merged, res)
		}
	}

	d.mu.Lock()
	for uri, server := range index {
		d.resourceIndex[uri] = server
	}
	d.mu.Unlock()

	sort.Strings(warnings)
	return merged, warnings, nil
}

// ReadResource resolves the owning upstream from the URI index and forwards
// the read once. An unindexed URI triggers one index rebuild before giving
// up.
func (d *Dispatcher) ReadResource(ctx context.Context, sess *Session, uri string) (*mcp.ReadResourceResult, error) {
	server, ok := d.lookupResource(uri)
	if !ok {
		if _, _, err := d.ListResources(ctx, sess); err != nil {
			return nil, err
		}
		if server, ok = d.lookupResource(uri); !ok {
			return nil, mcperr.Newf(mcperr.KindNotFound, "no upstream provides resource %q", uri).WithSubject(uri)
		}
	}
	if err := d.checkInvokable(sess, server, uri); err != nil {
		return nil, err
	}

	result, err := d.upstreams.ReadResource(ctx, server, uri)
	if err != nil {
		return nil, invokeError(err, server, uri)
	}
	return result, nil
}

func (d *Dispatcher) lookupResource(uri string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	server, ok := d.resourceIndex[uri]
	return server, ok
}

// ListPrompts fans prompts/list out across the visible upstreams, renaming
// prompts into the public namespace like tools.
func (d *Dispatcher) ListPrompts(ctx context.Context, sess *Session) ([]mcp.Prompt, []string, error) {
	visible, err := d.Visible(sess)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex
	byServer := make(map[string][]mcp.Prompt, len(visible))
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	for _, snap := range visible {
		name := snap.Name
		g.Go(func() error {
			prompts, err := d.upstreams.ListPrompts(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Warn("SessionRouter", "prompts/list on %s failed: %v", name, err)
				warnings = append(warnings, fmt.Sprintf("upstream %s: %v", name, err))
				return nil
			}
			byServer[name] = prompts
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, mcperr.Wrap(mcperr.KindCancelled, "prompts/list cancelled", err)
	}

	servers := make([]string, 0, len(byServer))
	for server := range byServer {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var merged []mcp.Prompt
	seen := make(map[string]struct{})
	for _, server := range servers {
		prompts := byServer[server]
		sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
		for _, prompt := range prompts {
			public := d.namer.Format(server, prompt.Name)
			if _, dup := seen[public]; dup {
				continue
			}
			seen[public] = struct{}{}
			prompt.Name = public
			merged = append(merged, prompt)
		}
	}

	sort.Strings(warnings)
	return merged, warnings, nil
}

// GetPrompt resolves the single upstream behind a public prompt name and
// forwards the request once.
func (d *Dispatcher) GetPrompt(ctx context.Context, sess *Session, public string, args map[string]string) (*mcp.GetPromptResult, error) {
	server, prompt, err := d.namer.Parse(public)
	if err != nil {
		return nil, err
	}
	if err := d.checkInvokable(sess, server, public); err != nil {
		return nil, err
	}

	result, err := d.upstreams.GetPrompt(ctx, server, prompt, args)
	if err != nil {
		return nil, invokeError(err, server, public)
	}
	return result, nil
}

// checkInvokable verifies that the upstream exists, is visible to the
// session, and is connected.
func (d *Dispatcher) checkInvokable(sess *Session, server, subject string) error {
	snap, ok := d.upstreams.Get(server)
	if !ok {
		return mcperr.Newf(mcperr.KindNotFound, "unknown upstream %q", server).WithServer(server).WithSubject(subject)
	}
	allowed, err := d.allows(sess, snap)
	if err != nil {
		return err
	}
	if !allowed {
		// The session's filter hides this upstream; to the client the
		// target simply does not exist.
		return mcperr.Newf(mcperr.KindNotFound, "unknown tool %q", subject).WithSubject(subject)
	}
	if snap.Status != upstream.StatusConnected {
		return mcperr.Newf(mcperr.KindUpstreamUnavailable,
			"upstream %q is %s", server, snap.Status).WithServer(server).WithSubject(subject)
	}
	return nil
}

// invokeError maps transport-level failures onto the router's taxonomy: a
// connection that dropped between the check and the call surfaces as
// UpstreamUnavailable, without retrying at this layer.
func invokeError(err error, server, subject string) error {
	if mcperr.IsKind(err, mcperr.KindNotConnected) || mcperr.IsKind(err, mcperr.KindNotFound) {
		return mcperr.Wrap(mcperr.KindUpstreamUnavailable,
			fmt.Sprintf("upstream %q became unavailable", server), err).WithServer(server).WithSubject(subject)
	}
	return err
}
