// Package registry maintains a lightweight index of tool metadata across
// every connected upstream. It answers discovery queries (filtering by
// server, glob pattern, or tag, with opaque cursor pagination) without
// holding full input schemas; those are loaded on demand through the schema
// cache.
package registry

import (
	"regexp"
	"sort"
	"strings"

	"github.com/unimcp/unimcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// MaxListLimit caps the page size of a single listing call.
const MaxListLimit = 5000

// DefaultListLimit applies when the caller does not request a page size.
const DefaultListLimit = 100

// ToolMetadata is the discovery-level view of one upstream tool.
type ToolMetadata struct {
	Name        string   `json:"name"`
	Server      string   `json:"server"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Entry pairs a tool with its owning server and tags, used to build a
// registry from a flat list.
type Entry struct {
	Tool   mcp.Tool
	Server string
	Tags   []string
}

// ListOptions filters and paginates a listing. All filters commute.
type ListOptions struct {
	Server  string
	Pattern string
	Tag     string
	Limit   int
	Cursor  string
}

// ListResult is one page of tools.
type ListResult struct {
	Tools      []ToolMetadata
	TotalCount int
	HasMore    bool
	NextCursor string
}

// Registry is an immutable index of tool metadata. Rebuilding after an
// upstream change produces a new instance; readers never observe mutation.
type Registry struct {
	tools []ToolMetadata
	// byKey indexes tools by server then tool name.
	byKey map[string]map[string]ToolMetadata
}

// NewFromServerTools builds a registry from per-server tool lists, tagging
// every tool with its server's tags.
func NewFromServerTools(serverTools map[string][]mcp.Tool, serverTags map[string][]string) *Registry {
	var entries []Entry
	for server, tools := range serverTools {
		for _, tool := range tools {
			entries = append(entries, Entry{Tool: tool, Server: server, Tags: serverTags[server]})
		}
	}
	return NewFromEntries(entries)
}

// NewFromEntries builds a registry from a flat entry list. Tools are keyed
// by (server, name); a duplicate key keeps the first occurrence.
func NewFromEntries(entries []Entry) *Registry {
	r := &Registry{byKey: make(map[string]map[string]ToolMetadata)}
	for _, e := range entries {
		byName, ok := r.byKey[e.Server]
		if !ok {
			byName = make(map[string]ToolMetadata)
			r.byKey[e.Server] = byName
		}
		if _, dup := byName[e.Tool.Name]; dup {
			continue
		}
		meta := ToolMetadata{
			Name:        e.Tool.Name,
			Server:      e.Server,
			Description: e.Tool.Description,
			Tags:        e.Tags,
		}
		byName[e.Tool.Name] = meta
		r.tools = append(r.tools, meta)
	}

	// Stable listing order: server name, then tool name.
	sort.Slice(r.tools, func(i, j int) bool {
		if r.tools[i].Server != r.tools[j].Server {
			return r.tools[i].Server < r.tools[j].Server
		}
		return r.tools[i].Name < r.tools[j].Name
	})
	return r
}

// ListTools returns one page of tools matching the options. A cursor
// carries the filters of the original query; explicit options and cursor
// filters are merged with the cursor taking precedence.
func (r *Registry) ListTools(opts ListOptions) ListResult {
	offset := 0
	if opts.Cursor != "" {
		cur := decodeCursor(opts.Cursor)
		offset = cur.Offset
		if cur.Server != "" {
			opts.Server = cur.Server
		}
		if cur.Pattern != "" {
			opts.Pattern = cur.Pattern
		}
		if cur.Tag != "" {
			opts.Tag = cur.Tag
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	filtered := r.filter(opts)

	if offset < 0 {
		offset = 0
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}

	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	result := ListResult{
		Tools:      filtered[offset:end],
		TotalCount: len(filtered),
		HasMore:    end < len(filtered),
	}
	if result.HasMore {
		result.NextCursor = encodeCursor(cursor{
			Offset:  end,
			Server:  opts.Server,
			Pattern: opts.Pattern,
			Tag:     opts.Tag,
		})
	}
	return result
}

func (r *Registry) filter(opts ListOptions) []ToolMetadata {
	var re *regexp.Regexp
	if opts.Pattern != "" {
		compiled, err := regexp.Compile(globToRegex(opts.Pattern))
		if err != nil {
			// An unusable pattern matches nothing rather than failing the
			// whole listing.
			logging.Warn("ToolRegistry", "Invalid tool pattern %q: %v", opts.Pattern, err)
			return nil
		}
		re = compiled
	}

	var out []ToolMetadata
	for _, tool := range r.tools {
		if opts.Server != "" && tool.Server != opts.Server {
			continue
		}
		if re != nil && !re.MatchString(tool.Name) {
			continue
		}
		if opts.Tag != "" && !hasTag(tool.Tags, opts.Tag) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// globToRegex translates a glob where only '*' and '?' are wildcards into
// an anchored regular expression. Every other metacharacter is escaped and
// matches literally.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Servers returns the sorted set of upstream names with at least one tool.
func (r *Registry) Servers() []string {
	out := make([]string, 0, len(r.byKey))
	for server := range r.byKey {
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}

// Tags returns the sorted union of every tool's tags.
func (r *Registry) Tags() []string {
	seen := map[string]struct{}{}
	for _, tool := range r.tools {
		for _, tag := range tool.Tags {
			seen[tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// CountByServer returns the number of tools per upstream.
func (r *Registry) CountByServer() map[string]int {
	out := make(map[string]int, len(r.byKey))
	for server, byName := range r.byKey {
		out[server] = len(byName)
	}
	return out
}

// HasTool reports whether the upstream exposes the named tool.
func (r *Registry) HasTool(server, name string) bool {
	_, ok := r.GetTool(server, name)
	return ok
}

// GetTool returns the metadata for one tool.
func (r *Registry) GetTool(server, name string) (ToolMetadata, bool) {
	byName, ok := r.byKey[server]
	if !ok {
		return ToolMetadata{}, false
	}
	meta, ok := byName[name]
	return meta, ok
}

// GroupByServer returns the tools grouped by upstream, each group in name
// order.
func (r *Registry) GroupByServer() map[string][]ToolMetadata {
	out := make(map[string][]ToolMetadata, len(r.byKey))
	for _, tool := range r.tools {
		out[tool.Server] = append(out[tool.Server], tool)
	}
	return out
}

// CategorizeByTags groups tools by their first tag; tools without tags land
// in "uncategorized".
func (r *Registry) CategorizeByTags() map[string][]ToolMetadata {
	out := map[string][]ToolMetadata{}
	for _, tool := range r.tools {
		category := "uncategorized"
		if len(tool.Tags) > 0 {
			category = tool.Tags[0]
		}
		out[category] = append(out[category], tool)
	}
	return out
}

// FilterByServers returns a new registry restricted to the given upstreams.
func (r *Registry) FilterByServers(servers map[string]struct{}) *Registry {
	filtered := &Registry{byKey: make(map[string]map[string]ToolMetadata)}
	for _, tool := range r.tools {
		if _, ok := servers[tool.Server]; !ok {
			continue
		}
		byName, ok := filtered.byKey[tool.Server]
		if !ok {
			byName = make(map[string]ToolMetadata)
			filtered.byKey[tool.Server] = byName
		}
		byName[tool.Name] = tool
		filtered.tools = append(filtered.tools, tool)
	}
	return filtered
}

// Len returns the total number of indexed tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// All returns every indexed tool in stable order.
func (r *Registry) All() []ToolMetadata {
	return r.tools
}
