package router

import (
	"fmt"
	"strings"

	"github.com/unimcp/unimcp/internal/mcperr"
)

// DefaultToolPattern is the public-name pattern applied when the server
// configuration does not override it.
const DefaultToolPattern = "{server}_1mcp_{tool}"

const (
	serverPlaceholder = "{server}"
	toolPlaceholder   = "{tool}"
)

// Namer formats and parses the public names under which upstream tools and
// prompts are advertised. The pattern must contain {server} before {tool};
// the literal text between them is the separator Parse splits on, so
// upstream names must not contain it.
type Namer struct {
	prefix    string
	separator string
	suffix    string
}

// NewNamer validates and compiles a naming pattern. An empty pattern means
// DefaultToolPattern.
func NewNamer(pattern string) (*Namer, error) {
	if pattern == "" {
		pattern = DefaultToolPattern
	}

	serverIdx := strings.Index(pattern, serverPlaceholder)
	toolIdx := strings.Index(pattern, toolPlaceholder)
	switch {
	case serverIdx < 0 || toolIdx < 0:
		return nil, fmt.Errorf("tool pattern %q must contain both %s and %s", pattern, serverPlaceholder, toolPlaceholder)
	case serverIdx > toolIdx:
		return nil, fmt.Errorf("tool pattern %q must place %s before %s", pattern, serverPlaceholder, toolPlaceholder)
	case strings.Count(pattern, serverPlaceholder) > 1 || strings.Count(pattern, toolPlaceholder) > 1:
		return nil, fmt.Errorf("tool pattern %q repeats a placeholder", pattern)
	}

	separator := pattern[serverIdx+len(serverPlaceholder) : toolIdx]
	if separator == "" {
		return nil, fmt.Errorf("tool pattern %q needs literal text between %s and %s", pattern, serverPlaceholder, toolPlaceholder)
	}

	return &Namer{
		prefix:    pattern[:serverIdx],
		separator: separator,
		suffix:    pattern[toolIdx+len(toolPlaceholder):],
	}, nil
}

// Format builds the public name for an upstream tool.
func (n *Namer) Format(server, tool string) string {
	return n.prefix + server + n.separator + tool + n.suffix
}

// Parse splits a public name back into upstream server and tool. The split
// happens on the first occurrence of the separator, so tool names may
// contain it but server names may not.
func (n *Namer) Parse(public string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(public, n.prefix)
	if !ok {
		return "", "", mcperr.Newf(mcperr.KindInvalidParams, "tool name %q does not match the naming pattern", public).WithSubject(public)
	}
	rest, ok = strings.CutSuffix(rest, n.suffix)
	if !ok {
		return "", "", mcperr.Newf(mcperr.KindInvalidParams, "tool name %q does not match the naming pattern", public).WithSubject(public)
	}
	server, tool, ok = strings.Cut(rest, n.separator)
	if !ok || server == "" || tool == "" {
		return "", "", mcperr.Newf(mcperr.KindInvalidParams, "tool name %q does not match the naming pattern", public).WithSubject(public)
	}
	return server, tool, nil
}
