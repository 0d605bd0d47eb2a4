// Package template renders the instructions string the proxy advertises to
// downstream clients. Upstream instruction blobs are forwarded verbatim;
// the template only controls the framing around them. Custom templates come
// from configuration or from a session's customTemplate option.
package template

import (
	"fmt"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// Upstream is one connected upstream's contribution to the instructions.
type Upstream struct {
	// Name is the configured upstream name.
	Name string

	// ServerName is the name the upstream reported during the handshake.
	ServerName string

	// Instructions is the upstream's instruction blob, forwarded verbatim.
	Instructions string

	Tags      []string
	ToolCount int
}

// Data is the template context.
type Data struct {
	ProxyName string
	Version   string

	// Filter describes the session's upstream selection rule.
	Filter string

	// Context carries the session's context record (project, user,
	// client identity) for custom templates.
	Context map[string]any

	// Upstreams holds the upstreams visible to the session, in stable
	// name order.
	Upstreams []Upstream

	GeneratedAt time.Time
}

// defaultTemplate frames each upstream's instructions under its own
// heading. Upstreams without instructions are listed by name only.
const defaultTemplate = `{{ .ProxyName }} aggregates {{ len .Upstreams }} MCP server{{ if ne (len .Upstreams) 1 }}s{{ end }}.
{{- range .Upstreams }}
{{- if .Instructions }}

## {{ .Name }}
{{ .Instructions }}
{{- else }}

## {{ .Name }} (no instructions provided)
{{- end }}
{{- end }}
`

// Renderer renders instruction text from a parsed template.
type Renderer struct {
	tmpl *texttemplate.Template
}

// NewRenderer parses a custom template source, or the default framing when
// source is empty. Sprig's text functions are available in templates.
func NewRenderer(source string) (*Renderer, error) {
	if source == "" {
		source = defaultTemplate
	}
	tmpl, err := texttemplate.New("instructions").Funcs(sprig.TxtFuncMap()).Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing instructions template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render executes the template.
func (r *Renderer) Render(data Data) (string, error) {
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = time.Now()
	}
	var buf strings.Builder
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering instructions: %w", err)
	}
	return buf.String(), nil
}
