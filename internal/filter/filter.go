// Package filter implements upstream selection rules for inbound sessions.
// A session carries one Filter; for every request the router evaluates it
// against each upstream's tag set to compute the effective upstream set.
//
// Five kinds exist: none (match everything), a tag list combined with OR or
// AND, a boolean tag expression ("web and not experimental"), a JSON tag
// query ({"$or": [...]}), and a reference to a named preset.
package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/unimcp/unimcp/internal/mcperr"
)

// Kind names a filter variant. Serialized into the session repository, so
// the values are stable.
type Kind string

const (
	KindNone       Kind = "none"
	KindTags       Kind = "tags"
	KindExpression Kind = "expression"
	KindQuery      Kind = "query"
	KindPreset     Kind = "preset"
)

// Tag list combination modes.
const (
	ModeOr  = "or"
	ModeAnd = "and"
)

// Filter is one session's upstream selection rule. The exported fields are
// the serialized form; the compiled expression is rebuilt on demand after a
// repository round-trip.
type Filter struct {
	Kind       Kind            `json:"kind"`
	TagList    []string        `json:"tags,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Query      json.RawMessage `json:"query,omitempty"`
	Preset     string          `json:"preset,omitempty"`

	compileOnce sync.Once
	expr        Expr
	compileErr  error
}

// None matches every upstream.
func None() *Filter {
	return &Filter{Kind: KindNone}
}

// Tags matches upstreams whose tag set contains any of the given tags
// (ModeOr) or all of them (ModeAnd). An empty mode means ModeOr.
func Tags(tags []string, mode string) (*Filter, error) {
	switch mode {
	case "", ModeOr, ModeAnd:
	default:
		return nil, mcperr.Newf(mcperr.KindInvalidParams, "unknown tag filter mode %q", mode)
	}
	if mode == "" {
		mode = ModeOr
	}
	return &Filter{Kind: KindTags, TagList: tags, Mode: mode}, nil
}

// Expression parses a boolean tag expression.
func Expression(src string) (*Filter, error) {
	f := &Filter{Kind: KindExpression, Expression: src}
	if err := f.Compile(); err != nil {
		return nil, err
	}
	return f, nil
}

// Query parses a JSON tag query.
func Query(raw []byte) (*Filter, error) {
	f := &Filter{Kind: KindQuery, Query: json.RawMessage(raw)}
	if err := f.Compile(); err != nil {
		return nil, err
	}
	return f, nil
}

// PresetRef references a named preset. It must be resolved through a
// PresetStore before evaluation.
func PresetRef(name string) *Filter {
	return &Filter{Kind: KindPreset, Preset: name}
}

// Compile builds the evaluable form. Safe to call repeatedly; the first
// outcome is cached.
func (f *Filter) Compile() error {
	f.compileOnce.Do(func() {
		switch f.Kind {
		case KindExpression:
			f.expr, f.compileErr = ParseExpression(f.Expression)
		case KindQuery:
			f.expr, f.compileErr = ParseQuery(f.Query)
		}
	})
	return f.compileErr
}

// IsNone reports whether the filter matches everything.
func (f *Filter) IsNone() bool {
	return f == nil || f.Kind == KindNone || f.Kind == ""
}

// Matches evaluates the filter against one upstream's tags. A preset
// reference never matches directly; resolve it first.
func (f *Filter) Matches(tags []string) bool {
	if f.IsNone() {
		return true
	}

	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}

	switch f.Kind {
	case KindTags:
		if len(f.TagList) == 0 {
			return true
		}
		if f.Mode == ModeAnd {
			for _, t := range f.TagList {
				if _, ok := set[t]; !ok {
					return false
				}
			}
			return true
		}
		for _, t := range f.TagList {
			if _, ok := set[t]; ok {
				return true
			}
		}
		return false

	case KindExpression, KindQuery:
		if err := f.Compile(); err != nil || f.expr == nil {
			return false
		}
		return f.expr.Matches(set)

	case KindPreset:
		return false

	default:
		return true
	}
}

// Describe renders the filter for logs and the list_servers meta-tool.
func (f *Filter) Describe() string {
	if f.IsNone() {
		return "none"
	}
	switch f.Kind {
	case KindTags:
		sep := " or "
		if f.Mode == ModeAnd {
			sep = " and "
		}
		return "tags(" + strings.Join(f.TagList, sep) + ")"
	case KindExpression:
		return "expr(" + f.Expression + ")"
	case KindQuery:
		return "query(" + string(f.Query) + ")"
	case KindPreset:
		return "preset(" + f.Preset + ")"
	default:
		return string(f.Kind)
	}
}

// PresetStore holds named filters. Presets come from configuration today;
// the store is an interface point for an external preset service.
type PresetStore struct {
	mu      sync.RWMutex
	presets map[string]*Filter
}

func NewPresetStore() *PresetStore {
	return &PresetStore{presets: make(map[string]*Filter)}
}

// Register stores or replaces a preset.
func (s *PresetStore) Register(name string, f *Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[name] = f
}

// Names lists the registered presets, sorted.
func (s *PresetStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve follows a preset reference to its stored filter. Non-preset
// filters pass through unchanged.
func (s *PresetStore) Resolve(f *Filter) (*Filter, error) {
	if f == nil || f.Kind != KindPreset {
		return f, nil
	}
	s.mu.RLock()
	resolved, ok := s.presets[f.Preset]
	s.mu.RUnlock()
	if !ok {
		return nil, mcperr.Newf(mcperr.KindNotFound, "unknown preset %q", f.Preset).WithSubject(f.Preset)
	}
	if resolved.Kind == KindPreset {
		return nil, mcperr.Newf(mcperr.KindInvalidParams, "preset %q references another preset", f.Preset)
	}
	return resolved, nil
}

// FromRequest builds a session filter from validated request parameters,
// applying the precedence preset > expression > tags.
func FromRequest(preset, expression string, tags []string, mode string) (*Filter, error) {
	switch {
	case preset != "":
		return PresetRef(preset), nil
	case expression != "":
		return Expression(expression)
	case len(tags) > 0:
		return Tags(tags, mode)
	default:
		return None(), nil
	}
}

// MarshalJSON serializes only the declarative fields.
func (f *Filter) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind       Kind            `json:"kind"`
		TagList    []string        `json:"tags,omitempty"`
		Mode       string          `json:"mode,omitempty"`
		Expression string          `json:"expression,omitempty"`
		Query      json.RawMessage `json:"query,omitempty"`
		Preset     string          `json:"preset,omitempty"`
	}
	return json.Marshal(wire{
		Kind:       f.Kind,
		TagList:    f.TagList,
		Mode:       f.Mode,
		Expression: f.Expression,
		Query:      f.Query,
		Preset:     f.Preset,
	})
}

// UnmarshalJSON restores a persisted filter and recompiles it.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type wire struct {
		Kind       Kind            `json:"kind"`
		TagList    []string        `json:"tags,omitempty"`
		Mode       string          `json:"mode,omitempty"`
		Expression string          `json:"expression,omitempty"`
		Query      json.RawMessage `json:"query,omitempty"`
		Preset     string          `json:"preset,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Filter{
		Kind:       w.Kind,
		TagList:    w.TagList,
		Mode:       w.Mode,
		Expression: w.Expression,
		Query:      w.Query,
		Preset:     w.Preset,
	}
	if err := f.Compile(); err != nil {
		return fmt.Errorf("recompiling persisted filter: %w", err)
	}
	return nil
}
