// Package capability collects the capability sets reported by upstream MCP
// servers and merges them into the single set this proxy advertises
// downstream. Notification-style flags (listChanged, subscribe) are OR-ed
// because each upstream legitimately declares them independently; every
// other key is last-writer-wins with structured conflict reporting.
package capability

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Category names the four map-valued capability groups.
type Category string

const (
	CategoryResources    Category = "resources"
	CategoryTools        Category = "tools"
	CategoryPrompts      Category = "prompts"
	CategoryExperimental Category = "experimental"
)

// categories is the fixed merge order within one upstream.
var categories = []Category{CategoryResources, CategoryTools, CategoryPrompts, CategoryExperimental}

// Notification capability keys within a category.
const (
	KeyListChanged = "listChanged"
	KeySubscribe   = "subscribe"
)

// View is the map-based capability model used for merging. Each category is
// a string-to-value map; Logging is a scalar presence flag handled by
// last-write with no conflict detection.
type View struct {
	Resources    map[string]any
	Tools        map[string]any
	Prompts      map[string]any
	Experimental map[string]any
	Logging      any
	HasLogging   bool
}

// Category returns the named sub-map, which may be nil.
func (v *View) Category(c Category) map[string]any {
	switch c {
	case CategoryResources:
		return v.Resources
	case CategoryTools:
		return v.Tools
	case CategoryPrompts:
		return v.Prompts
	case CategoryExperimental:
		return v.Experimental
	default:
		return nil
	}
}

func (v *View) setCategory(c Category, m map[string]any) {
	switch c {
	case CategoryResources:
		v.Resources = m
	case CategoryTools:
		v.Tools = m
	case CategoryPrompts:
		v.Prompts = m
	case CategoryExperimental:
		v.Experimental = m
	}
}

// FromServerCapabilities converts the wire-level capability struct into the
// map view. A nil input is treated as an empty capability set. The JSON
// round-trip keeps this independent of the SDK's struct shape, including
// experimental extensions it does not model.
func FromServerCapabilities(caps *mcp.ServerCapabilities) (View, error) {
	view := View{}
	if caps == nil {
		return view, nil
	}

	data, err := json.Marshal(caps)
	if err != nil {
		return View{}, fmt.Errorf("encoding capabilities: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return View{}, fmt.Errorf("decoding capabilities: %w", err)
	}

	for _, c := range categories {
		section, ok := raw[string(c)]
		if !ok {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(section, &m); err != nil {
			return View{}, fmt.Errorf("decoding %s capabilities: %w", c, err)
		}
		view.setCategory(c, m)
	}

	if section, ok := raw["logging"]; ok {
		var logging any
		if err := json.Unmarshal(section, &logging); err != nil {
			return View{}, fmt.Errorf("decoding logging capability: %w", err)
		}
		view.Logging = logging
		view.HasLogging = true
	}
	return view, nil
}

// canonicalJSON serializes a value deterministically for structural
// comparison. Go's encoder writes map keys in sorted order, which is all
// the canonicalization JSON-shaped values need.
func canonicalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!unserializable:%v", v)
	}
	return string(data)
}
