package config

import (
	"maps"
	"slices"
	"sort"
)

// ChangeType classifies an upstream configuration change.
type ChangeType int

const (
	// ChangeAdded means the upstream appeared in the configuration.
	ChangeAdded ChangeType = iota
	// ChangeRemoved means the upstream disappeared from the configuration.
	ChangeRemoved
	// ChangeModified means the upstream definition changed in place.
	ChangeModified
)

// String returns the canonical change type name.
func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one upstream-level configuration change.
type ChangeEvent struct {
	Type ChangeType
	Name string

	// FieldsChanged lists the modified fields for ChangeModified events,
	// sorted alphabetically. It is empty for Added/Removed.
	FieldsChanged []string

	// Config is the new upstream definition (nil for ChangeRemoved).
	Config *UpstreamConfig
}

// TagsOnly reports whether a Modified event touches nothing but tags, in
// which case no connection restart is required.
func (e ChangeEvent) TagsOnly() bool {
	return e.Type == ChangeModified && len(e.FieldsChanged) == 1 && e.FieldsChanged[0] == "tags"
}

// DiffUpstreams compares two upstream maps and produces the ordered change
// events needed to move from old to new. Events are sorted by upstream name
// so repeated diffs of the same inputs are identical.
func DiffUpstreams(oldUpstreams, newUpstreams map[string]*UpstreamConfig) []ChangeEvent {
	var events []ChangeEvent

	for name, newCfg := range newUpstreams {
		oldCfg, existed := oldUpstreams[name]
		if !existed {
			events = append(events, ChangeEvent{Type: ChangeAdded, Name: name, Config: newCfg})
			continue
		}
		if fields := changedFields(oldCfg, newCfg); len(fields) > 0 {
			events = append(events, ChangeEvent{
				Type:          ChangeModified,
				Name:          name,
				FieldsChanged: fields,
				Config:        newCfg,
			})
		}
	}

	for name := range oldUpstreams {
		if _, stays := newUpstreams[name]; !stays {
			events = append(events, ChangeEvent{Type: ChangeRemoved, Name: name})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Name != events[j].Name {
			return events[i].Name < events[j].Name
		}
		return events[i].Type < events[j].Type
	})
	return events
}

func changedFields(oldCfg, newCfg *UpstreamConfig) []string {
	var fields []string
	add := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}

	add("command", oldCfg.Command != newCfg.Command)
	add("args", !slices.Equal(oldCfg.Args, newCfg.Args))
	add("cwd", oldCfg.Cwd != newCfg.Cwd)
	add("env", !maps.Equal(oldCfg.Env, newCfg.Env))
	add("inheritParentEnv", oldCfg.InheritParentEnv != newCfg.InheritParentEnv)
	add("envFilter", !slices.Equal(oldCfg.EnvFilter, newCfg.EnvFilter))
	add("restartOnExit", oldCfg.RestartOnExit != newCfg.RestartOnExit)
	add("maxRestarts", oldCfg.MaxRestarts != newCfg.MaxRestarts)
	add("restartDelay", oldCfg.RestartDelayMs != newCfg.RestartDelayMs)
	add("type", oldCfg.Type != newCfg.Type)
	add("url", oldCfg.URL != newCfg.URL)
	add("headers", !maps.Equal(oldCfg.Headers, newCfg.Headers))
	add("oauth", !oauthEqual(oldCfg.OAuth, newCfg.OAuth))
	add("tags", !tagsEqual(oldCfg.Tags, newCfg.Tags))
	add("timeout", oldCfg.TimeoutMs != newCfg.TimeoutMs)
	add("connectionTimeout", oldCfg.ConnectionTimeoutMs != newCfg.ConnectionTimeoutMs)
	add("requestTimeout", oldCfg.RequestTimeoutMs != newCfg.RequestTimeoutMs)
	add("disabled", oldCfg.Disabled != newCfg.Disabled)

	sort.Strings(fields)
	return fields
}

func oauthEqual(a, b *OAuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Enabled == b.Enabled &&
		a.ClientID == b.ClientID &&
		a.RedirectURI == b.RedirectURI &&
		slices.Equal(a.Scopes, b.Scopes)
}

// tagsEqual compares tags as sets; reordering tags is not a change.
func tagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	sort.Strings(as)
	sort.Strings(bs)
	return slices.Equal(as, bs)
}
