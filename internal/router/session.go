// Package router terminates inbound MCP sessions and dispatches their
// requests to the right upstreams. A session carries a filter that selects
// the visible upstream set; list operations fan out across that set while
// invoke operations resolve exactly one upstream from the namespaced name.
package router

import (
	"time"

	"github.com/unimcp/unimcp/internal/filter"
)

// Transport kinds a session can be bound to.
const (
	TransportHTTP  = "http"
	TransportSSE   = "sse"
	TransportStdio = "stdio"
)

// SessionPrefix namespaces generated streamable-HTTP session ids.
const SessionPrefix = "stream-"

// State is the persisted part of a session: everything needed to rebuild
// it in a fresh process.
type State struct {
	Filter         *filter.Filter `json:"filter,omitempty"`
	Pagination     bool           `json:"pagination,omitempty"`
	CustomTemplate string         `json:"customTemplate,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	TransportKind  string         `json:"transportKind,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccess     time.Time      `json:"lastAccess"`
}

// Session is one live downstream MCP conversation.
type Session struct {
	ID             string
	Filter         *filter.Filter
	Pagination     bool
	CustomTemplate string
	Context        map[string]any
	TransportKind  string
	CreatedAt      time.Time

	// Restored marks a session rebuilt from the repository; the MCP
	// handshake must not be replayed for it.
	Restored bool
}

// EffectiveFilter never returns nil.
func (s *Session) EffectiveFilter() *filter.Filter {
	if s == nil || s.Filter == nil {
		return filter.None()
	}
	return s.Filter
}

func (s *Session) state() *State {
	return &State{
		Filter:         s.Filter,
		Pagination:     s.Pagination,
		CustomTemplate: s.CustomTemplate,
		Context:        s.Context,
		TransportKind:  s.TransportKind,
		CreatedAt:      s.CreatedAt,
		LastAccess:     time.Now(),
	}
}

func sessionFromState(id string, st *State) *Session {
	return &Session{
		ID:             id,
		Filter:         st.Filter,
		Pagination:     st.Pagination,
		CustomTemplate: st.CustomTemplate,
		Context:        st.Context,
		TransportKind:  st.TransportKind,
		CreatedAt:      st.CreatedAt,
		Restored:       true,
	}
}
