package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/router"
	"github.com/unimcp/unimcp/pkg/logging"
)

type ctxKey int

const sessionOptionsKey ctxKey = iota

// requestContext resolves the per-session options from the request's query
// parameters: pagination, preset, filter (expression), tags (+mode),
// template, and context.* entries (context.project=billing becomes the
// session context entry "project"). Precedence among the filter forms is
// preset > filter > tags. Invalid parameters degrade to no filter with a
// warning rather than failing the whole request.
func (s *Server) requestContext(ctx context.Context, r *http.Request) context.Context {
	q := r.URL.Query()

	sessCtx := make(map[string]any)
	for key, vals := range q {
		if name, ok := strings.CutPrefix(key, "context."); ok && name != "" && len(vals) > 0 {
			sessCtx[name] = vals[0]
		}
	}

	present := len(sessCtx) > 0
	for _, key := range []string{"pagination", "preset", "filter", "tags", "mode", "template"} {
		if q.Has(key) {
			present = true
			break
		}
	}
	if !present {
		return ctx
	}

	var tags []string
	if raw := q.Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	f, err := filter.FromRequest(q.Get("preset"), q.Get("filter"), tags, q.Get("mode"))
	if err != nil {
		logging.Warn("Server", "Ignoring invalid filter parameters %q: %v", r.URL.RawQuery, err)
		f = filter.None()
	}

	opts := router.SessionOptions{
		Filter:         f,
		Pagination:     q.Get("pagination") == "true",
		CustomTemplate: q.Get("template"),
	}
	if len(sessCtx) > 0 {
		opts.Context = sessCtx
	}
	return context.WithValue(ctx, sessionOptionsKey, opts)
}

func optionsFromContext(ctx context.Context) (router.SessionOptions, bool) {
	opts, ok := ctx.Value(sessionOptionsKey).(router.SessionOptions)
	return opts, ok
}

func (s *Server) httpContext(ctx context.Context, r *http.Request) context.Context {
	return s.requestContext(ctx, r)
}

func (s *Server) sseContext(ctx context.Context, r *http.Request) context.Context {
	return s.requestContext(ctx, r)
}

// onRegisterSession binds the transport-level session to the router. For
// streamable HTTP the id manager already created the session, so only the
// request-resolved options are applied; for SSE and stdio the session is
// created here.
func (s *Server) onRegisterSession(ctx context.Context, session server.ClientSession) {
	id := session.SessionID()
	opts, hasOpts := optionsFromContext(ctx)
	if opts.Filter == nil {
		opts.Filter = filter.None()
	}
	opts.TransportKind = s.cfg.Transport

	if _, exists := s.sessions.Get(id); exists {
		if !hasOpts {
			return
		}
		if err := s.sessions.Configure(ctx, id, opts); err != nil {
			logging.Warn("Server", "Failed to configure session %s: %v", id, err)
		}
		return
	}
	if _, err := s.sessions.Create(ctx, id, opts); err != nil {
		logging.Warn("Server", "Failed to create session %s: %v", id, err)
	}
}

// afterInitialize records the client's self-reported identity in the
// session context so templates and operators can see who is on the other
// end of the session.
func (s *Server) afterInitialize(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil {
		return
	}
	info := message.Params.ClientInfo
	if info.Name == "" {
		return
	}
	err := s.sessions.MergeContext(ctx, cs.SessionID(), map[string]any{
		"clientName":    info.Name,
		"clientVersion": info.Version,
	})
	if err != nil {
		logging.Debug("Server", "Could not record client info for session %s: %v", cs.SessionID(), err)
	}
}

// onUnregisterSession drops SSE and stdio sessions, which die with their
// connection. Streamable-HTTP sessions outlive individual requests and are
// dropped by the id manager's Terminate.
func (s *Server) onUnregisterSession(ctx context.Context, session server.ClientSession) {
	if s.cfg.Transport == router.TransportHTTP {
		return
	}
	s.sessions.Drop(ctx, session.SessionID())
}
