package server

import (
	"context"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/mcperr"
	"github.com/unimcp/unimcp/internal/router"
	"github.com/unimcp/unimcp/internal/schema"
	"github.com/unimcp/unimcp/internal/upstream"
)

// fakeView is an in-memory UpstreamView for inbound-server tests.
type fakeView struct {
	snapshots map[string]upstream.Snapshot
	tools     map[string][]mcp.Tool
	resources map[string][]mcp.Resource
	prompts   map[string][]mcp.Prompt
	callErr   map[string]error
}

func newFakeView() *fakeView {
	return &fakeView{
		snapshots: make(map[string]upstream.Snapshot),
		tools:     make(map[string][]mcp.Tool),
		resources: make(map[string][]mcp.Resource),
		prompts:   make(map[string][]mcp.Prompt),
		callErr:   make(map[string]error),
	}
}

func (f *fakeView) addServer(name string, tags []string, tools ...mcp.Tool) {
	f.snapshots[name] = upstream.Snapshot{Name: name, Status: upstream.StatusConnected, Tags: tags}
	f.tools[name] = tools
}

func (f *fakeView) All() []upstream.Snapshot {
	var out []upstream.Snapshot
	for _, snap := range f.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeView) Connected() []upstream.Snapshot {
	var out []upstream.Snapshot
	for _, snap := range f.All() {
		if snap.Status == upstream.StatusConnected {
			out = append(out, snap)
		}
	}
	return out
}

func (f *fakeView) Get(name string) (upstream.Snapshot, bool) {
	snap, ok := f.snapshots[name]
	return snap, ok
}

func (f *fakeView) ListTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	return f.tools[name], nil
}

func (f *fakeView) CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := f.callErr[name]; err != nil {
		return nil, err
	}
	return mcp.NewToolResultText("ok from " + name), nil
}

func (f *fakeView) ListResources(ctx context.Context, name string) ([]mcp.Resource, error) {
	return f.resources[name], nil
}

func (f *fakeView) ReadResource(ctx context.Context, name, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeView) ListPrompts(ctx context.Context, name string) ([]mcp.Prompt, error) {
	return f.prompts[name], nil
}

func (f *fakeView) GetPrompt(ctx context.Context, name, prompt string, args map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func newTestServer(t *testing.T, view UpstreamView, transport string) (*Server, *router.Sessions) {
	t.Helper()
	namer, err := router.NewNamer(router.DefaultToolPattern)
	require.NoError(t, err)
	sessions := router.NewSessions(router.NewMemoryRepository(), false)
	dispatch := router.NewDispatcher(view, schema.NewCache(100, time.Minute), namer, filter.NewPresetStore())
	srv := New(Config{
		Name:      "unimcp-proxy",
		Version:   "test",
		Transport: transport,
	}, sessions, dispatch, namer, view)
	return srv, sessions
}

func TestRequestContextNoParams(t *testing.T) {
	srv, _ := newTestServer(t, newFakeView(), router.TransportHTTP)

	r := httptest.NewRequest("POST", "/mcp", nil)
	ctx := srv.requestContext(context.Background(), r)
	_, ok := optionsFromContext(ctx)
	assert.False(t, ok)
}

func TestRequestContextParams(t *testing.T) {
	srv, _ := newTestServer(t, newFakeView(), router.TransportHTTP)

	tests := []struct {
		name           string
		query          string
		wantPagination bool
		wantTemplate   string
		matches        []string
		rejects        []string
	}{
		{
			name:    "tag list",
			query:   "tags=prod,db",
			matches: []string{"prod"},
			rejects: []string{"dev"},
		},
		{
			name:    "tag list and mode",
			query:   "tags=prod,db&mode=and",
			matches: []string{"prod", "db"},
			rejects: []string{"prod"},
		},
		{
			name:    "expression",
			query:   "filter=prod+and+not+legacy",
			matches: []string{"prod"},
			rejects: []string{"prod", "legacy"},
		},
		{
			name:    "expression wins over tags",
			query:   "filter=prod&tags=dev",
			matches: []string{"prod"},
			rejects: []string{"dev"},
		},
		{
			name:           "pagination and template",
			query:          "pagination=true&template=custom",
			wantPagination: true,
			wantTemplate:   "custom",
			matches:        []string{"anything"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/mcp?"+tt.query, nil)
			ctx := srv.requestContext(context.Background(), r)
			opts, ok := optionsFromContext(ctx)
			require.True(t, ok)
			assert.Equal(t, tt.wantPagination, opts.Pagination)
			assert.Equal(t, tt.wantTemplate, opts.CustomTemplate)
			require.NotNil(t, opts.Filter)
			if len(tt.matches) > 0 {
				assert.True(t, opts.Filter.Matches(tt.matches))
			}
			if len(tt.rejects) > 0 {
				assert.False(t, opts.Filter.Matches(tt.rejects))
			}
		})
	}
}

func TestRequestContextSessionContext(t *testing.T) {
	srv, _ := newTestServer(t, newFakeView(), router.TransportHTTP)

	r := httptest.NewRequest("POST", "/mcp?context.project=billing&context.user=sam", nil)
	ctx := srv.requestContext(context.Background(), r)
	opts, ok := optionsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"project": "billing", "user": "sam"}, opts.Context)
	assert.True(t, opts.Filter.IsNone())

	// Bare "context." contributes nothing.
	r = httptest.NewRequest("POST", "/mcp?context.=x", nil)
	ctx = srv.requestContext(context.Background(), r)
	_, ok = optionsFromContext(ctx)
	assert.False(t, ok)
}

func TestAfterInitializeCapturesClientInfo(t *testing.T) {
	srv, sessions := newTestServer(t, newFakeView(), router.TransportHTTP)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "stream-ci", router.SessionOptions{
		Filter:        filter.None(),
		Context:       map[string]any{"project": "billing"},
		TransportKind: router.TransportHTTP,
	})
	require.NoError(t, err)

	cs := &fakeClientSession{id: "stream-ci", notifChan: make(chan mcp.JSONRPCNotification, 1)}
	req := &mcp.InitializeRequest{}
	req.Params.ClientInfo = mcp.Implementation{Name: "inspector", Version: "1.2.0"}
	srv.afterInitialize(srv.mcp.WithContext(ctx, cs), 1, req, &mcp.InitializeResult{})

	sess, ok := sessions.Get("stream-ci")
	require.True(t, ok)
	assert.Equal(t, "inspector", sess.Context["clientName"])
	assert.Equal(t, "1.2.0", sess.Context["clientVersion"])
	// Entries from the request survive the merge.
	assert.Equal(t, "billing", sess.Context["project"])
}

func TestRequestContextInvalidFilter(t *testing.T) {
	srv, _ := newTestServer(t, newFakeView(), router.TransportHTTP)

	r := httptest.NewRequest("POST", "/mcp?filter=and+or", nil)
	ctx := srv.requestContext(context.Background(), r)
	opts, ok := optionsFromContext(ctx)
	require.True(t, ok)
	assert.True(t, opts.Filter.IsNone())
}

type fakeClientSession struct {
	id          string
	notifChan   chan mcp.JSONRPCNotification
	initialized bool
}

func (f *fakeClientSession) SessionID() string { return f.id }
func (f *fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return f.notifChan
}
func (f *fakeClientSession) Initialize()       { f.initialized = true }
func (f *fakeClientSession) Initialized() bool { return f.initialized }

func TestOnRegisterSessionCreates(t *testing.T) {
	srv, sessions := newTestServer(t, newFakeView(), router.TransportSSE)

	cs := &fakeClientSession{id: "sse-123", notifChan: make(chan mcp.JSONRPCNotification, 1)}
	r := httptest.NewRequest("GET", "/sse?tags=prod", nil)
	ctx := srv.requestContext(context.Background(), r)
	srv.onRegisterSession(ctx, cs)

	sess, ok := sessions.Get("sse-123")
	require.True(t, ok)
	assert.Equal(t, router.TransportSSE, sess.TransportKind)
	assert.True(t, sess.EffectiveFilter().Matches([]string{"prod"}))

	srv.onUnregisterSession(context.Background(), cs)
	_, ok = sessions.Get("sse-123")
	assert.False(t, ok)
}

func TestOnRegisterSessionConfiguresExisting(t *testing.T) {
	srv, sessions := newTestServer(t, newFakeView(), router.TransportHTTP)
	ctx := context.Background()

	// The id manager created the session before initialize arrived.
	sess, err := sessions.Create(ctx, "stream-abc", router.SessionOptions{
		Filter:        filter.None(),
		TransportKind: router.TransportHTTP,
	})
	require.NoError(t, err)
	require.True(t, sess.EffectiveFilter().IsNone())

	cs := &fakeClientSession{id: "stream-abc", notifChan: make(chan mcp.JSONRPCNotification, 1)}
	r := httptest.NewRequest("POST", "/mcp?tags=prod&pagination=true", nil)
	srv.onRegisterSession(srv.requestContext(ctx, r), cs)

	sess, ok := sessions.Get("stream-abc")
	require.True(t, ok)
	assert.True(t, sess.Pagination)
	assert.True(t, sess.EffectiveFilter().Matches([]string{"prod"}))

	// HTTP sessions survive unregister; only DELETE drops them.
	srv.onUnregisterSession(ctx, cs)
	_, ok = sessions.Get("stream-abc")
	assert.True(t, ok)
}

func TestRefreshRegistersAndReconciles(t *testing.T) {
	view := newFakeView()
	view.addServer("gh", []string{"code"}, mcp.Tool{Name: "create_issue"}, mcp.Tool{Name: "merge_pr"})
	view.addServer("db", []string{"data"}, mcp.Tool{Name: "query"})
	view.prompts["gh"] = []mcp.Prompt{{Name: "review"}}
	view.resources["db"] = []mcp.Resource{{URI: "db://schema"}}

	srv, _ := newTestServer(t, view, router.TransportHTTP)
	ctx := context.Background()

	srv.Refresh(ctx)

	srv.active.Lock()
	assert.Len(t, srv.active.tools, 3)
	assert.Contains(t, srv.active.tools, "gh_1mcp_create_issue")
	assert.Contains(t, srv.active.tools, "db_1mcp_query")
	assert.Len(t, srv.active.prompts, 1)
	assert.Contains(t, srv.active.prompts, "gh_1mcp_review")
	assert.Len(t, srv.active.resources, 1)
	srv.active.Unlock()

	// An upstream disappears; its items are reconciled away.
	delete(view.snapshots, "gh")
	delete(view.tools, "gh")
	delete(view.prompts, "gh")
	srv.Refresh(ctx)

	srv.active.Lock()
	assert.Len(t, srv.active.tools, 1)
	assert.Contains(t, srv.active.tools, "db_1mcp_query")
	assert.Empty(t, srv.active.prompts)
	srv.active.Unlock()
}

func TestFilterTools(t *testing.T) {
	view := newFakeView()
	view.addServer("gh", []string{"code"}, mcp.Tool{Name: "create_issue"})
	view.addServer("db", []string{"data"}, mcp.Tool{Name: "query"})

	srv, sessions := newTestServer(t, view, router.TransportHTTP)
	ctx := context.Background()

	f, err := filter.Tags([]string{"code"}, filter.ModeOr)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, "stream-filtered", router.SessionOptions{
		Filter:        f,
		TransportKind: router.TransportHTTP,
	})
	require.NoError(t, err)

	cs := &fakeClientSession{id: "stream-filtered", notifChan: make(chan mcp.JSONRPCNotification, 1)}
	sessCtx := srv.mcp.WithContext(ctx, cs)

	all := []mcp.Tool{
		{Name: "gh_1mcp_create_issue"},
		{Name: "db_1mcp_query"},
		{Name: "list_servers"},
	}
	got := srv.filterTools(sessCtx, all)
	names := make([]string, 0, len(got))
	for _, tool := range got {
		names = append(names, tool.Name)
	}
	// The hidden upstream's tool is gone; meta-tools always pass.
	assert.ElementsMatch(t, []string{"gh_1mcp_create_issue", "list_servers"}, names)

	// A session with no filter sees everything.
	got = srv.filterTools(ctx, all)
	assert.Len(t, got, 3)
}

func TestToolHandlerReportsErrorsInBand(t *testing.T) {
	view := newFakeView()
	view.addServer("gh", nil, mcp.Tool{Name: "x"})
	view.callErr["gh"] = mcperr.Newf(mcperr.KindNotConnected, "gone")

	srv, _ := newTestServer(t, view, router.TransportHTTP)

	handler := srv.toolHandler("gh_1mcp_x")
	result, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsError)
}

func TestHandleListServers(t *testing.T) {
	view := newFakeView()
	view.addServer("gh", []string{"code"}, mcp.Tool{Name: "x"})
	view.snapshots["pending"] = upstream.Snapshot{
		Name:             "pending",
		Status:           upstream.StatusAwaitingOAuth,
		AuthorizationURL: "https://auth.example.com/authorize",
	}

	srv, _ := newTestServer(t, view, router.TransportHTTP)

	result, err := srv.handleListServers(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"gh"`)
	assert.Contains(t, text.Text, `"awaiting_oauth"`)
	assert.Contains(t, text.Text, "https://auth.example.com/authorize")
}

func TestHandleGetInstructions(t *testing.T) {
	view := newFakeView()
	view.addServer("gh", []string{"code"}, mcp.Tool{Name: "create_issue"})
	view.addServer("db", []string{"data"}, mcp.Tool{Name: "query"})
	snap := view.snapshots["gh"]
	snap.Instructions = "File issues before merging."
	view.snapshots["gh"] = snap

	srv, sessions := newTestServer(t, view, router.TransportHTTP)
	ctx := context.Background()

	// Unfiltered session, default template.
	result, err := srv.handleGetInstructions(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "## gh")
	assert.Contains(t, text.Text, "File issues before merging.")
	assert.Contains(t, text.Text, "## db (no instructions provided)")

	// A filtered session with a custom template sees only its upstreams,
	// and the template can read the session context.
	f, err := filter.Tags([]string{"code"}, filter.ModeOr)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, "stream-tpl", router.SessionOptions{
		Filter:         f,
		CustomTemplate: "{{ len .Upstreams }} visible for {{ .Context.project }}",
		Context:        map[string]any{"project": "billing"},
		TransportKind:  router.TransportHTTP,
	})
	require.NoError(t, err)

	cs := &fakeClientSession{id: "stream-tpl", notifChan: make(chan mcp.JSONRPCNotification, 1)}
	result, err = srv.handleGetInstructions(srv.mcp.WithContext(ctx, cs), mcp.CallToolRequest{})
	require.NoError(t, err)
	text, ok = result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "1 visible for billing", text.Text)
}

func TestEndpoint(t *testing.T) {
	view := newFakeView()

	srv, _ := newTestServer(t, view, router.TransportHTTP)
	srv.cfg.Host = "127.0.0.1"
	srv.cfg.Port = 8090
	assert.Equal(t, "http://127.0.0.1:8090/mcp", srv.Endpoint())

	srv.cfg.Transport = router.TransportSSE
	assert.Equal(t, "http://127.0.0.1:8090/sse", srv.Endpoint())

	srv.cfg.Transport = router.TransportStdio
	assert.Equal(t, "stdio", srv.Endpoint())
}

func TestSSEPaths(t *testing.T) {
	// Clients subscribe on /sse and post requests to /messages?sessionId=…
	assert.Equal(t, "/sse", sseEndpoint)
	assert.Equal(t, "/messages", sseMessageEndpoint)
}
