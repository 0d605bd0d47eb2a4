package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimcp/unimcp/internal/config"
	"github.com/unimcp/unimcp/internal/mcperr"
)

func newTestManager(dial func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error)) *Manager {
	m := NewManager(Options{SelfName: "unimcp-proxy", SelfVersion: "test"})
	m.dial = dial
	return m
}

func httpConfig(name string) *config.UpstreamConfig {
	return &config.UpstreamConfig{Name: name, URL: "http://" + name + ".example"}
}

func TestCreateOneSuccess(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{
			serverInfo:   mcp.Implementation{Name: "files-server", Version: "2.0"},
			instructions: "use the files tools",
		}, nil
	})

	err := m.CreateOne(context.Background(), httpConfig("files"))
	require.NoError(t, err)

	snap, ok := m.Get("files")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, "files-server", snap.ServerInfo.Name)
	assert.Equal(t, "use the files tools", snap.Instructions)
	assert.NoError(t, snap.LastError)
	assert.False(t, snap.ConnectedAt.IsZero())
}

func TestCreateOneFailure(t *testing.T) {
	dialErr := mcperr.Wrap(mcperr.KindConnectionFailed, "all attempts failed", errors.New("refused"))
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return nil, dialErr
	})

	err := m.CreateOne(context.Background(), httpConfig("down"))
	require.Error(t, err)

	snap, ok := m.Get("down")
	require.True(t, ok)
	assert.Equal(t, StatusError, snap.Status)
	assert.True(t, mcperr.IsKind(snap.LastError, mcperr.KindConnectionFailed))
}

func TestCreateOneOAuthParksUpstream(t *testing.T) {
	pending := &oauthPendingError{authURL: "https://auth.example/authorize?x=1"}
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return nil, mcperr.Wrap(mcperr.KindOAuthRequired, "authorization required", pending).WithServer(cfg.Name)
	})

	err := m.CreateOne(context.Background(), httpConfig("secured"))
	assert.True(t, mcperr.IsKind(err, mcperr.KindOAuthRequired))

	snap, ok := m.Get("secured")
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingOAuth, snap.Status)
	assert.Equal(t, "https://auth.example/authorize?x=1", snap.AuthorizationURL)
}

func TestCreateOneSkipsDisabled(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		t.Fatal("dial must not be called for a disabled upstream")
		return nil, nil
	})

	cfg := httpConfig("off")
	cfg.Disabled = true
	require.NoError(t, m.CreateOne(context.Background(), cfg))

	_, ok := m.Get("off")
	assert.False(t, ok)
}

func TestConcurrentCreateOneDeduplicates(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		dials.Add(1)
		<-release
		return &connection{}, nil
	})

	cfg := httpConfig("shared")
	const callers = 10
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.CreateOne(context.Background(), cfg)
		}(i)
	}

	// Give every caller a chance to either start the dial or join it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCreateAll(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		if cfg.Name == "bad" {
			return nil, mcperr.Wrap(mcperr.KindConnectionFailed, "all attempts failed", errors.New("refused"))
		}
		return &connection{}, nil
	})

	err := m.CreateAll(context.Background(), map[string]*config.UpstreamConfig{
		"good":     httpConfig("good"),
		"bad":      httpConfig("bad"),
		"disabled": {Name: "disabled", URL: "http://d.example", Disabled: true},
	})
	require.NoError(t, err)

	good, _ := m.Get("good")
	assert.Equal(t, StatusConnected, good.Status)
	bad, _ := m.Get("bad")
	assert.Equal(t, StatusError, bad.Status)
	_, ok := m.Get("disabled")
	assert.False(t, ok)

	assert.Equal(t, []string{"bad", "good"}, m.TransportNames())
	assert.Len(t, m.Connected(), 1)
}

func TestCreateAllClearsPreviousRecords(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{}, nil
	})

	require.NoError(t, m.CreateOne(context.Background(), httpConfig("old")))
	require.NoError(t, m.CreateAll(context.Background(), map[string]*config.UpstreamConfig{
		"new": httpConfig("new"),
	}))

	_, ok := m.Get("old")
	assert.False(t, ok)
	_, ok = m.Get("new")
	assert.True(t, ok)
}

func TestExecuteOn(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{}, nil
	})
	require.NoError(t, m.CreateOne(context.Background(), httpConfig("up")))

	called := false
	err := m.ExecuteOn(context.Background(), "up", func(ctx context.Context, cli *mcpclient.Client) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	err = m.ExecuteOn(context.Background(), "missing", func(ctx context.Context, cli *mcpclient.Client) error {
		return nil
	})
	assert.True(t, mcperr.IsKind(err, mcperr.KindNotFound))
}

func TestExecuteOnNotConnected(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return nil, mcperr.Wrap(mcperr.KindConnectionFailed, "down", errors.New("refused"))
	})
	_ = m.CreateOne(context.Background(), httpConfig("broken"))

	err := m.ExecuteOn(context.Background(), "broken", func(ctx context.Context, cli *mcpclient.Client) error {
		t.Fatal("op must not run against a non-connected upstream")
		return nil
	})
	assert.True(t, mcperr.IsKind(err, mcperr.KindNotConnected))
}

func TestExecuteOnAppliesRequestTimeout(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{}, nil
	})
	cfg := httpConfig("timed")
	cfg.RequestTimeoutMs = 50
	require.NoError(t, m.CreateOne(context.Background(), cfg))

	err := m.ExecuteOn(context.Background(), "timed", func(ctx context.Context, cli *mcpclient.Client) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 40*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}

func TestCompleteOAuthAndReconnect(t *testing.T) {
	var exchangedCode string
	pending := &oauthPendingError{
		authURL: "https://auth.example/authorize",
		exchange: func(ctx context.Context, code string) error {
			exchangedCode = code
			return nil
		},
	}

	oauthPhase := true
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		if oauthPhase {
			return nil, mcperr.Wrap(mcperr.KindOAuthRequired, "authorization required", pending).WithServer(cfg.Name)
		}
		return &connection{serverInfo: mcp.Implementation{Name: "secured-server"}}, nil
	})

	_ = m.CreateOne(context.Background(), httpConfig("secured"))
	snap, _ := m.Get("secured")
	require.Equal(t, StatusAwaitingOAuth, snap.Status)

	oauthPhase = false
	require.NoError(t, m.CompleteOAuthAndReconnect(context.Background(), "secured", "auth-code-123"))

	assert.Equal(t, "auth-code-123", exchangedCode)
	snap, _ = m.Get("secured")
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Empty(t, snap.AuthorizationURL)
}

func TestCompleteOAuthWrongState(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{}, nil
	})
	require.NoError(t, m.CreateOne(context.Background(), httpConfig("plain")))

	err := m.CompleteOAuthAndReconnect(context.Background(), "plain", "code")
	assert.True(t, mcperr.IsKind(err, mcperr.KindInvalidParams))

	err = m.CompleteOAuthAndReconnect(context.Background(), "missing", "code")
	assert.True(t, mcperr.IsKind(err, mcperr.KindNotFound))
}

func TestCompleteOAuthExchangeFailure(t *testing.T) {
	pending := &oauthPendingError{
		authURL: "https://auth.example/authorize",
		exchange: func(ctx context.Context, code string) error {
			return errors.New("invalid grant")
		},
	}
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return nil, mcperr.Wrap(mcperr.KindOAuthRequired, "authorization required", pending).WithServer(cfg.Name)
	})
	_ = m.CreateOne(context.Background(), httpConfig("secured"))

	err := m.CompleteOAuthAndReconnect(context.Background(), "secured", "bad-code")
	assert.True(t, mcperr.IsKind(err, mcperr.KindOAuthRequired))

	// The upstream stays parked so the operator can retry with a new code.
	snap, _ := m.Get("secured")
	assert.Equal(t, StatusAwaitingOAuth, snap.Status)
}

func TestRemoveAndIsRunning(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{}, nil
	})
	require.NoError(t, m.CreateOne(context.Background(), httpConfig("gone")))
	assert.True(t, m.IsRunning("gone"))

	require.NoError(t, m.Remove("gone"))
	assert.False(t, m.IsRunning("gone"))

	// Removing twice is a no-op.
	require.NoError(t, m.Remove("gone"))
}

func TestUpdateUpstreamMetadata(t *testing.T) {
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		return &connection{}, nil
	})
	require.NoError(t, m.CreateOne(context.Background(), httpConfig("tagged")))

	updated := httpConfig("tagged")
	updated.Tags = []string{"prod", "storage"}
	m.UpdateUpstreamMetadata("tagged", updated)

	snap, _ := m.Get("tagged")
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, []string{"prod", "storage"}, snap.Tags)
}

// exitingDialer returns connections whose exit the test controls, as the
// stderr forwarder does for real stdio children.
func exitingDialer() (func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error), func() []*connection) {
	var mu sync.Mutex
	var conns []*connection
	dial := func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		c := &connection{exited: make(chan struct{})}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}
	snapshot := func() []*connection {
		mu.Lock()
		defer mu.Unlock()
		return append([]*connection(nil), conns...)
	}
	return dial, snapshot
}

func supervisedConfig(name string, maxRestarts int) *config.UpstreamConfig {
	return &config.UpstreamConfig{
		Name:           name,
		Command:        name + "-server",
		RestartOnExit:  true,
		MaxRestarts:    maxRestarts,
		RestartDelayMs: 1,
	}
}

func TestSuperviseRestartsExitedChild(t *testing.T) {
	dial, conns := exitingDialer()
	m := newTestManager(dial)

	require.NoError(t, m.CreateOne(context.Background(), supervisedConfig("child", 3)))
	close(conns()[0].exited)

	require.Eventually(t, func() bool {
		if len(conns()) < 2 {
			return false
		}
		snap, ok := m.Get("child")
		return ok && snap.Status == StatusConnected
	}, time.Second, 2*time.Millisecond, "exited child was not restarted")
}

func TestSuperviseIgnoresDeliberateClose(t *testing.T) {
	dial, conns := exitingDialer()
	m := newTestManager(dial)

	require.NoError(t, m.CreateOne(context.Background(), supervisedConfig("calm", 3)))
	require.NoError(t, m.Remove("calm"))
	close(conns()[0].exited)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conns(), 1)
	assert.False(t, m.IsRunning("calm"))
}

func TestSuperviseStopsAfterRestartBudget(t *testing.T) {
	dial, conns := exitingDialer()
	m := newTestManager(dial)

	require.NoError(t, m.CreateOne(context.Background(), supervisedConfig("flappy", 1)))
	close(conns()[0].exited)

	require.Eventually(t, func() bool {
		list := conns()
		if len(list) < 2 {
			return false
		}
		snap, ok := m.Get("flappy")
		return ok && snap.Status == StatusConnected
	}, time.Second, 2*time.Millisecond)

	// The second exit spends the budget; the upstream stays down.
	close(conns()[1].exited)
	require.Eventually(t, func() bool {
		snap, ok := m.Get("flappy")
		return ok && snap.Status == StatusError
	}, time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conns(), 2)
	snap, _ := m.Get("flappy")
	assert.ErrorContains(t, snap.LastError, "process exited")
}

func TestRestartUpstream(t *testing.T) {
	var dials atomic.Int32
	m := newTestManager(func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error) {
		dials.Add(1)
		return &connection{}, nil
	})
	cfg := httpConfig("bounce")
	require.NoError(t, m.StartUpstream(context.Background(), cfg))
	require.NoError(t, m.RestartUpstream(context.Background(), cfg))

	assert.Equal(t, int32(2), dials.Load())
	snap, _ := m.Get("bounce")
	assert.Equal(t, StatusConnected, snap.Status)
}
