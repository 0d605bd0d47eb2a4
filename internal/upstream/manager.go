// Package upstream owns the lifecycle of every upstream MCP client: bounded
// concurrent bulk connection, per-upstream retry with backoff, OAuth
// interception, and a status record per upstream that the routing and
// aggregation layers read.
package upstream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/unimcp/unimcp/internal/config"
	"github.com/unimcp/unimcp/internal/mcperr"
	"github.com/unimcp/unimcp/pkg/logging"
)

// maxConcurrentConnects caps how many upstreams CreateAll dials at once.
const maxConcurrentConnects = 10

// closeTimeout bounds how long Remove waits for a transport to shut down.
const closeTimeout = 5 * time.Second

// record is the per-upstream connection state. The manager's mutex guards
// every field; snapshots are taken under the read lock.
type record struct {
	cfg         *config.UpstreamConfig
	status      Status
	conn        *connection
	lastError   error
	authURL     string
	oauth       *oauthPendingError
	connectedAt time.Time
}

// connectFuture deduplicates concurrent connect calls for one upstream.
// Whoever joins waits on done and observes the same outcome.
type connectFuture struct {
	done chan struct{}
	err  error
}

func (f *connectFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return mcperr.Wrap(mcperr.KindCancelled, "wait for in-flight connect cancelled", ctx.Err())
	}
}

// Snapshot is an immutable view of one upstream record.
type Snapshot struct {
	Name             string
	Status           Status
	Transport        config.TransportType
	Tags             []string
	ServerInfo       mcp.Implementation
	Capabilities     mcp.ServerCapabilities
	Instructions     string
	AuthorizationURL string
	LastError        error
	ConnectedAt      time.Time
}

// Manager is the process-wide upstream connection manager.
type Manager struct {
	mu          sync.RWMutex
	records     map[string]*record
	inflight    map[string]*connectFuture
	supervising map[string]struct{}
	sem         *semaphore.Weighted

	dialer *dialer
	// dial is the indirection point for tests; production delegates to
	// dialer.dial.
	dial func(ctx context.Context, cfg *config.UpstreamConfig) (*connection, error)
}

// Options tunes manager construction.
type Options struct {
	// SelfName is the server name this proxy advertises. Connect attempts
	// that reach an upstream reporting this name are refused as circular.
	SelfName string

	// SelfVersion is sent as the client version during the MCP handshake.
	SelfVersion string

	// TokenDir enables file-backed OAuth token persistence when set.
	TokenDir string
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	d := newDialer(opts.SelfName, opts.SelfVersion, opts.TokenDir)
	m := &Manager{
		records:     make(map[string]*record),
		inflight:    make(map[string]*connectFuture),
		supervising: make(map[string]struct{}),
		sem:         semaphore.NewWeighted(maxConcurrentConnects),
		dialer:      d,
	}
	m.dial = d.dial
	return m
}

// CreateAll closes every existing record and connects the given upstreams,
// at most maxConcurrentConnects at a time. It returns once every enabled
// upstream has reached a terminal status; individual failures are recorded
// on the upstream and logged, never propagated.
func (m *Manager) CreateAll(ctx context.Context, cfgs map[string]*config.UpstreamConfig) error {
	m.CloseAll()

	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	for _, name := range names {
		cfg := cfgs[name]
		if cfg.Disabled {
			logging.Debug("UpstreamManager", "Skipping disabled upstream %s", name)
			continue
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return mcperr.Wrap(mcperr.KindCancelled, "bulk connect cancelled", err)
		}
		wg.Add(1)
		go func(cfg *config.UpstreamConfig) {
			defer wg.Done()
			defer m.sem.Release(1)
			if err := m.CreateOne(ctx, cfg); err != nil {
				if mcperr.IsKind(err, mcperr.KindOAuthRequired) {
					logging.Warn("UpstreamManager", "Upstream %s awaits authorization", cfg.Name)
				} else {
					logging.Error("UpstreamManager", err, "Failed to connect upstream %s", cfg.Name)
				}
			}
		}(cfg)
	}
	wg.Wait()

	m.mu.RLock()
	connected := 0
	for _, rec := range m.records {
		if rec.status == StatusConnected {
			connected++
		}
	}
	total := len(m.records)
	m.mu.RUnlock()
	logging.Info("UpstreamManager", "Bulk connect finished: %d/%d upstreams connected", connected, total)
	return nil
}

// CreateOne connects a single upstream. A concurrent CreateOne for the same
// name joins the in-flight attempt and observes its outcome instead of
// dialing again. Disabled upstreams are skipped.
func (m *Manager) CreateOne(ctx context.Context, cfg *config.UpstreamConfig) error {
	if cfg.Disabled {
		return nil
	}

	m.mu.Lock()
	if fut, ok := m.inflight[cfg.Name]; ok {
		m.mu.Unlock()
		return fut.wait(ctx)
	}
	fut := &connectFuture{done: make(chan struct{})}
	m.inflight[cfg.Name] = fut

	if prev, ok := m.records[cfg.Name]; ok && prev.conn != nil {
		go prev.conn.close()
	}
	m.records[cfg.Name] = &record{cfg: cfg, status: StatusConnecting}
	m.mu.Unlock()

	err := m.connect(ctx, cfg)

	m.mu.Lock()
	delete(m.inflight, cfg.Name)
	if err == nil && cfg.RestartOnExit && cfg.Transport() == config.TransportStdio {
		if _, ok := m.supervising[cfg.Name]; !ok {
			m.supervising[cfg.Name] = struct{}{}
			go m.superviseStdio(cfg)
		}
	}
	m.mu.Unlock()

	fut.err = err
	close(fut.done)
	return err
}

// superviseStdio restarts a stdio upstream whose child process exits on its
// own. One supervisor runs per upstream; it follows the record across
// reconnects and stops on deliberate closes, on record replacement, or once
// the restart budget is spent.
func (m *Manager) superviseStdio(cfg *config.UpstreamConfig) {
	defer func() {
		m.mu.Lock()
		delete(m.supervising, cfg.Name)
		m.mu.Unlock()
	}()

	restarts := 0
	for {
		m.mu.RLock()
		rec, ok := m.records[cfg.Name]
		var conn *connection
		if ok {
			conn = rec.conn
		}
		m.mu.RUnlock()
		if conn == nil || conn.exited == nil {
			return
		}

		<-conn.exited
		if conn.closing.Load() {
			return
		}

		m.mu.Lock()
		rec, ok = m.records[cfg.Name]
		if !ok || rec.conn != conn {
			m.mu.Unlock()
			return
		}
		rec.status = StatusError
		rec.lastError = mcperr.Newf(mcperr.KindConnectionFailed, "upstream process exited").WithServer(cfg.Name)
		rec.conn = nil
		m.mu.Unlock()
		go conn.close()

		if cfg.MaxRestarts > 0 && restarts >= cfg.MaxRestarts {
			logging.Warn("UpstreamManager", "Upstream %s exited; restart budget of %d spent, giving up",
				cfg.Name, cfg.MaxRestarts)
			return
		}
		restarts++
		logging.Warn("UpstreamManager", "Upstream %s process exited, restarting in %s (restart %d)",
			cfg.Name, cfg.RestartDelay(), restarts)
		time.Sleep(cfg.RestartDelay())

		// The upstream may have been removed during the delay; a restart
		// must not resurrect it.
		m.mu.RLock()
		_, stillKnown := m.records[cfg.Name]
		m.mu.RUnlock()
		if !stillKnown {
			return
		}

		if err := m.CreateOne(context.Background(), cfg); err != nil {
			// The failure is already recorded on the upstream.
			return
		}
	}
}

// connect performs the dial and applies the outcome to the record. The
// record may have been removed while the dial was in flight; in that case
// the fresh connection is discarded.
func (m *Manager) connect(ctx context.Context, cfg *config.UpstreamConfig) error {
	conn, err := m.dial(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[cfg.Name]
	if !ok {
		if conn != nil {
			go conn.close()
		}
		return err
	}

	switch {
	case err == nil:
		rec.status = StatusConnected
		rec.conn = conn
		rec.lastError = nil
		rec.authURL = ""
		rec.oauth = nil
		rec.connectedAt = time.Now()

	case mcperr.IsKind(err, mcperr.KindOAuthRequired):
		var pending *oauthPendingError
		if errors.As(err, &pending) {
			rec.authURL = pending.authURL
			rec.oauth = pending
		}
		rec.status = StatusAwaitingOAuth
		rec.lastError = err

	default:
		rec.status = StatusError
		rec.lastError = err
	}
	return err
}

// Remove closes the upstream's transport and drops its record. Removing an
// unknown upstream is a no-op.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if ok {
		delete(m.records, name)
	}
	m.mu.Unlock()

	if !ok || rec.conn == nil {
		return nil
	}
	closeConnection(name, rec.conn)
	return nil
}

// closeConnection closes a transport with a bounded wait; a hung subprocess
// must not block teardown.
func closeConnection(name string, conn *connection) {
	done := make(chan struct{})
	go func() {
		if err := conn.close(); err != nil {
			logging.Debug("UpstreamManager", "Error closing %s: %v", name, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		logging.Warn("UpstreamManager", "Closing transport for %s timed out", name)
	}
}

// CloseAll tears down every connection and clears the record map.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	records := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, rec := range records {
		if rec.conn == nil {
			continue
		}
		wg.Add(1)
		go func(name string, conn *connection) {
			defer wg.Done()
			closeConnection(name, conn)
		}(name, rec.conn)
	}
	wg.Wait()
}

// Get returns a snapshot of one upstream record.
func (m *Manager) Get(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[name]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(name), true
}

// All returns snapshots of every record, sorted by name.
func (m *Manager) All() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.records))
	for name, rec := range m.records {
		out = append(out, rec.snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connected returns snapshots of the upstreams in Connected state, sorted
// by name.
func (m *Manager) Connected() []Snapshot {
	all := m.All()
	out := all[:0]
	for _, s := range all {
		if s.Status == StatusConnected {
			out = append(out, s)
		}
	}
	return out
}

// TransportNames lists the names of every known upstream, sorted.
func (m *Manager) TransportNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *record) snapshot(name string) Snapshot {
	s := Snapshot{
		Name:             name,
		Status:           r.status,
		Transport:        r.cfg.Transport(),
		Tags:             append([]string(nil), r.cfg.Tags...),
		AuthorizationURL: r.authURL,
		LastError:        r.lastError,
		ConnectedAt:      r.connectedAt,
	}
	if r.conn != nil {
		s.ServerInfo = r.conn.serverInfo
		s.Capabilities = r.conn.capabilities
		s.Instructions = r.conn.instructions
	}
	return s
}

// ExecuteOn runs op against the live client of a connected upstream,
// applying the upstream's request timeout. It fails with NotFound for an
// unknown name and NotConnected for any non-Connected state.
func (m *Manager) ExecuteOn(ctx context.Context, name string, op func(ctx context.Context, cli *mcpclient.Client) error) error {
	m.mu.RLock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.RUnlock()
		return mcperr.Newf(mcperr.KindNotFound, "unknown upstream %q", name).WithServer(name)
	}
	if rec.status != StatusConnected || rec.conn == nil {
		status := rec.status
		m.mu.RUnlock()
		return mcperr.Newf(mcperr.KindNotConnected, "upstream %q is %s", name, status).WithServer(name)
	}
	cli := rec.conn.client
	timeout := rec.cfg.RequestTimeout()
	m.mu.RUnlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return op(ctx, cli)
}

// CompleteOAuthAndReconnect finishes a pending authorization flow with the
// code from the redirect, then reconnects the upstream with the obtained
// token. The upstream must currently be in AwaitingOAuth.
func (m *Manager) CompleteOAuthAndReconnect(ctx context.Context, name, code string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return mcperr.Newf(mcperr.KindNotFound, "unknown upstream %q", name).WithServer(name)
	}
	if rec.status != StatusAwaitingOAuth || rec.oauth == nil {
		status := rec.status
		m.mu.Unlock()
		return mcperr.Newf(mcperr.KindInvalidParams,
			"upstream %q is %s, not awaiting authorization", name, status).WithServer(name)
	}
	pending := rec.oauth
	cfg := rec.cfg
	m.mu.Unlock()

	if err := pending.exchange(ctx, code); err != nil {
		return mcperr.Wrap(mcperr.KindOAuthRequired, "authorization exchange failed", err).WithServer(name)
	}

	logging.Info("UpstreamManager", "Authorization completed for %s, reconnecting", name)
	return m.CreateOne(ctx, cfg)
}

// Manager implements config.ConnectionController so the configuration
// reactor can drive it.
var _ config.ConnectionController = (*Manager)(nil)

// StartUpstream connects a newly configured or re-enabled upstream.
func (m *Manager) StartUpstream(ctx context.Context, cfg *config.UpstreamConfig) error {
	return m.CreateOne(ctx, cfg)
}

// StopUpstream disconnects and forgets an upstream.
func (m *Manager) StopUpstream(ctx context.Context, name string) error {
	return m.Remove(name)
}

// RestartUpstream tears the connection down and reconnects with the new
// definition.
func (m *Manager) RestartUpstream(ctx context.Context, cfg *config.UpstreamConfig) error {
	if err := m.Remove(cfg.Name); err != nil {
		return err
	}
	return m.CreateOne(ctx, cfg)
}

// UpdateUpstreamMetadata swaps in a new definition without touching the
// live connection. Used for tags-only configuration changes.
func (m *Manager) UpdateUpstreamMetadata(name string, cfg *config.UpstreamConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[name]; ok {
		rec.cfg = cfg
	}
}

// IsRunning reports whether the upstream currently has a record.
func (m *Manager) IsRunning(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[name]
	return ok
}
