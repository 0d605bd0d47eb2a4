package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/mcperr"
	"github.com/unimcp/unimcp/pkg/logging"
)

// SessionOptions captures the per-session settings resolved from the
// inbound request.
type SessionOptions struct {
	Filter         *filter.Filter
	Pagination     bool
	CustomTemplate string
	Context        map[string]any
	TransportKind  string
}

// Sessions owns the live session map and its backing repository. Live state
// is partitioned by session id; the repository is only consulted on create,
// restore and delete.
type Sessions struct {
	mu   sync.RWMutex
	live map[string]*Session

	repo Repository

	// trustClientIDs lets a request carrying an unknown Mcp-Session-Id
	// create a session under that id verbatim, for proxy front-ends that
	// generate their own ids.
	trustClientIDs bool
}

// NewSessions creates a session manager over the given repository.
func NewSessions(repo Repository, trustClientIDs bool) *Sessions {
	return &Sessions{
		live:           make(map[string]*Session),
		repo:           repo,
		trustClientIDs: trustClientIDs,
	}
}

// GenerateID produces a fresh streamable-HTTP session id.
func GenerateID() string {
	return SessionPrefix + uuid.NewString()
}

// Create registers a new session and persists it. An empty id generates
// one; a provided id is used verbatim.
func (s *Sessions) Create(ctx context.Context, id string, opts SessionOptions) (*Session, error) {
	if id == "" {
		id = GenerateID()
	}

	sess := &Session{
		ID:             id,
		Filter:         opts.Filter,
		Pagination:     opts.Pagination,
		CustomTemplate: opts.CustomTemplate,
		Context:        opts.Context,
		TransportKind:  opts.TransportKind,
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	if existing, ok := s.live[id]; ok {
		s.mu.Unlock()
		if existing.TransportKind != opts.TransportKind {
			return nil, mcperr.Newf(mcperr.KindInvalidParams,
				"session %q is bound to transport %s, not %s", id, existing.TransportKind, opts.TransportKind).WithSubject(id)
		}
		return existing, nil
	}
	s.live[id] = sess
	s.mu.Unlock()

	if err := s.repo.Create(ctx, id, sess.state()); err != nil {
		logging.Warn("SessionRouter", "Failed to persist session %s: %v", id, err)
	}
	logging.Debug("SessionRouter", "Created session %s (%s, filter %s)",
		id, sess.TransportKind, sess.EffectiveFilter().Describe())
	return sess, nil
}

// Configure applies request-resolved options to a live session and
// persists the result. The streamable-HTTP transport mints the session id
// before the initialize request carrying the options arrives, so the two
// steps are separate.
func (s *Sessions) Configure(ctx context.Context, id string, opts SessionOptions) error {
	s.mu.Lock()
	sess, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return mcperr.Newf(mcperr.KindNotFound, "unknown session %q", id).WithSubject(id)
	}
	if opts.Filter != nil {
		sess.Filter = opts.Filter
	}
	sess.Pagination = opts.Pagination
	if opts.CustomTemplate != "" {
		sess.CustomTemplate = opts.CustomTemplate
	}
	// Context entries accumulate: request parameters and the client info
	// captured at initialize land in the same record.
	if len(opts.Context) > 0 {
		if sess.Context == nil {
			sess.Context = make(map[string]any, len(opts.Context))
		}
		for k, v := range opts.Context {
			sess.Context[k] = v
		}
	}
	state := sess.state()
	s.mu.Unlock()

	if err := s.repo.Create(ctx, id, state); err != nil {
		logging.Warn("SessionRouter", "Failed to persist session %s: %v", id, err)
	}
	logging.Debug("SessionRouter", "Configured session %s (filter %s, pagination %t)",
		id, sess.EffectiveFilter().Describe(), sess.Pagination)
	return nil
}

// MergeContext folds entries into a live session's context record and
// persists the result.
func (s *Sessions) MergeContext(ctx context.Context, id string, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	sess, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return mcperr.Newf(mcperr.KindNotFound, "unknown session %q", id).WithSubject(id)
	}
	if sess.Context == nil {
		sess.Context = make(map[string]any, len(entries))
	}
	for k, v := range entries {
		sess.Context[k] = v
	}
	state := sess.state()
	s.mu.Unlock()

	if err := s.repo.Create(ctx, id, state); err != nil {
		logging.Warn("SessionRouter", "Failed to persist session %s: %v", id, err)
	}
	return nil
}

// Get returns a live session.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.live[id]
	return sess, ok
}

// Restore resolves an id the transport presented. Order: live map, then the
// repository (rebuilding a restored session whose handshake must not be
// replayed), then — only when client ids are trusted — a fresh session
// under the id verbatim. A live session bound to a different transport kind
// fails with InvalidParams rather than being coerced.
func (s *Sessions) Restore(ctx context.Context, id, transportKind string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.live[id]
	s.mu.RUnlock()
	if ok {
		if sess.TransportKind != transportKind {
			return nil, mcperr.Newf(mcperr.KindInvalidParams,
				"session %q is bound to transport %s, not %s", id, sess.TransportKind, transportKind).WithSubject(id)
		}
		return sess, nil
	}

	state, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != nil {
		if state.TransportKind != "" && state.TransportKind != transportKind {
			return nil, mcperr.Newf(mcperr.KindInvalidParams,
				"session %q is bound to transport %s, not %s", id, state.TransportKind, transportKind).WithSubject(id)
		}
		restored := sessionFromState(id, state)

		s.mu.Lock()
		// Another request may have restored it concurrently; keep the
		// first instance.
		if existing, ok := s.live[id]; ok {
			s.mu.Unlock()
			return existing, nil
		}
		s.live[id] = restored
		s.mu.Unlock()

		if err := s.repo.UpdateAccess(ctx, id); err != nil {
			logging.Debug("SessionRouter", "Failed to touch session %s: %v", id, err)
		}
		logging.Info("SessionRouter", "Restored session %s from repository", id)
		return restored, nil
	}

	if s.trustClientIDs {
		logging.Debug("SessionRouter", "Adopting client-supplied session id %s", id)
		return s.Create(ctx, id, SessionOptions{Filter: filter.None(), TransportKind: transportKind})
	}
	return nil, mcperr.Newf(mcperr.KindNotFound, "unknown session %q", id).WithSubject(id)
}

// Drop removes a session from the live map and the repository.
func (s *Sessions) Drop(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		logging.Warn("SessionRouter", "Failed to delete session %s from repository: %v", id, err)
	}
	logging.Debug("SessionRouter", "Dropped session %s", id)
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// IDManager adapts Sessions to the streamable HTTP server's session id
// hooks: Generate mints ids for fresh sessions, Validate resolves ids on
// every request (restoring persisted sessions as a side effect), Terminate
// handles the client's DELETE.
type IDManager struct {
	sessions *Sessions

	// Defaults applied when Validate has to adopt or restore a session
	// outside the explicit create path.
	Defaults SessionOptions
}

// NewIDManager creates the adapter.
func NewIDManager(sessions *Sessions) *IDManager {
	return &IDManager{
		sessions: sessions,
		Defaults: SessionOptions{Filter: filter.None(), TransportKind: TransportHTTP},
	}
}

// Generate mints a new session id and registers the session.
func (m *IDManager) Generate() string {
	sess, err := m.sessions.Create(context.Background(), "", m.Defaults)
	if err != nil {
		// Create only fails on a transport mismatch, impossible for a
		// fresh id.
		return GenerateID()
	}
	return sess.ID
}

// Validate accepts an id the client presented. A session unknown to both
// the live map and the repository is terminated unless client ids are
// trusted.
func (m *IDManager) Validate(sessionID string) (bool, error) {
	_, err := m.sessions.Restore(context.Background(), sessionID, TransportHTTP)
	if err != nil {
		if mcperr.IsKind(err, mcperr.KindNotFound) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Terminate drops the session. Termination is always allowed.
func (m *IDManager) Terminate(sessionID string) (bool, error) {
	m.sessions.Drop(context.Background(), sessionID)
	return false, nil
}
