package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/mcperr"
)

func mustTagFilter(t *testing.T, tags []string, mode string) *filter.Filter {
	t.Helper()
	f, err := filter.Tags(tags, mode)
	require.NoError(t, err)
	return f
}

func TestGenerateID(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	assert.True(t, strings.HasPrefix(a, SessionPrefix))
	assert.True(t, strings.HasPrefix(b, SessionPrefix))
	assert.NotEqual(t, a, b)
}

func TestSessionsCreate(t *testing.T) {
	repo := NewMemoryRepository()
	sessions := NewSessions(repo, false)

	sess, err := sessions.Create(context.Background(), "", SessionOptions{
		Filter:        mustTagFilter(t, []string{"prod"}, filter.ModeOr),
		Pagination:    true,
		TransportKind: TransportHTTP,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, SessionPrefix))
	assert.True(t, sess.Pagination)
	assert.False(t, sess.Restored)

	got, ok := sessions.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	// Persisted alongside.
	state, err := repo.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Pagination)
}

func TestSessionsCreateExistingID(t *testing.T) {
	sessions := NewSessions(NewMemoryRepository(), false)
	ctx := context.Background()

	first, err := sessions.Create(ctx, "stream-fixed", SessionOptions{TransportKind: TransportHTTP})
	require.NoError(t, err)

	// Same id and transport returns the existing session.
	again, err := sessions.Create(ctx, "stream-fixed", SessionOptions{TransportKind: TransportHTTP})
	require.NoError(t, err)
	assert.Same(t, first, again)

	// Same id on a different transport is rejected.
	_, err = sessions.Create(ctx, "stream-fixed", SessionOptions{TransportKind: TransportSSE})
	require.Error(t, err)
	assert.True(t, mcperr.IsKind(err, mcperr.KindInvalidParams))
}

func TestSessionsRestoreFromRepository(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, "stream-old", &State{
		Filter:        mustTagFilter(t, []string{"dev"}, filter.ModeAnd),
		Pagination:    true,
		TransportKind: TransportHTTP,
		CreatedAt:     time.Now().Add(-time.Hour),
	}))

	sessions := NewSessions(repo, false)
	sess, err := sessions.Restore(ctx, "stream-old", TransportHTTP)
	require.NoError(t, err)
	assert.True(t, sess.Restored)
	assert.True(t, sess.Pagination)
	assert.True(t, sess.EffectiveFilter().Matches([]string{"dev"}))

	// A second restore hits the live map and returns the same instance.
	again, err := sessions.Restore(ctx, "stream-old", TransportHTTP)
	require.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestSessionsRestoreTransportMismatch(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, "stream-old", &State{TransportKind: TransportSSE}))

	sessions := NewSessions(repo, false)
	_, err := sessions.Restore(ctx, "stream-old", TransportHTTP)
	require.Error(t, err)
	assert.True(t, mcperr.IsKind(err, mcperr.KindInvalidParams))
}

func TestSessionsRestoreUnknown(t *testing.T) {
	sessions := NewSessions(NewMemoryRepository(), false)
	_, err := sessions.Restore(context.Background(), "stream-missing", TransportHTTP)
	require.Error(t, err)
	assert.True(t, mcperr.IsKind(err, mcperr.KindNotFound))
}

func TestSessionsTrustClientIDs(t *testing.T) {
	sessions := NewSessions(NewMemoryRepository(), true)

	sess, err := sessions.Restore(context.Background(), "client-chosen-id", TransportHTTP)
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-id", sess.ID)
	assert.True(t, sess.EffectiveFilter().IsNone())

	got, ok := sessions.Get("client-chosen-id")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestSessionsConfigureMergesContext(t *testing.T) {
	repo := NewMemoryRepository()
	sessions := NewSessions(repo, false)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "stream-cfg", SessionOptions{
		Filter:        filter.None(),
		Context:       map[string]any{"project": "billing"},
		TransportKind: TransportHTTP,
	})
	require.NoError(t, err)

	err = sessions.Configure(ctx, "stream-cfg", SessionOptions{
		Filter:  mustTagFilter(t, []string{"prod"}, filter.ModeOr),
		Context: map[string]any{"user": "sam"},
	})
	require.NoError(t, err)

	sess, ok := sessions.Get("stream-cfg")
	require.True(t, ok)
	assert.Equal(t, "billing", sess.Context["project"])
	assert.Equal(t, "sam", sess.Context["user"])
	assert.True(t, sess.EffectiveFilter().Matches([]string{"prod"}))
}

func TestSessionsMergeContext(t *testing.T) {
	repo := NewMemoryRepository()
	sessions := NewSessions(repo, false)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "stream-mc", SessionOptions{
		Filter:        filter.None(),
		TransportKind: TransportHTTP,
	})
	require.NoError(t, err)

	require.NoError(t, sessions.MergeContext(ctx, "stream-mc", map[string]any{
		"clientName": "inspector",
	}))
	require.NoError(t, sessions.MergeContext(ctx, "stream-mc", map[string]any{
		"clientName":    "inspector",
		"clientVersion": "2.0",
	}))

	sess, _ := sessions.Get("stream-mc")
	assert.Equal(t, "inspector", sess.Context["clientName"])
	assert.Equal(t, "2.0", sess.Context["clientVersion"])

	// The merged record is persisted for restoration.
	state, err := repo.Get(ctx, "stream-mc")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "inspector", state.Context["clientName"])

	err = sessions.MergeContext(ctx, "stream-unknown", map[string]any{"k": "v"})
	assert.True(t, mcperr.IsKind(err, mcperr.KindNotFound))
}

func TestSessionsDrop(t *testing.T) {
	repo := NewMemoryRepository()
	sessions := NewSessions(repo, false)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, "", SessionOptions{TransportKind: TransportHTTP})
	require.NoError(t, err)
	require.Equal(t, 1, sessions.Len())

	sessions.Drop(ctx, sess.ID)
	assert.Equal(t, 0, sessions.Len())
	assert.Equal(t, 0, repo.Len())

	_, ok := sessions.Get(sess.ID)
	assert.False(t, ok)
}

func TestIDManager(t *testing.T) {
	sessions := NewSessions(NewMemoryRepository(), false)
	mgr := NewIDManager(sessions)

	id := mgr.Generate()
	assert.True(t, strings.HasPrefix(id, SessionPrefix))
	_, ok := sessions.Get(id)
	assert.True(t, ok)

	terminated, err := mgr.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	terminated, err = mgr.Validate("stream-never-issued")
	require.NoError(t, err)
	assert.True(t, terminated)

	notAllowed, err := mgr.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)
	assert.Equal(t, 0, sessions.Len())
}

func TestFileRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)
	ctx := context.Background()

	expr, err := filter.Expression("prod and not legacy")
	require.NoError(t, err)
	state := &State{
		Filter:        expr,
		Pagination:    true,
		TransportKind: TransportHTTP,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, repo.Create(ctx, "stream-abc", state))

	got, err := repo.Get(ctx, "stream-abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Pagination)
	assert.True(t, got.Filter.Matches([]string{"prod"}))
	assert.False(t, got.Filter.Matches([]string{"prod", "legacy"}))

	require.NoError(t, repo.Delete(ctx, "stream-abc"))
	got, err = repo.Get(ctx, "stream-abc")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Delete is idempotent.
	require.NoError(t, repo.Delete(ctx, "stream-abc"))
}

func TestFileRepositoryUnknownID(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), "stream-missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileRepositoryRejectsUnsafeIDs(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", ".hidden", "semi;colon"} {
		_, err := repo.Get(ctx, id)
		require.Error(t, err, "id %q", id)
		assert.True(t, mcperr.IsKind(err, mcperr.KindInvalidParams), "id %q", id)
	}
}

func TestFileRepositoryCorruptFile(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream-bad.json"), []byte("{not json"), 0o600))

	got, err := repo.Get(context.Background(), "stream-bad")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileRepositoryUpdateAccess(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, "stream-touch", &State{CreatedAt: created, LastAccess: created}))
	require.NoError(t, repo.UpdateAccess(ctx, "stream-touch"))

	got, err := repo.Get(ctx, "stream-touch")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.LastAccess.After(created))

	// Touching an absent session is not an error.
	require.NoError(t, repo.UpdateAccess(ctx, "stream-gone"))
}
