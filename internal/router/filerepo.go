package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/unimcp/unimcp/internal/mcperr"
	"github.com/unimcp/unimcp/pkg/logging"
)

// FileRepository persists one JSON file per session under a directory, so
// streamable-HTTP sessions survive a proxy restart.
type FileRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFileRepository creates the session directory if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

// sessionPath validates the id before touching the filesystem; session ids
// become file names and must not traverse out of the directory.
func (r *FileRepository) sessionPath(id string) (string, error) {
	if id == "" || !validSessionID(id) {
		return "", mcperr.Newf(mcperr.KindInvalidParams, "invalid session id %q", id).WithSubject(id)
	}
	return filepath.Join(r.dir, id+".json"), nil
}

func validSessionID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return !strings.HasPrefix(id, ".")
}

func (r *FileRepository) Create(ctx context.Context, id string, state *State) error {
	path, err := r.sessionPath(id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	return nil
}

func (r *FileRepository) Get(ctx context.Context, id string) (*State, error) {
	path, err := r.sessionPath(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	data, readErr := os.ReadFile(path)
	r.mu.Unlock()
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session %s: %w", id, readErr)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt session file is unrecoverable; treat it as absent
		// so the client gets a fresh session instead of a hard error.
		logging.Warn("SessionRepository", "Discarding corrupt session file %s: %v", path, err)
		return nil, nil
	}
	return &state, nil
}

func (r *FileRepository) UpdateAccess(ctx context.Context, id string) error {
	path, err := r.sessionPath(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session %s: %w", id, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	state.LastAccess = time.Now()
	updated, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	return os.WriteFile(path, updated, 0o600)
}

func (r *FileRepository) Delete(ctx context.Context, id string) error {
	path, err := r.sessionPath(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}
