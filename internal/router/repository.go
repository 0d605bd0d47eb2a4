package router

import (
	"context"
	"sync"
	"time"
)

// Repository persists session state across process restarts. Get returns
// (nil, nil) for an unknown id; errors are reserved for storage failures.
type Repository interface {
	Create(ctx context.Context, id string, state *State) error
	Get(ctx context.Context, id string) (*State, error)
	UpdateAccess(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// MemoryRepository keeps session state in process memory. It is the default
// repository; sessions then live exactly as long as the process.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*State)}
}

func (r *MemoryRepository) Create(ctx context.Context, id string, state *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *state
	r.sessions[id] = &clone
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	clone := *state
	return &clone, nil
}

func (r *MemoryRepository) UpdateAccess(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.sessions[id]; ok {
		state.LastAccess = time.Now()
	}
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// Len reports the number of persisted sessions.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
