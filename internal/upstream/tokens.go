package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/unimcp/unimcp/pkg/logging"
)

// fileTokenStore implements transport.TokenStore by persisting the OAuth
// token to disk, so an authorized upstream survives a proxy restart without
// a new browser round-trip.
type fileTokenStore struct {
	path string
	mu   sync.Mutex
}

func newFileTokenStore(dir, server string) *fileTokenStore {
	return &fileTokenStore{path: filepath.Join(dir, server+".token.json")}
}

func (s *fileTokenStore) GetToken(_ context.Context) (*transport.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no token stored at %s", s.path)
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var token transport.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parsing token file %s: %w", s.path, err)
	}
	return &token, nil
}

func (s *fileTokenStore) SaveToken(_ context.Context, token *transport.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	// Tokens are credentials; keep the file owner-only.
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	logging.Debug("UpstreamManager", "Persisted OAuth token to %s", s.path)
	return nil
}

// tokenStores hands out one store per upstream name, file-backed when a
// directory is configured and in-memory otherwise. Stores are cached so a
// reconnect reuses the token obtained by the original authorization.
type tokenStores struct {
	dir    string
	mu     sync.Mutex
	stores map[string]transport.TokenStore
}

func newTokenStores(dir string) *tokenStores {
	return &tokenStores{dir: dir, stores: make(map[string]transport.TokenStore)}
}

func (t *tokenStores) forServer(name string) transport.TokenStore {
	t.mu.Lock()
	defer t.mu.Unlock()

	if store, ok := t.stores[name]; ok {
		return store
	}
	var store transport.TokenStore
	if t.dir != "" {
		store = newFileTokenStore(t.dir, name)
	} else {
		store = transport.NewMemoryTokenStore()
	}
	t.stores[name] = store
	return store
}
