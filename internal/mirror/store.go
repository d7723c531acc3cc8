package mirror

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when nothing is stored under the path
var ErrNotFound = errors.New("mirror: path not found")

// Store is a hierarchical key/value store addressed by slash paths
type Store interface {
	// Get returns the direct children of path
	Get(ctx context.Context, path string) (map[string]any, error)
	// Set replaces the value at path
	Set(ctx context.Context, path string, value any) error
	Close() error
}

// Join appends key to a slash path
func Join(root, key string) string {
	return path.Join("/", root, key)
}

// MemoryStore keeps values in process. Useful for tests and offline runs.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (m *MemoryStore) Get(_ context.Context, p string) (map[string]any, error) {
	prefix := strings.TrimSuffix(Join(p, ""), "/") + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any)
	for k, v := range m.values {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out[rest] = v
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, p string, value any) error {
	m.mu.Lock()
	m.values[Join(p, "")] = value
	m.mu.Unlock()
	return nil
}

// Value returns the value stored at path
func (m *MemoryStore) Value(p string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[Join(p, "")]
	return v, ok
}

func (m *MemoryStore) Close() error { return nil }
