package blobstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store for tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func key(namespace, path string) string {
	return namespace + "\x00" + path
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, namespace, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[key(namespace, path)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, namespace, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	m.blobs[key(namespace, path)] = copied
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, namespace, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key(namespace, path))
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nsPrefix := namespace + "\x00"
	var paths []string
	for k := range m.blobs {
		if !strings.HasPrefix(k, nsPrefix) {
			continue
		}
		path := strings.TrimPrefix(k, nsPrefix)
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
