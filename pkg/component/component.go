// Package component resolves component bytecode and metadata for worker
// instantiation. Components are immutable per version, so resolved
// versions cache indefinitely; the directory store additionally watches
// its root and invalidates on file changes so redeployed files are picked
// up without a restart.
package component

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrNotFound is returned when the component or version does not exist.
var ErrNotFound = errors.New("component not found")

// Component is resolved bytecode plus instantiation metadata.
type Component struct {
	ID      string
	Version uint64
	// Bytes is the raw WASM module.
	Bytes []byte
	// Size is len(Bytes), kept for metadata listings that skip the bytes.
	Size int64
	// InitialMemoryBytes is the guest's declared initial linear memory,
	// zero when unknown.
	InitialMemoryBytes int64
	// Exports lists the exported function names, when known.
	Exports []string
}

// Service resolves components. Declared at the point of consumption; the
// production implementation may be a directory, a registry client, or a
// blob-store cache.
type Service interface {
	Get(ctx context.Context, id string, version uint64) (*Component, error)
}

// DirStore serves components from a directory laid out as
// <root>/<component-id>/<version>.wasm.
type DirStore struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Component

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

var _ Service = (*DirStore)(nil)

// NewDirStore opens a directory-backed store rooted at root. A watcher
// failure degrades to cache-forever, which is correct for immutable
// versions; it only delays pickup of in-place redeploys.
func NewDirStore(root string, logger *slog.Logger) (*DirStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open component dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open component dir: %s is not a directory", root)
	}

	s := &DirStore{
		root:   root,
		logger: logger,
		cache:  make(map[string]*Component),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("component watcher unavailable, caching without invalidation", "error", err)
		close(s.done)
		return s, nil
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		logger.Warn("component watcher unavailable, caching without invalidation", "dir", root, "error", err)
		close(s.done)
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Get implements Service.
func (s *DirStore) Get(_ context.Context, id string, version uint64) (*Component, error) {
	key := cacheKey(id, version)

	s.mu.Lock()
	if c, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	path := filepath.Join(s.root, id, strconv.FormatUint(version, 10)+".wasm")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("component %s version %d: %w", id, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read component %s version %d: %w", id, version, err)
	}

	c := &Component{
		ID:      id,
		Version: version,
		Bytes:   data,
		Size:    int64(len(data)),
	}

	// fsnotify watches are not recursive; cover this component's subdir
	// so redeploys of cached versions are observed
	if s.watcher != nil {
		if err := s.watcher.Add(filepath.Join(s.root, id)); err != nil {
			s.logger.Warn("component subdir watch failed", "component", id, "error", err)
		}
	}

	s.mu.Lock()
	s.cache[key] = c
	s.mu.Unlock()
	return c, nil
}

// Close stops the watcher.
func (s *DirStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	<-s.done
	return err
}

// watch drops cached entries for components whose directory changed. The
// watcher reports the component subdirectory for nested writes, so
// invalidation is per component, not per version.
func (s *DirStore) watch() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.invalidate(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("component watcher error", "error", err)
		}
	}
}

func (s *DirStore) invalidate(changed string) {
	rel, err := filepath.Rel(s.root, changed)
	if err != nil {
		return
	}
	// first path element is the component id
	id := rel
	if sep := filepathSeparatorIndex(rel); sep >= 0 {
		id = rel[:sep]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.cache {
		if keyComponent(key) == id {
			delete(s.cache, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("component cache invalidated", "component", id, "versions", removed)
	}
}

func cacheKey(id string, version uint64) string {
	return id + "@" + strconv.FormatUint(version, 10)
}

func keyComponent(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '@' {
			return key[:i]
		}
	}
	return key
}

func filepathSeparatorIndex(path string) int {
	for i := 0; i < len(path); i++ {
		if os.IsPathSeparator(path[i]) {
			return i
		}
	}
	return -1
}
