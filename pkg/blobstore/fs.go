package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FS is a filesystem-backed Store rooted at a directory. Namespaces map to
// subdirectories; writes go through a temp file + rename so readers never
// observe partial blobs.
type FS struct {
	root string
}

// NewFS creates a filesystem store rooted at root, creating the directory
// if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) blobPath(namespace, path string) string {
	return filepath.Join(f.root, namespace, filepath.FromSlash(path))
}

// Get implements Store.
func (f *FS) Get(_ context.Context, namespace, path string) ([]byte, error) {
	data, err := os.ReadFile(f.blobPath(namespace, path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s/%s: %w", namespace, path, err)
	}
	return data, nil
}

// Put implements Store.
func (f *FS) Put(_ context.Context, namespace, path string, data []byte) error {
	target := f.blobPath(namespace, path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write blob %s/%s: %w", namespace, path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync blob %s/%s: %w", namespace, path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename blob %s/%s: %w", namespace, path, err)
	}
	return nil
}

// Delete implements Store.
func (f *FS) Delete(_ context.Context, namespace, path string) error {
	err := os.Remove(f.blobPath(namespace, path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s/%s: %w", namespace, path, err)
	}
	return nil
}

// List implements Store.
func (f *FS) List(_ context.Context, namespace, prefix string) ([]string, error) {
	nsRoot := filepath.Join(f.root, namespace)
	var paths []string
	err := filepath.WalkDir(nsRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(nsRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs %s/%s: %w", namespace, prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}
