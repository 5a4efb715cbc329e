// Package blobstore stores large out-of-line payloads: oplog entry bodies
// above the inline threshold, state snapshots, and component packages. Keys
// are (namespace, path) pairs; put is idempotent so at-least-once writers
// are safe.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for keys that were never put or were
// deleted.
var ErrNotFound = errors.New("blob not found")

// Store is the blob store contract consumed by the oplog and snapshot
// layers.
type Store interface {
	// Get returns the blob's contents, or ErrNotFound.
	Get(ctx context.Context, namespace, path string) ([]byte, error)

	// Put stores data under (namespace, path), overwriting any previous
	// contents. Overwrite-with-identical-data is the idempotent retry
	// case and must succeed.
	Put(ctx context.Context, namespace, path string, data []byte) error

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, namespace, path string) error

	// List returns the paths stored under the namespace with the given
	// prefix.
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}
