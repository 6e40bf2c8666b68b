// Package blobstore abstracts where snapshot files live.
//
// Snapshots are small whole objects that are always written and read in one
// piece, so the interface is Get/Put/Delete rather than streaming blobs.
// Put must be atomic: a concurrent reader observes either the previous
// object or the new one, never a torn write.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for reading and writing snapshot objects.
type Store interface {
	// Get returns the full content of the named object.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put atomically replaces the named object with data.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes the named object. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of all objects with the given prefix,
	// sorted lexicographically.
	List(ctx context.Context, prefix string) ([]string, error)
}
