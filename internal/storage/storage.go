// Package storage defines the Provider interface for attachment storage backends.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("storage object not found")

// Object describes one stored object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Provider abstracts object storage operations.
type Provider interface {
	// Put writes data to storage under the given key. Objects are write-once.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Open returns a reader for the given storage key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
	// AccessPath returns the reference handed to the model for a key.
	// For local backends this is an absolute file path.
	AccessPath(key string) string
	// List returns the objects whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
}
