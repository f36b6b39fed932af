// Package storage defines the blob Storage interface used for snapshot archives and
// the factory that builds the configured backend.
//
// Backends register themselves with the factory from an init() function in their
// own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(&cfg.Archive.MyBackend)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// Storage is a flat key/value blob store. Keys use forward slashes.
type Storage interface {
	// Put stores the content of reader under key, replacing any existing object.
	Put(ctx context.Context, key string, reader io.Reader, size int64) (*ObjectInfo, error)

	// Get opens the object stored under key. It returns an error wrapping
	// ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the content when the backend knows it
	Checksum string

	LastModified time.Time
}

// Prepare creates the backend's bucket or container when the backend knows how to.
// Backends without such a concept are left alone.
func Prepare(ctx context.Context, s Storage) error {
	switch b := s.(type) {
	case interface{ EnsureBucket(context.Context) error }:
		return b.EnsureBucket(ctx)
	case interface{ EnsureContainer(context.Context) error }:
		return b.EnsureContainer(ctx)
	default:
		return nil
	}
}
