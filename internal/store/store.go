// Package store persists branch archives as versioned blobs. Every upload
// produces a new immutable version; the version history is what makes
// point-in-time branching possible.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound indicates the key or version does not exist.
	ErrNotFound = errors.New("store: object not found")

	// ErrEmptyContent indicates a refused zero-length upload.
	ErrEmptyContent = errors.New("store: refusing to upload empty archive")

	// ErrVerificationFailed indicates the post-write readback size did not
	// match the input. A truncated upload would silently corrupt a branch's
	// only durable copy, so this is always fatal for the operation.
	ErrVerificationFailed = errors.New("store: readback size mismatch after upload")

	// ErrUnavailable indicates the backing service could not be reached
	// after the client's own retry budget.
	ErrUnavailable = errors.New("store: backing service unavailable")
)

// Version identifies one immutable archive version of a key.
type Version struct {
	ID        string
	CreatedAt time.Time
}

// Store is a key-versioned blob namespace. Implementations must never
// reuse version IDs and must keep every reported version fetchable until
// DeleteAll removes the key.
type Store interface {
	// Put uploads size bytes from r under key and returns the version ID
	// assigned by the store.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)

	// Get fetches the latest version of key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetVersion fetches an exact version of key.
	GetVersion(ctx context.Context, key, versionID string) (io.ReadCloser, error)

	// ListVersions enumerates all versions of key, newest first.
	ListVersions(ctx context.Context, key string) ([]Version, error)

	// DeleteAll removes every version and delete marker under key.
	// Deleting an absent key succeeds.
	DeleteAll(ctx context.Context, key string) error
}
