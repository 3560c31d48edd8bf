// Package storage defines the blob storage contract used for failure dumps
// and the archive month cache. Backends live in the gcs, local and memory
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when the path holds nothing.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore reads and writes opaque objects by path.
type BlobStore interface {
	// PutObject writes data under path and returns a backend URI.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject returns the bytes stored under path or ErrObjectNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// NoOp discards writes and never finds anything. It backs runs with blob
// storage disabled.
type NoOp struct{}

// PutObject drains data and returns an empty URI.
func (NoOp) PutObject(_ context.Context, _ string, _ string, data io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, data)
	return "", err //nolint:wrapcheck
}

// GetObject always reports ErrObjectNotFound.
func (NoOp) GetObject(context.Context, string) ([]byte, error) {
	return nil, ErrObjectNotFound
}
