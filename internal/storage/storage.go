// Package storage fetches dataset archives and persists them inside a
// prepare run's working directory.
package storage

import (
	"context"
	"io"
	"time"
)

// Reader provides read access to files in a working directory
type Reader interface {
	// GetReader returns a reader for the file at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a file exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata contains stored file metadata
type Metadata struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// ReaderWithMetadata provides read access with metadata
type ReaderWithMetadata interface {
	Reader

	// GetMetadata returns metadata for the file at the given key
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}
