package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object operations used for sandbox artifacts.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader; size -1 streams until EOF.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// EnsureBucket creates bucket when it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error
}
