// Package driver defines the interface implemented by blob storage backends.
package driver

import (
	"context"
	"io"

	"github.com/thatique/gudang/verr"
)

// Storage provides immutable, id-addressed blob storage. Ids are assigned by
// the portable type; backends only store and retrieve the named blobs.
type Storage interface {
	// ErrorCode should return a code that describes the error, which was
	// returned by one of the other methods in this interface.
	ErrorCode(error) verr.ErrorCode

	// NewWriter returns a Writer that creates the blob named id. The blob
	// must be created exclusively: if a blob with this id already exists,
	// NewWriter (or the Writer's Close) must fail. The blob is not readable
	// until Close returns nil; after that it is immutable.
	//
	// Implementations should abort an ongoing write if ctx is later
	// canceled, and do any necessary cleanup in Close. Close should then
	// return ctx.Err().
	NewWriter(ctx context.Context, id string) (Writer, error)

	// NewRangeReader returns a Reader that reads part of the blob named id,
	// reading at most length bytes starting at offset. If length is
	// negative, it reads until the end of the blob. The requested window is
	// clamped to the blob's size. If the blob does not exist,
	// NewRangeReader must return an error for which ErrorCode returns
	// verr.NoSuchKey.
	//
	// Multiple Readers of the same blob must be able to read concurrently.
	NewRangeReader(ctx context.Context, id string, offset, length int64) (Reader, error)

	// Delete removes the blob named id. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// Close cleans up any resources used by the Storage.
	Close() error
}

// Writer writes a new blob to the backend.
type Writer interface {
	io.WriteCloser
}

// Reader reads a range of a blob.
type Reader interface {
	io.ReadCloser

	// Size returns the total size of the blob, not the size of the range
	// being read.
	Size() int64
}
