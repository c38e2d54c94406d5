// Package memblob provides a blob storage backend held entirely in process
// memory. It is intended for tests and for simulator configurations that do
// not persist across restarts.
package memblob

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/thatique/gudang/blob"
	"github.com/thatique/gudang/blob/driver"
	"github.com/thatique/gudang/verr"
)

// OpenStore creates a *blob.Store backed by an in-memory map.
func OpenStore() *blob.Store {
	return blob.NewStore(newStorage())
}

var _ driver.Storage = &storage{}

type storage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func newStorage() *storage {
	return &storage{blobs: make(map[string][]byte)}
}

type notFoundError struct {
	id string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("memblob: no blob with id %q", e.id)
}

func (s *storage) ErrorCode(err error) verr.ErrorCode {
	switch err.(type) {
	case notFoundError:
		return verr.NoSuchKey
	default:
		return verr.Internal
	}
}

func (s *storage) NewWriter(ctx context.Context, id string) (driver.Writer, error) {
	s.mu.RLock()
	_, exists := s.blobs[id]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("memblob: blob %q already exists", id)
	}
	return &writer{ctx: ctx, s: s, id: id}, nil
}

type writer struct {
	ctx context.Context
	s   *storage
	id  string
	buf bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	// Check if the write was cancelled.
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if _, exists := w.s.blobs[w.id]; exists {
		return fmt.Errorf("memblob: blob %q already exists", w.id)
	}
	w.s.blobs[w.id] = w.buf.Bytes()
	return nil
}

func (s *storage) NewRangeReader(ctx context.Context, id string, offset, length int64) (driver.Reader, error) {
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFoundError{id: id}
	}
	size := int64(len(data))
	if offset > size {
		offset = size
	}
	rest := size - offset
	if length < 0 || length > rest {
		length = rest
	}
	// The stored slice is never mutated after Close, so concurrent readers
	// can share it.
	return &reader{
		r:    bytes.NewReader(data[offset : offset+length]),
		size: size,
	}, nil
}

type reader struct {
	r    *bytes.Reader
	size int64
}

func (r *reader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *reader) Close() error { return nil }

func (r *reader) Size() int64 { return r.size }

func (s *storage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
	return nil
}

func (s *storage) Close() error {
	return nil
}
