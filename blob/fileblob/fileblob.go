// Package fileblob provides a blob storage backend rooted at a local
// directory. Each blob is one file named by its id; files are created
// exclusively and made read-only once written, so a stored blob can never be
// rewritten in place.
package fileblob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/thatique/gudang/blob"
	"github.com/thatique/gudang/blob/driver"
	"github.com/thatique/gudang/verr"
)

var _ driver.Storage = &storage{}

type storage struct {
	dir string
}

// openStorage creates a driver.Storage that reads and writes to dir.
// dir must exist.
func openStorage(dir string) (driver.Storage, error) {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &storage{dir: dir}, nil
}

// OpenStore creates a *blob.Store backed by the filesystem and rooted at
// dir, which must exist.
func OpenStore(dir string) (*blob.Store, error) {
	drv, err := openStorage(dir)
	if err != nil {
		return nil, err
	}
	return blob.NewStore(drv), nil
}

func (s *storage) ErrorCode(err error) verr.ErrorCode {
	switch {
	case os.IsNotExist(err):
		return verr.NoSuchKey
	default:
		return verr.Internal
	}
}

// path returns the file path for a blob id. Ids are hex strings, so they
// need no escaping to be filesystem-safe.
func (s *storage) path(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *storage) NewWriter(ctx context.Context, id string) (driver.Writer, error) {
	f, err := os.OpenFile(s.path(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, err
	}
	return &writer{ctx: ctx, f: f}, nil
}

type writer struct {
	ctx context.Context
	f   *os.File
}

func (w *writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *writer) Close() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	// Check if the write was cancelled.
	if err := w.ctx.Err(); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	// Seal the blob; it is immutable from here on.
	return os.Chmod(w.f.Name(), 0444)
}

func (s *storage) NewRangeReader(ctx context.Context, id string, offset, length int64) (driver.Reader, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if offset > size {
		offset = size
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	r := io.Reader(f)
	rest := size - offset
	if length < 0 || length > rest {
		length = rest
	}
	r = io.LimitReader(r, length)
	return &reader{r: r, c: f, size: size}, nil
}

type reader struct {
	r    io.Reader
	c    io.Closer
	size int64
}

func (r *reader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *reader) Close() error { return r.c.Close() }

func (r *reader) Size() int64 { return r.size }

// Delete implements driver.Delete.
func (s *storage) Delete(ctx context.Context, id string) error {
	return os.Remove(s.path(id))
}

func (s *storage) Close() error {
	return nil
}
