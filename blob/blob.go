// Package blob provides an immutable, id-addressed blob store over
// interchangeable storage backends.
//
// Blobs are write-once: Put drains a stream into the backend and returns a
// fresh unguessable id. There is no listing; a blob is only reachable by its
// id, and ids carry 32 bytes of randomness. Reads may cover a byte range, or
// several ranges at once rendered as a multipart/byteranges stream.
//
// To create a Store, use constructors found in provider-specific
// subpackages.
package blob

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/textproto"
	"runtime"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/atomic"

	"github.com/thatique/gudang/blob/driver"
	"github.com/thatique/gudang/internal/trace"
	"github.com/thatique/gudang/verr"
)

// idRandomSize is the number of random bytes in a blob id. The id is the hex
// encoding of the random bytes followed by a big-endian monotonic counter,
// so ids are unguessable and never collide within a process.
const (
	idRandomSize  = 32
	idCounterSize = 8
)

// ByteRange is an inclusive byte range [Start, End] within a blob.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// MultiRangeOptions supplies the envelope pieces of a multipart/byteranges
// stream. The caller owns the boundary and the per-part header block; the
// store only frames the part bodies.
type MultiRangeOptions struct {
	// Boundary is the multipart boundary string.
	Boundary string
	// PartHeader returns the MIME header for the i-th requested range.
	PartHeader func(i int, r ByteRange) textproto.MIMEHeader
}

// Reader reads bytes from a blob. It implements io.ReadCloser, and must be
// closed after reads are finished.
type Reader struct {
	s        driver.Storage
	r        driver.Reader
	end      func(error) // called at Close to finish trace and metric collection
	provider string      // for metric collection
	closed   bool
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	stats.RecordWithTags(context.Background(), []tag.Mutator{tag.Upsert(trace.ProviderKey, r.provider)},
		bytesReadMeasure.M(int64(n)))
	return n, wrapError(r.s, err)
}

// Close implements io.Closer (https://golang.org/pkg/io/#Closer).
func (r *Reader) Close() error {
	r.closed = true
	err := wrapError(r.s, r.r.Close())
	r.end(err)
	return err
}

// Size returns the total size of the blob in bytes, regardless of the range
// being read.
func (r *Reader) Size() int64 {
	return r.r.Size()
}

// Store provides an easy and portable way to interact with immutable blobs.
// To create a Store, use constructors found in provider-specific subpackages.
type Store struct {
	s      driver.Storage
	tracer *trace.Tracer
	seq    atomic.Uint64

	// mu protects the closed variable.
	// Read locks are kept to prevent closing until a call finishes.
	mu     sync.RWMutex
	closed bool
}

const pkgName = "github.com/thatique/gudang/blob"

var (
	latencyMeasure      = trace.LatencyMeasure(pkgName)
	bytesReadMeasure    = stats.Int64(pkgName+"/bytes_read", "Total bytes read", stats.UnitBytes)
	bytesWrittenMeasure = stats.Int64(pkgName+"/bytes_written", "Total bytes written", stats.UnitBytes)

	// OpenCensusViews are predefined views for OpenCensus metrics.
	// The views include counts and latency distributions for API method calls,
	// and total bytes read and written.
	OpenCensusViews = append(
		trace.Views(pkgName, latencyMeasure),
		&view.View{
			Name:        pkgName + "/bytes_read",
			Measure:     bytesReadMeasure,
			Description: "Sum of bytes read from the provider service.",
			TagKeys:     []tag.Key{trace.ProviderKey},
			Aggregation: view.Sum(),
		},
		&view.View{
			Name:        pkgName + "/bytes_written",
			Measure:     bytesWrittenMeasure,
			Description: "Sum of bytes written to the provider service.",
			TagKeys:     []tag.Key{trace.ProviderKey},
			Aggregation: view.Sum(),
		})
)

var errClosed = verr.Newf(verr.Internal, nil, "blob: Store has been closed")

// NewStore is intended for use by provider implementations.
var NewStore = newStore

// newStore creates a new *Store based on a specific driver implementation.
// End users should use subpackages to construct a *Store instead of this
// function; see the package documentation for details.
func newStore(s driver.Storage) *Store {
	return &Store{
		s: s,
		tracer: &trace.Tracer{
			Package:        pkgName,
			Provider:       trace.ProviderName(s),
			LatencyMeasure: latencyMeasure,
		},
	}
}

// newID assigns a fresh blob id: 32 random bytes followed by an 8-byte
// big-endian monotonic counter, hex encoded.
func (s *Store) newID() (string, error) {
	var raw [idRandomSize + idCounterSize]byte
	if _, err := rand.Read(raw[:idRandomSize]); err != nil {
		return "", verr.Newf(verr.Internal, err, "blob: generating blob id")
	}
	binary.BigEndian.PutUint64(raw[idRandomSize:], s.seq.Inc())
	return hex.EncodeToString(raw[:]), nil
}

// Put drains src into the backend and returns the id of the newly created
// blob. The blob is immutable once Put returns.
func (s *Store) Put(ctx context.Context, src io.Reader) (_ string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", errClosed
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	tctx := s.tracer.Start(ctx, "Put")
	defer func() { s.tracer.End(tctx, err) }()

	w, err := s.s.NewWriter(ctx, id)
	if err != nil {
		return "", wrapError(s.s, err)
	}
	n, err := io.Copy(w, src)
	stats.RecordWithTags(context.Background(), []tag.Mutator{tag.Upsert(trace.ProviderKey, s.tracer.Provider)},
		bytesWrittenMeasure.M(n))
	if err != nil {
		_ = w.Close()
		_ = s.s.Delete(ctx, id)
		return "", wrapError(s.s, err)
	}
	if err := w.Close(); err != nil {
		_ = s.s.Delete(ctx, id)
		return "", wrapError(s.s, err)
	}
	return id, nil
}

// NewRangeReader returns a Reader covering rng, clamped to the blob's size.
// A nil rng reads the whole blob. If no blob with this id exists it returns
// (nil, nil); an unknown id is not an error.
//
// The caller must call Close on the returned Reader when done reading.
func (s *Store) NewRangeReader(ctx context.Context, id string, rng *ByteRange) (_ *Reader, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	offset, length := int64(0), int64(-1)
	if rng != nil {
		offset = rng.Start
		length = rng.Length()
	}
	tctx := s.tracer.Start(ctx, "NewRangeReader")
	defer func() {
		// If err == nil, we handed the end closure off to the returned *Reader;
		// it will be called when the Reader is Closed.
		if err != nil {
			s.tracer.End(tctx, err)
		}
	}()
	dr, err := s.s.NewRangeReader(ctx, id, offset, length)
	if err != nil {
		if s.s.ErrorCode(err) == verr.NoSuchKey {
			s.tracer.End(tctx, nil)
			return nil, nil
		}
		return nil, wrapError(s.s, err)
	}
	end := func(err error) { s.tracer.End(tctx, err) }
	r := &Reader{s: s.s, r: dr, end: end, provider: s.tracer.Provider}
	_, file, lineno, ok := runtime.Caller(1)
	runtime.SetFinalizer(r, func(r *Reader) {
		if !r.closed {
			var caller string
			if ok {
				caller = fmt.Sprintf(" (%s:%d)", file, lineno)
			}
			log.Printf("A blob.Reader reading blob %q was never closed%s", id, caller)
		}
	})
	return r, nil
}

// NewMultiRangeReader returns a stream rendering the requested ranges as an
// RFC 7233 multipart/byteranges body, one part per range, framed with
// opts.Boundary and the headers produced by opts.PartHeader. Each range is
// clamped to the blob's size. If no blob with this id exists it returns
// (nil, nil).
//
// Part bodies are streamed one at a time; at most one underlying reader is
// open at any moment. Closing the returned stream aborts the remaining
// parts.
func (s *Store) NewMultiRangeReader(ctx context.Context, id string, ranges []ByteRange, opts *MultiRangeOptions) (io.ReadCloser, error) {
	if opts == nil || opts.Boundary == "" || opts.PartHeader == nil {
		return nil, verr.Newf(verr.InvalidArgument, nil, "blob: NewMultiRangeReader requires a boundary and a part header function")
	}
	if len(ranges) == 0 {
		return nil, verr.Newf(verr.InvalidArgument, nil, "blob: NewMultiRangeReader requires at least one range")
	}
	// Open the first range up front so an unknown id is reported before any
	// bytes are produced.
	first, err := s.NewRangeReader(ctx, id, &ranges[0])
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	if err := mw.SetBoundary(opts.Boundary); err != nil {
		_ = first.Close()
		return nil, verr.Newf(verr.InvalidArgument, err, "blob: invalid multipart boundary %q", opts.Boundary)
	}
	go func() {
		r := first
		var err error
		for i, rng := range ranges {
			if r == nil {
				if r, err = s.NewRangeReader(ctx, id, &rng); err != nil {
					break
				}
				if r == nil {
					err = verr.Newf(verr.Internal, nil, "blob: blob %q disappeared mid multi-range read", id)
					break
				}
			}
			var part io.Writer
			if part, err = mw.CreatePart(opts.PartHeader(i, rng)); err != nil {
				break
			}
			if _, err = io.Copy(part, r); err != nil {
				break
			}
			err = r.Close()
			r = nil
			if err != nil {
				break
			}
		}
		if r != nil {
			_ = r.Close()
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Delete removes the blob with the given id. Deleting an unknown id is a
// no-op.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	ctx = s.tracer.Start(ctx, "Delete")
	defer func() { s.tracer.End(ctx, err) }()
	if err := s.s.Delete(ctx, id); err != nil && s.s.ErrorCode(err) != verr.NoSuchKey {
		return wrapError(s.s, err)
	}
	return nil
}

// Close releases any resources used for the store.
func (s *Store) Close() error {
	s.mu.Lock()
	prev := s.closed
	s.closed = true
	s.mu.Unlock()
	if prev {
		return errClosed
	}
	return s.s.Close()
}

func wrapError(s driver.Storage, err error) error {
	if err == nil {
		return nil
	}
	if verr.DoNotWrap(err) {
		return err
	}
	return verr.New(s.ErrorCode(err), err, 2, "blob")
}
