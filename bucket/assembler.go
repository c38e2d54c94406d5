package bucket

import (
	"context"
	"io"

	"github.com/thatique/gudang/blob"
	"github.com/thatique/gudang/metadata"
	"github.com/thatique/gudang/verr"
)

// partSpan is the slice of one part that a requested range covers.
type partSpan struct {
	blobID string
	rng    blob.ByteRange
}

// overlappingSpans maps an inclusive range over the logical object to the
// covering parts and the local sub-range within each. parts must be in
// ascending part order.
func overlappingSpans(parts []metadata.PartRow, rng blob.ByteRange) []partSpan {
	var spans []partSpan
	var offset int64
	for _, p := range parts {
		partStart := offset
		partEnd := offset + p.Size - 1
		offset += p.Size
		if p.Size == 0 || partEnd < rng.Start {
			continue
		}
		if partStart > rng.End {
			break
		}
		local := blob.ByteRange{Start: 0, End: p.Size - 1}
		if rng.Start > partStart {
			local.Start = rng.Start - partStart
		}
		if rng.End < partEnd {
			local.End = rng.End - partStart
		}
		spans = append(spans, partSpan{blobID: p.BlobID, rng: local})
	}
	return spans
}

// assembledReader streams a byte range of a multipart object: the covering
// parts in order, one underlying reader open at a time. Every required blob
// is pinned before the reader is handed out, and each pin is released as
// soon as its part has been fully delivered.
type assembledReader struct {
	ctx    context.Context
	blobs  *blob.Store
	pins   *pinTable
	spans  []partSpan
	idx    int
	cur    *blob.Reader
	closed bool
}

// newAssembledReader pins every covering blob synchronously, before any
// background deletion scheduled later can run, then returns the lazy stream.
func (b *Bucket) newAssembledReader(ctx context.Context, parts []metadata.PartRow, rng blob.ByteRange) io.ReadCloser {
	spans := overlappingSpans(parts, rng)
	for _, s := range spans {
		b.pins.Acquire(s.blobID)
	}
	return &assembledReader{ctx: ctx, blobs: b.blobs, pins: b.pins, spans: spans}
}

func (r *assembledReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, verr.Newf(verr.Internal, nil, "read of a closed multipart stream")
	}
	for {
		if r.cur == nil {
			if r.idx >= len(r.spans) {
				return 0, io.EOF
			}
			span := r.spans[r.idx]
			cur, err := r.blobs.NewRangeReader(r.ctx, span.blobID, &span.rng)
			if err == nil && cur == nil {
				err = verr.Newf(verr.Internal, nil, "part blob %q is missing", span.blobID)
			}
			if err != nil {
				r.releaseRemaining()
				return 0, err
			}
			r.cur = cur
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			closeErr := r.cur.Close()
			r.cur = nil
			r.pins.Release(r.spans[r.idx].blobID)
			r.idx++
			if closeErr != nil {
				r.releaseRemaining()
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			_ = r.cur.Close()
			r.cur = nil
			r.releaseRemaining()
			return n, err
		}
		return n, nil
	}
}

// releaseRemaining drops the pins of every part not yet delivered, including
// the current one.
func (r *assembledReader) releaseRemaining() {
	for ; r.idx < len(r.spans); r.idx++ {
		r.pins.Release(r.spans[r.idx].blobID)
	}
}

func (r *assembledReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur != nil {
		_ = r.cur.Close()
		r.cur = nil
	}
	r.releaseRemaining()
	return nil
}
