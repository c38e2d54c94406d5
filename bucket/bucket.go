// Package bucket implements the coordinator of one object bucket: the
// public head/get/put/delete/list operations and the multipart upload state
// machine, over a transactional metadata store and an immutable blob store.
//
// Operations that displace blobs (replacing or deleting an object, dropping
// a part) never delete synchronously; the displaced blob ids are handed to a
// background deleter that waits for in-flight reads to release their pins.
package bucket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thatique/gudang/blob"
	"github.com/thatique/gudang/digest"
	"github.com/thatique/gudang/metadata"
	"github.com/thatique/gudang/timers"
	"github.com/thatique/gudang/validate"
	"github.com/thatique/gudang/verr"
)

// uploadIDSize is the number of random bytes in a multipart upload id.
const uploadIDSize = 128

// Options configures a Bucket.
type Options struct {
	// MinPartSize is the minimum size of every non-last part of a
	// multipart upload. Defaults to validate.MinPartSize; tests lower it.
	MinPartSize int64

	// Timers supplies the clock and the background-task queue. Defaults to
	// timers.Real().
	Timers timers.Timers

	// Logger receives background-deletion failures. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// Bucket coordinates the operations of one object bucket.
type Bucket struct {
	meta        *metadata.Store
	blobs       *blob.Store
	pins        *pinTable
	timers      timers.Timers
	logger      *zap.Logger
	minPartSize int64
}

// New creates a Bucket over its two stores. A nil opts is treated the same
// as the zero value.
func New(meta *metadata.Store, blobs *blob.Store, opts *Options) *Bucket {
	if opts == nil {
		opts = &Options{}
	}
	b := &Bucket{
		meta:        meta,
		blobs:       blobs,
		pins:        newPinTable(),
		timers:      opts.Timers,
		logger:      opts.Logger,
		minPartSize: opts.MinPartSize,
	}
	if b.timers == nil {
		b.timers = timers.Real()
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.minPartSize == 0 {
		b.minPartSize = validate.MinPartSize
	}
	return b
}

// Object is the caller-visible metadata of an object.
type Object struct {
	Key            string            `json:"key"`
	Version        string            `json:"version"`
	Size           int64             `json:"size"`
	Etag           string            `json:"etag"`
	Uploaded       int64             `json:"uploaded"`
	Checksums      map[string]string `json:"checksums"`
	HTTPMetadata   map[string]string `json:"httpMetadata"`
	CustomMetadata map[string]string `json:"customMetadata"`
	Range          *Range            `json:"range,omitempty"`
}

// Range describes the window of the object a get's body covers.
type Range struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// PreconditionError carries the current object's metadata when a get fails
// its precondition; recover it from a verr.PreconditionFailed error with
// xerrors.As.
type PreconditionError struct {
	Object *Object
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed against object %q", e.Object.Key)
}

func objectFromRow(row *metadata.ObjectRow, rng *Range) *Object {
	if rng == nil {
		rng = &Range{Offset: 0, Length: row.Size}
	}
	return &Object{
		Key:            row.Key,
		Version:        row.Version,
		Size:           row.Size,
		Etag:           row.Etag,
		Uploaded:       row.Uploaded,
		Checksums:      row.Checksums,
		HTTPMetadata:   row.HTTPMetadata,
		CustomMetadata: row.CustomMetadata,
		Range:          rng,
	}
}

// newVersion assigns the opaque version of a new object row: 16 random
// bytes, hex.
func newVersion() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Head returns the metadata of the object at key.
func (b *Bucket) Head(ctx context.Context, key string) (*Object, error) {
	if err := validate.Key(key); err != nil {
		return nil, err
	}
	row, err := b.meta.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, verr.Newf(verr.NoSuchKey, nil, "no object at key %q", key)
	}
	return objectFromRow(row, nil), nil
}

// GetOptions are the optional inputs of Get.
type GetOptions struct {
	OnlyIf      *validate.Conditions
	Range       *validate.RangeSpec
	RangeHeader string
}

// Get returns the metadata of the object at key and a stream of its value,
// restricted to the requested range when one is given. When the
// precondition fails, the returned error wraps a *PreconditionError holding
// the current metadata.
//
// The caller must close the returned stream.
func (b *Bucket) Get(ctx context.Context, key string, opts *GetOptions) (*Object, io.ReadCloser, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	if err := validate.Key(key); err != nil {
		return nil, nil, err
	}
	row, parts, err := b.meta.GetPartsByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, verr.Newf(verr.NoSuchKey, nil, "no object at key %q", key)
	}
	meta := &validate.ConditionalMeta{Etag: row.Etag, Uploaded: row.Uploaded}
	if !validate.Condition(meta, opts.OnlyIf) {
		return nil, nil, verr.New(verr.PreconditionFailed,
			&PreconditionError{Object: objectFromRow(row, nil)}, 1,
			fmt.Sprintf("precondition failed on get of %q", key))
	}
	rng, err := validate.Range(opts.Range, opts.RangeHeader, row.Size)
	if err != nil {
		return nil, nil, err
	}
	var rangeInfo *Range
	if rng != nil {
		rangeInfo = &Range{Offset: rng.Start, Length: rng.Length()}
	}
	obj := objectFromRow(row, rangeInfo)

	if !row.Multipart {
		r, err := b.blobs.NewRangeReader(ctx, row.BlobID, rng)
		if err != nil {
			return nil, nil, err
		}
		if r == nil {
			return nil, nil, verr.Newf(verr.Internal, nil, "object %q references missing blob %q", key, row.BlobID)
		}
		return obj, r, nil
	}

	effective := blob.ByteRange{Start: 0, End: row.Size - 1}
	if rng != nil {
		effective = *rng
	}
	return obj, b.newAssembledReader(ctx, parts, effective), nil
}

// PutOptions are the optional inputs of Put.
type PutOptions struct {
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
	OnlyIf         *validate.Conditions
	// Expected maps digest algorithm names to the hex digests the caller
	// claims for the value.
	Expected map[string]string
}

// Put stores a new object at key from a stream of size bytes. The value is
// drained into the blob store before any validation so that digests can be
// compared; if anything fails after that point the freshly written blob is
// scheduled for background deletion.
func (b *Bucket) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*Object, error) {
	if opts == nil {
		opts = &PutOptions{}
	}
	algorithms := []string{digest.MD5}
	for algorithm := range opts.Expected {
		algorithms = append(algorithms, algorithm)
	}
	dr, err := digest.NewReader(body, algorithms...)
	if err != nil {
		return nil, err
	}
	blobID, err := b.blobs.Put(ctx, dr)
	if err != nil {
		return nil, err
	}

	row, err := b.putValidated(ctx, key, blobID, size, dr.Sums(), opts)
	if err != nil {
		// The blob was written before validation; it is orphaned now.
		b.scheduleDeletes(blobID)
		return nil, err
	}
	return objectFromRow(row, nil), nil
}

func (b *Bucket) putValidated(ctx context.Context, key, blobID string, size int64, sums map[string][]byte, opts *PutOptions) (*metadata.ObjectRow, error) {
	if err := validate.Key(key); err != nil {
		return nil, err
	}
	if err := validate.Size(size); err != nil {
		return nil, err
	}
	if err := validate.MetadataSize(opts.CustomMetadata); err != nil {
		return nil, err
	}
	checksums, err := validate.Hash(sums, opts.Expected)
	if err != nil {
		return nil, err
	}
	row := &metadata.ObjectRow{
		Key:            key,
		Version:        newVersion(),
		Size:           size,
		Etag:           checksums[digest.MD5],
		Uploaded:       b.timers.Now().UnixMilli(),
		Checksums:      checksums,
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
		BlobID:         blobID,
	}
	displaced, err := b.meta.Put(ctx, row, opts.OnlyIf)
	if err != nil {
		return nil, err
	}
	b.scheduleDeletes(displaced...)
	return row, nil
}

// Delete removes the named objects in one transaction. Absent keys are not
// an error.
func (b *Bucket) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := validate.Key(key); err != nil {
			return err
		}
	}
	displaced, err := b.meta.DeleteByKeys(ctx, keys)
	if err != nil {
		return err
	}
	b.scheduleDeletes(displaced...)
	return nil
}

// ListOptions are the inputs of List.
type ListOptions struct {
	Prefix     string
	StartAfter string
	// Cursor is an opaque pagination token from a previous page. When both
	// Cursor and StartAfter are given, the lexicographically greater lower
	// bound wins.
	Cursor        string
	Limit         *int
	Delimiter     string
	IncludeHTTP   bool
	IncludeCustom bool
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects           []*Object `json:"objects"`
	DelimitedPrefixes []string  `json:"delimitedPrefixes"`
	Truncated         bool      `json:"truncated"`
	Cursor            string    `json:"cursor,omitempty"`
}

// listDefaultLimit is the page size when the caller does not give one;
// listIncludeLimit caps pages that carry http or custom metadata.
const (
	listDefaultLimit = 1000
	listIncludeLimit = 100
)

// List returns one page of the bucket's keys under a prefix, optionally
// grouped by a delimiter.
func (b *Bucket) List(ctx context.Context, opts *ListOptions) (*ListResult, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	if err := validate.Limit(opts.Limit); err != nil {
		return nil, err
	}
	limit := listDefaultLimit
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	if (opts.IncludeHTTP || opts.IncludeCustom) && limit > listIncludeLimit {
		limit = listIncludeLimit
	}
	startAfter := opts.StartAfter
	if opts.Cursor != "" {
		// A cursor that does not decode is ignored rather than failing the
		// page.
		if raw, err := base64.StdEncoding.DecodeString(opts.Cursor); err == nil {
			if key := string(raw); key > startAfter {
				startAfter = key
			}
		}
	}

	entries, err := b.meta.List(ctx, &metadata.ListOptions{
		Prefix:     opts.Prefix,
		StartAfter: startAfter,
		Limit:      limit + 1,
		Delimiter:  opts.Delimiter,
	})
	if err != nil {
		return nil, err
	}

	result := &ListResult{
		Objects:           []*Object{},
		DelimitedPrefixes: []string{},
	}
	if len(entries) == limit+1 {
		entries = entries[:limit]
		result.Truncated = true
		result.Cursor = base64.StdEncoding.EncodeToString([]byte(entries[limit-1].EffectiveKey))
	}
	for _, e := range entries {
		if e.Object == nil {
			result.DelimitedPrefixes = append(result.DelimitedPrefixes, e.DelimitedPrefix)
			continue
		}
		obj := objectFromRow(e.Object, nil)
		if !opts.IncludeHTTP {
			obj.HTTPMetadata = map[string]string{}
		}
		if !opts.IncludeCustom {
			obj.CustomMetadata = map[string]string{}
		}
		result.Objects = append(result.Objects, obj)
	}
	return result, nil
}

// UploadOptions are the optional inputs of CreateMultipartUpload.
type UploadOptions struct {
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
}

// CreateMultipartUpload opens a new multipart upload at key and returns its
// id.
func (b *Bucket) CreateMultipartUpload(ctx context.Context, key string, opts *UploadOptions) (string, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}
	if err := validate.Key(key); err != nil {
		return "", err
	}
	if err := validate.MetadataSize(opts.CustomMetadata); err != nil {
		return "", err
	}
	raw := make([]byte, uploadIDSize)
	if _, err := rand.Read(raw); err != nil {
		return "", verr.Newf(verr.Internal, err, "generating upload id")
	}
	uploadID := base64.RawURLEncoding.EncodeToString(raw)
	err := b.meta.CreateMultipartUpload(ctx, &metadata.UploadRow{
		UploadID:       uploadID,
		Key:            key,
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
	})
	if err != nil {
		return "", err
	}
	return uploadID, nil
}

// UploadPart stores one part of an in-progress upload and returns the etag
// to select it with on complete. Re-uploading a part number displaces the
// previous part's blob.
func (b *Bucket) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	if err := validate.Key(key); err != nil {
		return "", err
	}
	dr, err := digest.NewReader(body, digest.MD5)
	if err != nil {
		return "", err
	}
	blobID, err := b.blobs.Put(ctx, dr)
	if err != nil {
		return "", err
	}
	// Part etags are opaque random ids, not content digests.
	etagUUID := uuid.New()
	etag := hex.EncodeToString(etagUUID[:])

	previous, err := b.meta.PutPart(ctx, key, &metadata.PartRow{
		UploadID:    uploadID,
		PartNumber:  partNumber,
		BlobID:      blobID,
		Size:        size,
		Etag:        etag,
		ChecksumMD5: hex.EncodeToString(dr.Sums()[digest.MD5]),
	})
	if err != nil {
		b.scheduleDeletes(blobID)
		return "", err
	}
	if previous != nil {
		b.scheduleDeletes(*previous)
	}
	return etag, nil
}

// CompleteMultipartUpload finalises an upload into an object assembled from
// the selected parts.
func (b *Bucket) CompleteMultipartUpload(ctx context.Context, key, uploadID string, selected []metadata.SelectedPart) (*Object, error) {
	if err := validate.Key(key); err != nil {
		return nil, err
	}
	row, displaced, err := b.meta.CompleteMultipartUpload(ctx, key, uploadID, selected,
		b.minPartSize, newVersion(), b.timers.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	b.scheduleDeletes(displaced...)
	return objectFromRow(row, nil), nil
}

// AbortMultipartUpload drops an in-progress upload and its parts. Aborting
// an already finalised upload is a no-op.
func (b *Bucket) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := validate.Key(key); err != nil {
		return err
	}
	displaced, err := b.meta.AbortMultipartUpload(ctx, key, uploadID)
	if err != nil {
		return err
	}
	b.scheduleDeletes(displaced...)
	return nil
}
