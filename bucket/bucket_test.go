package bucket

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/thatique/gudang/blob/fileblob"
	"github.com/thatique/gudang/metadata"
	"github.com/thatique/gudang/timers"
	"github.com/thatique/gudang/validate"
	"github.com/thatique/gudang/verr"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

// testEngine is a bucket over a fileblob store, so tests can count blob
// files to observe background deletion, and a manual clock so they control
// background-task ticks.
type testEngine struct {
	b       *Bucket
	tm      *timers.Manual
	blobDir string
}

func newTestEngine(t *testing.T, minPartSize int64) *testEngine {
	t.Helper()
	blobDir := t.TempDir()
	blobs, err := fileblob.OpenStore(blobDir)
	require.NoError(t, err)
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "bucket.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		blobs.Close()
		meta.Close()
	})
	tm := timers.NewManual(time.UnixMilli(1_700_000_000_000))
	return &testEngine{
		b:       New(meta, blobs, &Options{MinPartSize: minPartSize, Timers: tm}),
		tm:      tm,
		blobDir: blobDir,
	}
}

func (e *testEngine) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.blobDir)
	require.NoError(t, err)
	return len(entries)
}

func (e *testEngine) put(t *testing.T, key, value string) *Object {
	t.Helper()
	obj, err := e.b.Put(context.Background(), key, strings.NewReader(value), int64(len(value)), nil)
	require.NoError(t, err)
	return obj
}

func (e *testEngine) get(t *testing.T, key string, opts *GetOptions) (*Object, string) {
	t.Helper()
	obj, r, err := e.b.Get(context.Background(), key, opts)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return obj, string(body)
}

func TestPutGetRoundTrip(t *testing.T) {
	e := newTestEngine(t, 50)
	obj := e.put(t, "k", "hello")

	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, helloMD5, obj.Etag)
	assert.Equal(t, helloMD5, obj.Checksums["md5"])
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), obj.Version)
	assert.Equal(t, int64(1_700_000_000_000), obj.Uploaded)

	got, body := e.get(t, "k", nil)
	assert.Equal(t, "hello", body)
	assert.Equal(t, obj.Etag, got.Etag)
	assert.Equal(t, &Range{Offset: 0, Length: 5}, got.Range)
}

func TestHead(t *testing.T) {
	e := newTestEngine(t, 50)
	e.put(t, "k", "hello")

	obj, err := e.b.Head(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, &Range{Offset: 0, Length: 5}, obj.Range)

	_, err = e.b.Head(context.Background(), "missing")
	assert.Equal(t, verr.NoSuchKey, verr.Code(err))
}

func TestPutReplaceDeletesOldBlob(t *testing.T) {
	e := newTestEngine(t, 50)
	e.put(t, "k", "old value")
	e.put(t, "k", "new value")

	assert.Equal(t, 2, e.blobCount(t))
	e.tm.Tick()
	assert.Equal(t, 1, e.blobCount(t))

	_, body := e.get(t, "k", nil)
	assert.Equal(t, "new value", body)
}

func TestConditionalPutKeepsStoredValue(t *testing.T) {
	e := newTestEngine(t, 50)
	obj := e.put(t, "k", "hello")

	_, err := e.b.Put(context.Background(), "k", strings.NewReader("v"), 1, &PutOptions{
		OnlyIf: &validate.Conditions{
			EtagDoesNotMatch: []validate.ETag{{Type: validate.ETagStrong, Value: obj.Etag}},
		},
	})
	assert.Equal(t, verr.PreconditionFailed, verr.Code(err))

	// The rejected value's blob is gone within one background-task tick.
	assert.Equal(t, 2, e.blobCount(t))
	e.tm.Tick()
	assert.Equal(t, 1, e.blobCount(t))

	_, body := e.get(t, "k", nil)
	assert.Equal(t, "hello", body)
}

func TestGetPreconditionCarriesMetadata(t *testing.T) {
	e := newTestEngine(t, 50)
	obj := e.put(t, "k", "hello")

	_, _, err := e.b.Get(context.Background(), "k", &GetOptions{
		OnlyIf: &validate.Conditions{
			EtagDoesNotMatch: []validate.ETag{{Type: validate.ETagStrong, Value: obj.Etag}},
		},
	})
	require.Equal(t, verr.PreconditionFailed, verr.Code(err))
	var pre *PreconditionError
	require.True(t, xerrors.As(err, &pre))
	assert.Equal(t, obj.Etag, pre.Object.Etag)
	assert.Equal(t, "k", pre.Object.Key)
}

func TestGetRange(t *testing.T) {
	e := newTestEngine(t, 50)
	e.put(t, "k", "abcdefghij")

	length := int64(3)
	offset := int64(2)
	obj, body := e.get(t, "k", &GetOptions{Range: &validate.RangeSpec{Offset: &offset, Length: &length}})
	assert.Equal(t, "cde", body)
	assert.Equal(t, &Range{Offset: 2, Length: 3}, obj.Range)

	_, body = e.get(t, "k", &GetOptions{RangeHeader: "bytes=5-"})
	assert.Equal(t, "fghij", body)

	// A multi-range header collapses to the whole object.
	_, body = e.get(t, "k", &GetOptions{RangeHeader: "bytes=0-1,4-5"})
	assert.Equal(t, "abcdefghij", body)
}

func TestBadDigestDiscardsBlob(t *testing.T) {
	e := newTestEngine(t, 50)
	_, err := e.b.Put(context.Background(), "k", strings.NewReader("hello"), 5, &PutOptions{
		Expected: map[string]string{"md5": strings.Repeat("0", 32)},
	})
	require.Equal(t, verr.BadDigest, verr.Code(err))
	var bad *validate.BadDigestError
	require.True(t, xerrors.As(err, &bad))
	assert.Equal(t, helloMD5, bad.Computed)

	e.tm.Tick()
	assert.Equal(t, 0, e.blobCount(t))
	_, err = e.b.Head(context.Background(), "k")
	assert.Equal(t, verr.NoSuchKey, verr.Code(err))
}

func TestDelete(t *testing.T) {
	e := newTestEngine(t, 50)
	e.put(t, "a", "one")
	e.put(t, "b", "two")

	require.NoError(t, e.b.Delete(context.Background(), "a", "b", "absent"))
	e.tm.Tick()
	assert.Equal(t, 0, e.blobCount(t))

	_, err := e.b.Head(context.Background(), "a")
	assert.Equal(t, verr.NoSuchKey, verr.Code(err))
}

func uploadParts(t *testing.T, e *testEngine, key, uploadID string, bodies ...string) []metadata.SelectedPart {
	t.Helper()
	selected := make([]metadata.SelectedPart, len(bodies))
	for i, body := range bodies {
		etag, err := e.b.UploadPart(context.Background(), key, uploadID, i+1,
			strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		selected[i] = metadata.SelectedPart{PartNumber: i + 1, Etag: etag}
	}
	return selected
}

func TestMultipartLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "big", &UploadOptions{
		HTTPMetadata: map[string]string{"content-type": "application/octet-stream"},
	})
	require.NoError(t, err)

	p1 := strings.Repeat("a", 60)
	p2 := strings.Repeat("b", 60)
	p3 := strings.Repeat("c", 20)
	selected := uploadParts(t, e, "big", uploadID, p1, p2, p3)

	// The short part is last in ascending order; argument order may differ.
	scrambled := []metadata.SelectedPart{selected[1], selected[0], selected[2]}
	obj, err := e.b.CompleteMultipartUpload(ctx, "big", uploadID, scrambled)
	require.NoError(t, err)
	assert.Equal(t, int64(140), obj.Size)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}-3$`), obj.Etag)
	assert.Empty(t, obj.Checksums)
	assert.Equal(t, "application/octet-stream", obj.HTTPMetadata["content-type"])

	_, body := e.get(t, "big", nil)
	assert.Equal(t, p1+p2+p3, body)

	// A range spanning the first seam.
	offset, length := int64(55), int64(10)
	_, body = e.get(t, "big", &GetOptions{Range: &validate.RangeSpec{Offset: &offset, Length: &length}})
	assert.Equal(t, "aaaaabbbbb", body)
}

func TestMultipartRangeAcrossParts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 5)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "obj", nil)
	require.NoError(t, err)
	selected := uploadParts(t, e, "obj", uploadID, "AAAAA", "BBBBB", "CCC")
	obj, err := e.b.CompleteMultipartUpload(ctx, "obj", uploadID, selected)
	require.NoError(t, err)
	assert.Equal(t, int64(13), obj.Size)

	offset, length := int64(3), int64(7)
	got, body := e.get(t, "obj", &GetOptions{Range: &validate.RangeSpec{Offset: &offset, Length: &length}})
	assert.Equal(t, "AABBBBB", body)
	assert.Equal(t, &Range{Offset: 3, Length: 7}, got.Range)
}

func TestUploadPartSizeRules(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "k", nil)
	require.NoError(t, err)
	selected := uploadParts(t, e, "k", uploadID,
		strings.Repeat("a", 60), strings.Repeat("b", 40), strings.Repeat("c", 60))

	// The 40-byte part is not last in argument order.
	_, err = e.b.CompleteMultipartUpload(ctx, "k", uploadID, selected)
	assert.Equal(t, verr.EntityTooSmall, verr.Code(err))
}

func TestUploadPartNonUniformSizes(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "k", nil)
	require.NoError(t, err)
	selected := uploadParts(t, e, "k", uploadID,
		strings.Repeat("a", 60), strings.Repeat("b", 60), strings.Repeat("c", 70))

	// A last part larger than the uniform size of the others breaks assembly.
	_, err = e.b.CompleteMultipartUpload(ctx, "k", uploadID, selected)
	assert.Equal(t, verr.BadUpload, verr.Code(err))
}

func TestUploadPartUnknownUpload(t *testing.T) {
	e := newTestEngine(t, 50)
	_, err := e.b.UploadPart(context.Background(), "k", "no-such-upload", 1, strings.NewReader("x"), 1)
	assert.Equal(t, verr.NoSuchUpload, verr.Code(err))

	// The part's blob was written before the upload check; one tick later
	// it is gone.
	e.tm.Tick()
	assert.Equal(t, 0, e.blobCount(t))
}

func TestUploadPartReplacement(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "k", nil)
	require.NoError(t, err)
	_, err = e.b.UploadPart(ctx, "k", uploadID, 1, strings.NewReader(strings.Repeat("a", 60)), 60)
	require.NoError(t, err)
	etag, err := e.b.UploadPart(ctx, "k", uploadID, 1, strings.NewReader(strings.Repeat("z", 60)), 60)
	require.NoError(t, err)

	e.tm.Tick()
	assert.Equal(t, 1, e.blobCount(t))

	obj, err := e.b.CompleteMultipartUpload(ctx, "k", uploadID,
		[]metadata.SelectedPart{{PartNumber: 1, Etag: etag}})
	require.NoError(t, err)
	assert.Equal(t, int64(60), obj.Size)
	_, body := e.get(t, "k", nil)
	assert.Equal(t, strings.Repeat("z", 60), body)
}

func TestAbortDropsParts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "k", nil)
	require.NoError(t, err)
	uploadParts(t, e, "k", uploadID, strings.Repeat("a", 60), strings.Repeat("b", 60))

	require.NoError(t, e.b.AbortMultipartUpload(ctx, "k", uploadID))
	e.tm.Tick()
	assert.Equal(t, 0, e.blobCount(t))

	// Aborting again is a no-op, and completing is an error.
	require.NoError(t, e.b.AbortMultipartUpload(ctx, "k", uploadID))
	_, err = e.b.CompleteMultipartUpload(ctx, "k", uploadID, nil)
	assert.Equal(t, verr.NoSuchUpload, verr.Code(err))
}

func TestAbortAfterCompleteIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "k", nil)
	require.NoError(t, err)
	selected := uploadParts(t, e, "k", uploadID, strings.Repeat("a", 60))
	obj, err := e.b.CompleteMultipartUpload(ctx, "k", uploadID, selected)
	require.NoError(t, err)

	require.NoError(t, e.b.AbortMultipartUpload(ctx, "k", uploadID))
	e.tm.Tick()

	// The object and its linked part blobs survived the late abort.
	got, body := e.get(t, "k", nil)
	assert.Equal(t, obj.Size, got.Size)
	assert.Equal(t, strings.Repeat("a", 60), body)
	assert.Equal(t, 1, e.blobCount(t))
}

func TestListWithDelimiter(t *testing.T) {
	e := newTestEngine(t, 50)
	for _, key := range []string{"a/1", "a/2", "b", "c/x/1", "c/x/2"} {
		e.put(t, key, "v")
	}

	page, err := e.b.List(context.Background(), &ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "b", page.Objects[0].Key)
	assert.Equal(t, []string{"a/", "c/"}, page.DelimitedPrefixes)
	assert.False(t, page.Truncated)
	assert.Empty(t, page.Cursor)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		e.put(t, key, "v")
	}

	limit := 2
	var keys []string
	cursor := ""
	for {
		page, err := e.b.List(ctx, &ListOptions{Limit: &limit, Cursor: cursor})
		require.NoError(t, err)
		for _, obj := range page.Objects {
			keys = append(keys, obj.Key)
		}
		if !page.Truncated {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k4", "k5"}, keys)
}

func TestListMetadataMasking(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 50)
	_, err := e.b.Put(ctx, "k", strings.NewReader("v"), 1, &PutOptions{
		HTTPMetadata:   map[string]string{"content-type": "text/plain"},
		CustomMetadata: map[string]string{"owner": "tester"},
	})
	require.NoError(t, err)

	page, err := e.b.List(ctx, &ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Objects[0].HTTPMetadata)
	assert.Empty(t, page.Objects[0].CustomMetadata)

	page, err = e.b.List(ctx, &ListOptions{IncludeHTTP: true, IncludeCustom: true})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", page.Objects[0].HTTPMetadata["content-type"])
	assert.Equal(t, "tester", page.Objects[0].CustomMetadata["owner"])
}

func TestListLimitValidation(t *testing.T) {
	e := newTestEngine(t, 50)
	for _, bad := range []int{0, 1001} {
		limit := bad
		_, err := e.b.List(context.Background(), &ListOptions{Limit: &limit})
		assert.Equal(t, verr.InvalidMaxKeys, verr.Code(err))
	}
}

// A concurrent delete must not corrupt an in-flight multipart read: the
// background deletion waits for the reader's pins.
func TestRefCountSafety(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 5)

	uploadID, err := e.b.CreateMultipartUpload(ctx, "obj", nil)
	require.NoError(t, err)
	selected := uploadParts(t, e, "obj", uploadID, "AAAAA", "BBBBB", "CCC")
	_, err = e.b.CompleteMultipartUpload(ctx, "obj", uploadID, selected)
	require.NoError(t, err)

	_, r, err := e.b.Get(ctx, "obj", nil)
	require.NoError(t, err)

	var got bytes.Buffer
	_, err = io.CopyN(&got, r, 3)
	require.NoError(t, err)

	// Delete the object mid-read and run the background deleter; it must
	// block on the reader's pins rather than pull blobs out from under it.
	require.NoError(t, e.b.Delete(ctx, "obj"))
	tickDone := make(chan struct{})
	go func() {
		e.tm.Tick()
		close(tickDone)
	}()

	_, err = io.Copy(&got, r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "AAAAABBBBBCCC", got.String())

	select {
	case <-tickDone:
	case <-time.After(5 * time.Second):
		t.Fatal("background deletion never finished after the read released its pins")
	}
	assert.Equal(t, 0, e.blobCount(t))
	_, err = e.b.Head(ctx, "obj")
	assert.Equal(t, verr.NoSuchKey, verr.Code(err))
}

func TestKeyBoundaries(t *testing.T) {
	e := newTestEngine(t, 50)
	longest := strings.Repeat("k", 1024)
	e.put(t, longest, "v")

	_, err := e.b.Put(context.Background(), longest+"k", strings.NewReader("v"), 1, nil)
	assert.Equal(t, verr.InvalidObjectName, verr.Code(err))
	// The rejected blob is reclaimed.
	e.tm.Tick()
	assert.Equal(t, 1, e.blobCount(t))
}
