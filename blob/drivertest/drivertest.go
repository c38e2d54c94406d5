// Package drivertest provides a conformance test for implementations of the
// blob storage driver.
package drivertest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/thatique/gudang/blob"
	"github.com/thatique/gudang/blob/driver"
)

// Harness descibes the functionality test harnesses must provide to run
// conformance tests.
type Harness interface {
	// MakeStorage creates a driver.Storage to test.
	// Multiple calls to MakeStorage during a test run must refer to the
	// same underlying storage; i.e., a blob created using one
	// driver.Storage must be readable by a subsequent driver.Storage.
	MakeStorage(ctx context.Context) (driver.Storage, error)
	// Close closes resources used by the harness.
	Close()
}

// HarnessMaker describes functions that construct a harness for running tests.
// It is called exactly once per test; Harness.Close() will be called when the test is complete.
type HarnessMaker func(ctx context.Context, t *testing.T) (Harness, error)

// RunConformanceTests runs conformance tests for provider implementations of
// the blob storage driver.
func RunConformanceTests(t *testing.T, newHarness HarnessMaker) {
	t.Run("TestPutGetRoundTrip", func(t *testing.T) {
		testPutGetRoundTrip(t, newHarness)
	})
	t.Run("TestIDFormat", func(t *testing.T) {
		testIDFormat(t, newHarness)
	})
	t.Run("TestRangeReads", func(t *testing.T) {
		testRangeReads(t, newHarness)
	})
	t.Run("TestUnknownID", func(t *testing.T) {
		testUnknownID(t, newHarness)
	})
	t.Run("TestDelete", func(t *testing.T) {
		testDelete(t, newHarness)
	})
	t.Run("TestConcurrentReaders", func(t *testing.T) {
		testConcurrentReaders(t, newHarness)
	})
	t.Run("TestMultiRange", func(t *testing.T) {
		testMultiRange(t, newHarness)
	})
}

func makeStore(ctx context.Context, t *testing.T, newHarness HarnessMaker) (*blob.Store, func()) {
	t.Helper()
	h, err := newHarness(ctx, t)
	if err != nil {
		t.Fatal(err)
	}
	drv, err := h.MakeStorage(ctx)
	if err != nil {
		h.Close()
		t.Fatal(err)
	}
	store := blob.NewStore(drv)
	return store, func() {
		store.Close()
		h.Close()
	}
}

func mustPut(ctx context.Context, t *testing.T, store *blob.Store, content []byte) string {
	t.Helper()
	id, err := store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return id
}

func readRange(ctx context.Context, t *testing.T, store *blob.Store, id string, rng *blob.ByteRange) []byte {
	t.Helper()
	r, err := store.NewRangeReader(ctx, id, rng)
	if err != nil {
		t.Fatalf("NewRangeReader: %v", err)
	}
	if r == nil {
		t.Fatalf("NewRangeReader returned nil for existing blob %q", id)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading blob %q: %v", id, err)
	}
	return data
}

func testPutGetRoundTrip(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	for _, content := range [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 64*1024),
	} {
		id := mustPut(ctx, t, store, content)
		got := readRange(ctx, t, store, id, nil)
		if !bytes.Equal(content, got) {
			t.Errorf("round trip mismatch for %d bytes: %s", len(content), cmp.Diff(content, got))
		}
	}
}

func testIDFormat(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id := mustPut(ctx, t, store, []byte("x"))
		if len(id) != 80 {
			t.Fatalf("id %q has length %d, want 80 hex chars", id, len(id))
		}
		if _, err := hex.DecodeString(id); err != nil {
			t.Fatalf("id %q is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func testRangeReads(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	content := []byte("abcdefghijklmnopqrstuvwxyz")
	id := mustPut(ctx, t, store, content)

	tests := []struct {
		name string
		rng  blob.ByteRange
		want []byte
	}{
		{"interior", blob.ByteRange{Start: 3, End: 9}, content[3:10]},
		{"fromStart", blob.ByteRange{Start: 0, End: 4}, content[:5]},
		{"toEnd", blob.ByteRange{Start: 20, End: 25}, content[20:]},
		{"singleByte", blob.ByteRange{Start: 25, End: 25}, content[25:]},
		{"endPastEOF", blob.ByteRange{Start: 10, End: 1000}, content[10:]},
		{"startPastEOF", blob.ByteRange{Start: 100, End: 200}, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rng := test.rng
			got := readRange(ctx, t, store, id, &rng)
			if !bytes.Equal(got, test.want) {
				t.Errorf("range [%d,%d]: got %q, want %q", rng.Start, rng.End, got, test.want)
			}
		})
	}
}

func testUnknownID(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	unknown := strings.Repeat("0f", 40)
	r, err := store.NewRangeReader(ctx, unknown, nil)
	if err != nil {
		t.Fatalf("unknown id must not error, got %v", err)
	}
	if r != nil {
		r.Close()
		t.Fatal("unknown id must return a nil reader")
	}
	mr, err := store.NewMultiRangeReader(ctx, unknown, []blob.ByteRange{{Start: 0, End: 0}}, &blob.MultiRangeOptions{
		Boundary:   "b",
		PartHeader: func(int, blob.ByteRange) textproto.MIMEHeader { return textproto.MIMEHeader{} },
	})
	if err != nil {
		t.Fatalf("unknown id must not error for multi-range, got %v", err)
	}
	if mr != nil {
		mr.Close()
		t.Fatal("unknown id must return a nil multi-range reader")
	}
}

func testDelete(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	id := mustPut(ctx, t, store, []byte("doomed"))
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	r, err := store.NewRangeReader(ctx, id, nil)
	if err != nil || r != nil {
		t.Fatalf("blob still readable after delete: r=%v err=%v", r, err)
	}
	// Deleting an absent id is a no-op.
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete must be a no-op, got %v", err)
	}
}

func testConcurrentReaders(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	content := bytes.Repeat([]byte("gudang"), 4096)
	id := mustPut(ctx, t, store, content)

	const readers = 8
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := store.NewRangeReader(ctx, id, nil)
			if err != nil || r == nil {
				errs <- fmt.Errorf("open: r=%v err=%v", r, err)
				return
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, content) {
				errs <- fmt.Errorf("concurrent read returned %d bytes, want %d", len(got), len(content))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func testMultiRange(t *testing.T, newHarness HarnessMaker) {
	ctx := context.Background()
	store, done := makeStore(ctx, t, newHarness)
	defer done()

	content := []byte("0123456789abcdefghij")
	id := mustPut(ctx, t, store, content)

	ranges := []blob.ByteRange{
		{Start: 0, End: 3},
		{Start: 10, End: 14},
		{Start: 18, End: 100},
	}
	const boundary = "3d6b6a416f9b5"
	opts := &blob.MultiRangeOptions{
		Boundary: boundary,
		PartHeader: func(i int, r blob.ByteRange) textproto.MIMEHeader {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Type", "application/octet-stream")
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, len(content)))
			return h
		},
	}
	body, err := store.NewMultiRangeReader(ctx, id, ranges, opts)
	if err != nil {
		t.Fatalf("NewMultiRangeReader: %v", err)
	}
	if body == nil {
		t.Fatal("NewMultiRangeReader returned nil for existing blob")
	}
	defer body.Close()

	mr := multipart.NewReader(body, boundary)
	want := [][]byte{content[0:4], content[10:15], content[18:]}
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			if i != len(want) {
				t.Fatalf("got %d parts, want %d", i, len(want))
			}
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if i >= len(want) {
			t.Fatalf("unexpected extra part %d", i)
		}
		got, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("reading part %d: %v", i, err)
		}
		if !bytes.Equal(got, want[i]) {
			t.Errorf("part %d: got %q, want %q", i, got, want[i])
		}
		if cr := part.Header.Get("Content-Range"); !strings.HasPrefix(cr, "bytes ") {
			t.Errorf("part %d has no Content-Range header", i)
		}
	}
}
