package fileblob

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/thatique/gudang/blob/driver"
	"github.com/thatique/gudang/blob/drivertest"
)

type harness struct {
	dir    string
	closer func()
}

func newHarness(ctx context.Context, t *testing.T) (drivertest.Harness, error) {
	dir, err := os.MkdirTemp("", "gudang-fileblob")
	if err != nil {
		return nil, err
	}
	return &harness{dir: dir, closer: func() { _ = os.RemoveAll(dir) }}, nil
}

func (h *harness) MakeStorage(ctx context.Context) (driver.Storage, error) {
	return openStorage(h.dir)
}

func (h *harness) Close() {
	h.closer()
}

func TestConformance(t *testing.T) {
	drivertest.RunConformanceTests(t, newHarness)
}

func TestOpenStoreRequiresDir(t *testing.T) {
	if _, err := OpenStore("/definitely/does/not/exist"); err == nil {
		t.Fatal("OpenStore of a missing directory must fail")
	}
}

func TestBlobFileIsSealedReadOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id, err := store.Put(ctx, bytes.NewReader([]byte("sealed")))
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir + "/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0444 {
		t.Errorf("blob file has mode %v, want read-only 0444", perm)
	}
}
