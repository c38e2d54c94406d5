// Package blobhealth reports whether a bucket's blob store is usable by
// round-tripping a small probe blob: put, read back, delete. The probe blob
// is never referenced by metadata, so a crash between put and delete leaves
// at most one dangling probe.
package blobhealth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/thatique/gudang/blob"
)

const (
	probeValue   = "gudang-health-probe"
	probeTimeout = 5 * time.Second
)

// Checker round-trips a probe blob on every call. It implements
// health.Checker.
type Checker struct {
	store *blob.Store
}

// New returns a Checker probing store.
func New(store *blob.Store) *Checker {
	return &Checker{store: store}
}

// CheckHealth writes, reads and deletes one probe blob.
func (c *Checker) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	id, err := c.store.Put(ctx, bytes.NewReader([]byte(probeValue)))
	if err != nil {
		return err
	}
	defer c.store.Delete(ctx, id)

	r, err := c.store.NewRangeReader(ctx, id, nil)
	if err != nil {
		return err
	}
	if r == nil {
		return errors.New("probe blob vanished before it could be read")
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if string(got) != probeValue {
		return errors.New("probe blob came back corrupted")
	}
	return nil
}
