package blobhealth

import (
	"testing"

	"github.com/thatique/gudang/blob/memblob"
	"github.com/thatique/gudang/health"
)

func TestCheckHealth(t *testing.T) {
	store := memblob.OpenStore()
	c := New(store)
	if err := c.CheckHealth(); err != nil {
		t.Fatalf("CheckHealth on a live store: %v", err)
	}
	// The probe cleans up after itself, so repeated checks keep passing.
	if err := c.CheckHealth(); err != nil {
		t.Fatalf("second CheckHealth: %v", err)
	}

	store.Close()
	if err := c.CheckHealth(); err == nil {
		t.Fatal("CheckHealth on a closed store must fail")
	}
}

var _ health.Checker = (*Checker)(nil)
