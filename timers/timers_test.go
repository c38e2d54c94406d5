package timers

import (
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	m := NewManual(start)
	if !m.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", m.Now(), start)
	}
	m.Advance(1500 * time.Millisecond)
	if got := m.Now().UnixMilli(); got != 1_001_500 {
		t.Fatalf("after Advance: %d, want 1001500", got)
	}
}

func TestManualTick(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var ran []int
	m.Schedule(func() {
		ran = append(ran, 1)
		// A task may queue more work; the same tick drains it.
		m.Schedule(func() { ran = append(ran, 2) })
	})
	if n := m.Tick(); n != 2 {
		t.Fatalf("Tick ran %d tasks, want 2", n)
	}
	if len(ran) != 2 || ran[0] != 1 || ran[1] != 2 {
		t.Fatalf("tasks ran as %v", ran)
	}
	if n := m.Tick(); n != 0 {
		t.Fatalf("empty Tick ran %d tasks", n)
	}
}
