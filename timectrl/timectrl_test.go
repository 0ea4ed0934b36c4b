package timectrl

import (
	"testing"
	"time"
)

func TestManualClockSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	newNow := start.Add(42 * time.Second)
	c.SetTime(newNow)

	if got := c.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestManualClockIsMonotonic(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.SetTime(start.Add(-time.Hour))
	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("clock moved backwards to %v", got)
	}

	if got := c.Advance(15 * time.Millisecond); !got.Equal(start.Add(15 * time.Millisecond)) {
		t.Fatalf("Advance() = %v", got)
	}
	c.Advance(-time.Second)
	if got := c.Now(); !got.Equal(start.Add(15 * time.Millisecond)) {
		t.Fatalf("negative advance changed time to %v", got)
	}
}
