package broker

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Fatalf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
}

func TestBackoffReset(t *testing.T) {
	b := DefaultBackoff()
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset got %s, want 1s", got)
	}
}
