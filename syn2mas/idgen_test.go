package syn2mas

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"
)

// countingReader hands out a repeating byte pattern so generated ids are
// fully deterministic.
type countingReader struct {
	next byte
}

func (r *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

func TestIDGeneratorLayout(t *testing.T) {
	at := time.UnixMilli(0x0123456789AB).UTC()
	gen := newIDGenerator(func() time.Time { return at }, &countingReader{})

	id, err := gen.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	// 48-bit timestamp prefix.
	want := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB}
	if !bytes.Equal(id[:6], want) {
		t.Errorf("timestamp bytes = %x, want %x", id[:6], want)
	}
	if got := id[6] >> 4; got != 7 {
		t.Errorf("version = %d, want 7", got)
	}
	if got := id[8] & 0xC0; got != 0x80 {
		t.Errorf("variant bits = %x, want 80", got)
	}
}

func TestIDGeneratorTimeOrdered(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	gen := newIDGenerator(func() time.Time { return now }, &countingReader{})

	a, err := gen.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	now = now.Add(5 * time.Millisecond)
	b, err := gen.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if bytes.Compare(a[:], b[:]) >= 0 {
		t.Errorf("ids not time-ordered: %s >= %s", a, b)
	}
}

func TestIDGeneratorAtTime(t *testing.T) {
	now := time.UnixMilli(2_000_000_000_000)
	gen := newIDGenerator(func() time.Time { return now }, &countingReader{})

	past := time.UnixMilli(1_000_000_000_000)
	old, err := gen.atTime(past)
	if err != nil {
		t.Fatalf("atTime: %v", err)
	}
	current, err := gen.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if bytes.Compare(old[:6], current[:6]) >= 0 {
		t.Errorf("atTime id should sort before clock id")
	}

	// atTime must not disturb the generator's own clock.
	again, err := gen.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(current[:6], again[:6]) {
		t.Errorf("clock changed after atTime: %x vs %x", current[:6], again[:6])
	}
}

func TestIDGeneratorUnique(t *testing.T) {
	now := time.Now()
	gen := newIDGenerator(func() time.Time { return now }, rand.Reader)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := gen.next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if seen[id.String()] {
			t.Fatalf("duplicate id %s after %d generations", id, i)
		}
		seen[id.String()] = true
	}
}
