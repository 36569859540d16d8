package registry

import (
	"bytes"
	"testing"
)

func TestRingBufferRetainsRecentBytes(t *testing.T) {
	r := newRingBuffer(8)

	if _, err := r.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := r.Bytes(); !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("expected abc, got %q", got)
	}

	if _, err := r.Write([]byte("defghij")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// 10 bytes written into capacity 8: the oldest two evicted.
	if got := r.Bytes(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Fatalf("expected cdefghij, got %q", got)
	}
}

func TestRingBufferOversizedWriteKeepsTail(t *testing.T) {
	r := newRingBuffer(4)
	if _, err := r.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := r.Bytes(); !bytes.Equal(got, []byte("6789")) {
		t.Fatalf("expected 6789, got %q", got)
	}
	if r.Len() != 4 {
		t.Fatalf("expected len 4, got %d", r.Len())
	}
}
