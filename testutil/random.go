package testutil

import (
	"crypto/rand"
	"testing"
)

// RandomBytes returns n bytes of random content, enough to make every
// chunk of a generated image distinct.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	if _, err := rand.Read(p); err != nil {
		t.Fatalf("generating random content: %v", err)
	}
	return p
}

// SparseImage returns a disk-image-like buffer of size bytes where only
// every other block of blockSize bytes carries random data and the rest
// are zero.
func SparseImage(t testing.TB, size, blockSize int) []byte {
	t.Helper()
	p := make([]byte, size)
	for off := 0; off < size; off += 2 * blockSize {
		end := min(off+blockSize, size)
		if _, err := rand.Read(p[off:end]); err != nil {
			t.Fatalf("generating random content: %v", err)
		}
	}
	return p
}
