package blob

import (
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// DigestWriter computes a blob digest and byte count for everything
// written through it. Backends wrap their staging writer with one so the
// digest is ready the moment staging completes.
type DigestWriter struct {
	h    hash.Hash
	size int64
}

// NewDigestWriter creates a DigestWriter using BLAKE2b-256.
func NewDigestWriter() *DigestWriter {
	h, _ := blake2b.New256(nil) // only errors with a key
	return &DigestWriter{h: h}
}

func (w *DigestWriter) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.size += int64(n)
	return n, err
}

// Digest returns the hex digest of everything written so far.
func (w *DigestWriter) Digest() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *DigestWriter) Size() int64 {
	return w.size
}

// Sum reads r to EOF and returns its digest and size.
func Sum(r io.Reader) (string, int64, error) {
	w := NewDigestWriter()
	if _, err := io.Copy(w, r); err != nil {
		return "", 0, err
	}
	return w.Digest(), w.Size(), nil
}

// Verify checks content against an expected digest and size.
func Verify(r io.Reader, digest string, size int64) error {
	got, n, err := Sum(r)
	if err != nil {
		return err
	}
	if got != digest || n != size {
		return ErrDigestMismatch
	}
	return nil
}
