// Package checksum computes and verifies the SHA-256 digests stored alongside
// archived state snapshots.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMismatch is returned by Verify when the content does not hash to the
// expected digest.
var ErrMismatch = errors.New("checksum mismatch")

// SHA256 returns the hex-encoded SHA-256 digest of everything read from r.
func SHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Bytes is SHA256 for an in-memory buffer.
func SHA256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify checks b against expected. Hex case is ignored.
func Verify(b []byte, expected string) error {
	actual := SHA256Bytes(b)
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, expected, actual)
	}
	return nil
}
