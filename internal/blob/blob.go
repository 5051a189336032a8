// Package blob stores binary payloads addressed by the hex SHA-256 of their
// content.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrNotFound is returned by Get for unknown hashes.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidHash is returned for keys that are not a hex SHA-256.
	ErrInvalidHash = errors.New("invalid blob hash")
)

// Store is a content-addressed blob store. Saving the same content twice
// yields the same hash and keeps a single copy.
type Store interface {
	Save(ctx context.Context, r io.Reader) (string, error)
	Get(ctx context.Context, hash string) (io.ReadCloser, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// ValidHash reports whether hash is 64 lowercase hex characters.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func checkHash(hash string) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

// spool copies r into a temporary file in dir while hashing it. The file is
// rewound before it is returned; the caller removes it.
func spool(dir string, r io.Reader) (*os.File, string, int64, error) {
	f, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, "", 0, fmt.Errorf("failed to spool blob: %w", err)
	}
	return f, hex.EncodeToString(h.Sum(nil)), n, nil
}
