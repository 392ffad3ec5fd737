package util

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"regexp"
)

// HashHexLen is the length of a lowercase hex SHA-512 digest.
const HashHexLen = 128

var hashPattern = regexp.MustCompile(`^[a-f0-9]{128}$`)

// NewHasher returns the content hash used for chunks and envelopes.
func NewHasher() hash.Hash {
	return sha512.New()
}

// HashBytes returns the lowercase hex SHA-512 of data.
func HashBytes(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// HashReader consumes r and returns its digest and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile returns the digest and size of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	digest, n, err := HashReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return digest, n, nil
}

// IsValidHash reports whether s looks like a content hash.
func IsValidHash(s string) bool {
	return hashPattern.MatchString(s)
}
