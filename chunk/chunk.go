// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chunk splits byte streams into fixed-size chunks identified by
// their MD5 hashes, removes duplicate chunks, and reads and writes the
// compact backup-file format that stores the unique ones.
package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the number of bytes in a chunk; only the last chunk of a
// stream may be shorter.
const Size = 1024

// HashSize is the number of bytes in a chunk's content hash.
const HashSize = md5.Size

var (
	ErrCorrupt      = errors.New("corrupt backup file")
	ErrHashMismatch = errors.New("chunk hash mismatch")
	ErrDuplicate    = errors.New("hash already in index")
	ErrBadRef       = errors.New("chunk reference out of range")
)

// Hash is the 128-bit content hash of a chunk (or of a whole file).
type Hash [HashSize]byte

// HashBytes computes the MD5 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	return Hash(md5.Sum(b))
}

// String returns the given Hash as a lowercase hexidecimal-encoded
// string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes the 32-character hexidecimal form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("%q: expected %d hex digits", s, 2*HashSize)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%q: %w", s, err)
	}
	return h, nil
}

// Chunk is a slice of a stream's bytes along with its position among the
// stream's unique chunks and its content hash.
type Chunk struct {
	Ordinal int
	Data    []byte
	Hash    Hash
}
