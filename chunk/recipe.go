// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Recipe describes how to rebuild a stream from its unique chunks: the
// hashes of the unique chunks in ordinal order and, for each Size-byte
// block of the stream, the ordinal of the chunk it's made of.
type Recipe struct {
	Size   int64
	Hashes []Hash
	Refs   []int
}

var recipeMagic = [4]byte{'R', 'c', 'p', '1'}

// Validate checks that every reference is in range and that the number
// of references is consistent with the stream size.
func (r Recipe) Validate() error {
	if r.Size < 0 {
		return fmt.Errorf("negative recipe size %d", r.Size)
	}
	if want := (r.Size + Size - 1) / Size; int64(len(r.Refs)) != want {
		return fmt.Errorf("%d references for %d bytes; expected %d", len(r.Refs),
			r.Size, want)
	}
	for i, ref := range r.Refs {
		if ref < 0 || ref >= len(r.Hashes) {
			return fmt.Errorf("block %d: reference %d: %w", i, ref, ErrBadRef)
		}
	}
	return nil
}

// Sequence returns the hash of each block of the stream, in order.
func (r Recipe) Sequence() []Hash {
	seq := make([]Hash, len(r.Refs))
	for i, ref := range r.Refs {
		seq[i] = r.Hashes[ref]
	}
	return seq
}

// Bytes returns the serialized form of the recipe: a four-byte magic
// number, then the size, hash count, hashes, reference count, and
// references, with all integers encoded as uvarints.
func (r Recipe) Bytes() []byte {
	var buf bytes.Buffer
	var vb [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(vb[:], v)
		buf.Write(vb[:n])
	}

	buf.Write(recipeMagic[:])
	putUvarint(uint64(r.Size))
	putUvarint(uint64(len(r.Hashes)))
	for _, h := range r.Hashes {
		buf.Write(h[:])
	}
	putUvarint(uint64(len(r.Refs)))
	for _, ref := range r.Refs {
		putUvarint(uint64(ref))
	}
	return buf.Bytes()
}

var errShortRecipe = errors.New("truncated recipe")

// DecodeRecipe parses a recipe produced by Recipe.Bytes and validates it.
func DecodeRecipe(b []byte) (Recipe, error) {
	var r Recipe
	if len(b) < len(recipeMagic) || !bytes.Equal(b[:len(recipeMagic)], recipeMagic[:]) {
		return r, fmt.Errorf("bad recipe magic number: %w", ErrCorrupt)
	}
	b = b[len(recipeMagic):]

	uvarint := func() (uint64, error) {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return 0, errShortRecipe
		}
		b = b[n:]
		return v, nil
	}

	size, err := uvarint()
	if err != nil {
		return r, err
	}
	r.Size = int64(size)

	nHashes, err := uvarint()
	if err != nil {
		return r, err
	}
	if nHashes > uint64(len(b)/HashSize) {
		return r, errShortRecipe
	}
	r.Hashes = make([]Hash, nHashes)
	for i := range r.Hashes {
		copy(r.Hashes[i][:], b[:HashSize])
		b = b[HashSize:]
	}

	nRefs, err := uvarint()
	if err != nil {
		return r, err
	}
	if nRefs > uint64(len(b)) {
		// Each reference takes at least one byte.
		return r, errShortRecipe
	}
	r.Refs = make([]int, nRefs)
	for i := range r.Refs {
		ref, err := uvarint()
		if err != nil {
			return r, err
		}
		r.Refs[i] = int(ref)
	}
	if len(b) != 0 {
		return r, fmt.Errorf("%d bytes of trailing garbage in recipe", len(b))
	}

	return r, r.Validate()
}
