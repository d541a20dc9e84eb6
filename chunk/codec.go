// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"crypto/md5"
	"fmt"
	"hash"
	"io"
)

///////////////////////////////////////////////////////////////////////////
// Encoder

// Encoder splits a stream into Size-byte blocks and deduplicates them
// against an Index. It keeps only the hashes of the unique chunks and the
// ordinal of every block, so arbitrarily large streams can be encoded
// without holding their contents in memory.
type Encoder struct {
	// Hashes holds the hash of each unique chunk, indexed by ordinal.
	Hashes []Hash
	// Refs holds, for each block of the input in order, the ordinal of
	// the unique chunk with the same contents.
	Refs []int

	idx    *Index
	size   int64
	digest hash.Hash
}

// NewEncoder returns an Encoder that deduplicates against idx, which
// should be fresh for each stream.
func NewEncoder(idx *Index) *Encoder {
	if idx == nil {
		idx = NewIndex()
	}
	return &Encoder{idx: idx, digest: md5.New()}
}

// Encode reads r until EOF. The unique callback, if non-nil, is called
// for each chunk that hasn't been seen earlier in the stream; the Data
// slice it's given is only valid until the callback returns. An error
// from r or from the callback stops encoding and is returned.
func (e *Encoder) Encode(r io.Reader, unique func(c Chunk) error) error {
	buf := make([]byte, Size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if perr := e.add(buf[:n], unique); perr != nil {
				return perr
			}
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return err
		}
	}
}

func (e *Encoder) add(block []byte, unique func(c Chunk) error) error {
	e.size += int64(len(block))
	e.digest.Write(block)

	h := HashBytes(block)
	if ord, ok := e.idx.Lookup(h); ok {
		// Already stored; just reference it.
		e.Refs = append(e.Refs, ord)
		return nil
	}

	ord := len(e.Hashes)
	if err := e.idx.Insert(h, ord); err != nil {
		return err
	}
	e.Hashes = append(e.Hashes, h)
	e.Refs = append(e.Refs, ord)
	if unique != nil {
		return unique(Chunk{Ordinal: ord, Data: block, Hash: h})
	}
	return nil
}

// Size returns the number of bytes encoded so far.
func (e *Encoder) Size() int64 {
	return e.size
}

// Digest returns the MD5 hash of all of the bytes encoded so far.
func (e *Encoder) Digest() Hash {
	var h Hash
	copy(h[:], e.digest.Sum(nil))
	return h
}

// Recipe returns what's needed to reassemble the stream from its unique
// chunks.
func (e *Encoder) Recipe() Recipe {
	return Recipe{Size: e.size, Hashes: e.Hashes, Refs: e.Refs}
}

///////////////////////////////////////////////////////////////////////////
// Encoding

// Encoding is the fully in-memory result of deduplicating a stream.
type Encoding struct {
	// Chunks holds the unique chunks in the order they were first seen;
	// Chunks[i].Ordinal == i.
	Chunks []Chunk
	// Refs gives the ordinal of the chunk for each block of the input.
	Refs   []int
	Size   int64
	Digest Hash
}

// Deduplicate reads r in Size-byte blocks and returns its unique chunks
// along with the references needed to rebuild it.
func Deduplicate(r io.Reader, idx *Index) (*Encoding, error) {
	enc := NewEncoder(idx)
	var chunks []Chunk
	err := enc.Encode(r, func(c Chunk) error {
		c.Data = append([]byte(nil), c.Data...)
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Encoding{
		Chunks: chunks,
		Refs:   enc.Refs,
		Size:   enc.Size(),
		Digest: enc.Digest(),
	}, nil
}

// Reconstruct writes the original stream to w, replaying the references
// in order.
func (e *Encoding) Reconstruct(w io.Writer) error {
	for i, ref := range e.Refs {
		if ref < 0 || ref >= len(e.Chunks) {
			return fmt.Errorf("block %d: %w", i, ErrBadRef)
		}
		if _, err := w.Write(e.Chunks[ref].Data); err != nil {
			return err
		}
	}
	return nil
}

// Recipe returns the Encoding's Recipe.
func (e *Encoding) Recipe() Recipe {
	r := Recipe{Size: e.Size, Refs: e.Refs}
	for _, c := range e.Chunks {
		r.Hashes = append(r.Hashes, c.Hash)
	}
	return r
}

///////////////////////////////////////////////////////////////////////////
// Backup file format

/*
Backup file format: for each unique chunk, in ordinal order, the 16 bytes
of its MD5 hash followed by its payload. Every payload is Size bytes except
possibly the last one, which may be shorter. There is no header, length
table, or whole-file checksum.
*/

// WriteBackupFile writes the given chunks to w in the backup file format.
func WriteBackupFile(w io.Writer, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Data) > Size {
			return fmt.Errorf("chunk %d: %d bytes is larger than %d", c.Ordinal,
				len(c.Data), Size)
		}
		if _, err := w.Write(c.Hash[:]); err != nil {
			return err
		}
		if _, err := w.Write(c.Data); err != nil {
			return err
		}
	}
	return nil
}

// Undeduplicate reads chunks in the backup file format from r until EOF.
// A record whose payload is shorter than Size is only valid as the final
// record of the stream; anything else that ends partway through a record
// returns ErrCorrupt.
func Undeduplicate(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	for ord := 0; ; ord++ {
		var h Hash
		_, err := io.ReadFull(r, h[:])
		switch err {
		case nil:
		case io.EOF:
			return chunks, nil
		case io.ErrUnexpectedEOF:
			return nil, fmt.Errorf("record %d: truncated hash: %w", ord, ErrCorrupt)
		default:
			return nil, err
		}

		data := make([]byte, Size)
		n, err := io.ReadFull(r, data)
		final := false
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			if n == 0 {
				return nil, fmt.Errorf("record %d: missing payload: %w", ord, ErrCorrupt)
			}
			data = data[:n]
			final = true
		default:
			return nil, err
		}

		if HashBytes(data) != h {
			if final {
				// A short payload that doesn't match its hash is a
				// truncated full-sized record.
				return nil, fmt.Errorf("record %d: truncated payload: %w", ord, ErrCorrupt)
			}
			return nil, fmt.Errorf("record %d: %w", ord, ErrHashMismatch)
		}
		chunks = append(chunks, Chunk{Ordinal: ord, Data: data, Hash: h})
		if final {
			return chunks, nil
		}
	}
}

// WriteRestoredFile writes the payloads of the given chunks to w in order,
// skipping any chunk whose hash was already written during this pass, as
// recorded in idx.
func WriteRestoredFile(w io.Writer, chunks []Chunk, idx *Index) error {
	if idx == nil {
		idx = NewIndex()
	}
	for i, c := range chunks {
		if _, ok := idx.Lookup(c.Hash); ok {
			continue
		}
		if err := idx.Insert(c.Hash, i); err != nil {
			return err
		}
		if _, err := w.Write(c.Data); err != nil {
			return err
		}
	}
	return nil
}
