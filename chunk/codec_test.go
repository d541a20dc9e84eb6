// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bytes"
	"crypto/md5"
	"errors"
	"math/rand"
	"testing"
)

// blocks returns n Size-byte blocks of pseudo-random data, where block i
// has contents determined by pattern[i].
func blocks(pattern []int, seed int64) []byte {
	distinct := make(map[int][]byte)
	rng := rand.New(rand.NewSource(seed))
	var b []byte
	for _, p := range pattern {
		d, ok := distinct[p]
		if !ok {
			d = make([]byte, Size)
			rng.Read(d)
			distinct[p] = d
		}
		b = append(b, d...)
	}
	return b
}

func TestDeduplicateCounts(t *testing.T) {
	for _, c := range []struct {
		pattern []int
		unique  int
	}{
		{nil, 0},
		{[]int{0}, 1},
		{[]int{0, 0, 0, 0}, 1},
		{[]int{0, 1, 0, 1, 2}, 3},
		{[]int{0, 1, 2, 3, 4, 5}, 6},
	} {
		in := blocks(c.pattern, 1)
		enc, err := Deduplicate(bytes.NewReader(in), nil)
		if err != nil {
			t.Fatalf("%v: %v", c.pattern, err)
		}
		if len(enc.Chunks) != c.unique {
			t.Errorf("%v: got %d unique chunks, expected %d", c.pattern, len(enc.Chunks),
				c.unique)
		}
		if len(enc.Refs) != len(c.pattern) {
			t.Errorf("%v: got %d refs, expected %d", c.pattern, len(enc.Refs), len(c.pattern))
		}
		for i, ch := range enc.Chunks {
			if ch.Ordinal != i {
				t.Errorf("%v: chunk %d has ordinal %d", c.pattern, i, ch.Ordinal)
			}
		}
		if enc.Digest != Hash(md5.Sum(in)) {
			t.Errorf("%v: digest mismatch", c.pattern)
		}
	}
}

func TestBackupFileRoundTrip(t *testing.T) {
	// Interior duplicates and a short final block.
	in := blocks([]int{0, 1, 0, 2, 1}, 2)
	in = append(in, []byte("a short tail")...)

	enc, err := Deduplicate(bytes.NewReader(in), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc.Chunks) != 4 {
		t.Fatalf("got %d unique chunks, expected 4", len(enc.Chunks))
	}

	var store bytes.Buffer
	if err := WriteBackupFile(&store, enc.Chunks); err != nil {
		t.Fatal(err)
	}
	if want := 3*(HashSize+Size) + HashSize + len("a short tail"); store.Len() != want {
		t.Errorf("backup file is %d bytes, expected %d", store.Len(), want)
	}

	chunks, err := Undeduplicate(bytes.NewReader(store.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != len(enc.Chunks) {
		t.Fatalf("read %d chunks, expected %d", len(chunks), len(enc.Chunks))
	}

	// Replaying references gives back the original bytes exactly.
	decoded := &Encoding{Chunks: chunks, Refs: enc.Refs}
	var out bytes.Buffer
	if err := decoded.Reconstruct(&out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), in) {
		t.Errorf("reconstructed stream differs from input")
	}

	// Writing the unique chunks in order gives their concatenation.
	out.Reset()
	if err := WriteRestoredFile(&out, chunks, nil); err != nil {
		t.Fatal(err)
	}
	var want []byte
	for _, c := range enc.Chunks {
		want = append(want, c.Data...)
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("restored file doesn't match concatenation of unique chunks")
	}
}

func TestWriteRestoredFileSkipsRepeats(t *testing.T) {
	a := []byte("aaaa")
	b := []byte("bbbb")
	chunks := []Chunk{
		{Ordinal: 0, Data: a, Hash: HashBytes(a)},
		{Ordinal: 1, Data: b, Hash: HashBytes(b)},
		{Ordinal: 2, Data: a, Hash: HashBytes(a)},
	}
	var out bytes.Buffer
	if err := WriteRestoredFile(&out, chunks, NewIndex()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "aaaabbbb" {
		t.Errorf("got %q, expected %q", out.String(), "aaaabbbb")
	}
}

func TestUndeduplicateCorrupt(t *testing.T) {
	in := blocks([]int{0, 1, 2}, 3)
	enc, err := Deduplicate(bytes.NewReader(in), nil)
	if err != nil {
		t.Fatal(err)
	}
	var store bytes.Buffer
	if err := WriteBackupFile(&store, enc.Chunks); err != nil {
		t.Fatal(err)
	}
	b := store.Bytes()

	for _, c := range []struct {
		name string
		b    []byte
		want error
	}{
		{"truncated hash", b[:HashSize+Size+7], ErrCorrupt},
		{"missing payload", b[:HashSize+Size+HashSize], ErrCorrupt},
		{"truncated payload", b[:len(b)-100], ErrCorrupt},
	} {
		if _, err := Undeduplicate(bytes.NewReader(c.b)); !errors.Is(err, c.want) {
			t.Errorf("%s: got error %v, expected %v", c.name, err, c.want)
		}
	}

	flipped := append([]byte(nil), b...)
	flipped[HashSize+10] ^= 0xff
	if _, err := Undeduplicate(bytes.NewReader(flipped)); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("flipped payload byte: got error %v, expected %v", err, ErrHashMismatch)
	}

	// An empty stream is a valid, empty backup.
	if chunks, err := Undeduplicate(bytes.NewReader(nil)); err != nil || len(chunks) != 0 {
		t.Errorf("empty stream: got %d chunks, error %v", len(chunks), err)
	}
}

func TestIndex(t *testing.T) {
	var idx Index
	h := HashBytes([]byte("x"))
	if _, ok := idx.Lookup(h); ok {
		t.Errorf("lookup in empty index succeeded")
	}
	if err := idx.Insert(h, 3); err != nil {
		t.Fatal(err)
	}
	if o, ok := idx.Lookup(h); !ok || o != 3 {
		t.Errorf("got ordinal %d, %v; expected 3, true", o, ok)
	}
	if err := idx.Insert(h, 4); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate insert: got %v, expected %v", err, ErrDuplicate)
	}

	// No fixed capacity.
	for i := 0; i < 1000; i++ {
		if err := idx.Insert(HashBytes([]byte{byte(i), byte(i >> 8), 1}), i); err != nil {
			t.Fatal(err)
		}
	}
	if idx.Len() != 1001 {
		t.Errorf("index has %d entries, expected 1001", idx.Len())
	}
}

func TestRecipe(t *testing.T) {
	in := blocks([]int{0, 1, 1, 0, 2}, 4)
	in = append(in, 'x')
	enc := NewEncoder(nil)
	n := 0
	if err := enc.Encode(bytes.NewReader(in), func(c Chunk) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("callback called %d times, expected 4", n)
	}

	r := enc.Recipe()
	dr, err := DecodeRecipe(r.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if dr.Size != int64(len(in)) || len(dr.Hashes) != 4 || len(dr.Refs) != 6 {
		t.Errorf("decoded recipe: size %d, %d hashes, %d refs", dr.Size, len(dr.Hashes),
			len(dr.Refs))
	}
	seq := dr.Sequence()
	for i := 0; i < 5; i++ {
		if seq[i] != HashBytes(in[i*Size:(i+1)*Size]) {
			t.Errorf("block %d: hash mismatch", i)
		}
	}

	bad := r
	bad.Refs = append([]int(nil), r.Refs...)
	bad.Refs[2] = 17
	if _, err := DecodeRecipe(bad.Bytes()); !errors.Is(err, ErrBadRef) {
		t.Errorf("bad reference: got %v, expected %v", err, ErrBadRef)
	}
	if _, err := DecodeRecipe([]byte("nope")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("bad magic: got %v, expected %v", err, ErrCorrupt)
	}
	if _, err := DecodeRecipe(r.Bytes()[:20]); err == nil {
		t.Errorf("truncated recipe decoded without error")
	}
}
