// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPacker(t *testing.T) {
	var idx, pack []byte
	var blobs [][]byte

	const nChunks = 1000
	for i := 0; i < nChunks; i++ {
		b := make([]byte, rand.Intn(2048))
		rand.Read(b)
		// Make sure they're all unique, even the empty one.
		b = append(b, byte(i), byte(i>>8))
		blobs = append(blobs, b)

		i, p := PackBlob(HashBytes(b), b, int64(len(pack)))

		idx = append(idx, i...)
		pack = append(pack, p...)
	}

	var index ChunkIndex
	const packName = "foobar.pack"
	err := index.AddIndexFile(packName, idx)
	if err != nil {
		t.Fatalf("Add: %+v", err)
	}

	for i := 0; i < nChunks; i++ {
		loc, err := index.Lookup(HashBytes(blobs[i]))
		if err != nil {
			t.Errorf("%d: %+v", i, err)
			continue
		}
		if loc.PackName != packName {
			t.Errorf("Got pack name %s, not %s", loc.PackName, packName)
		}

		b := pack[loc.Offset:]
		b = b[:loc.Length]
		chunk, err := DecodeBlob(b)
		if err != nil {
			t.Errorf("%d: decode blob error: %+v", i, err)
		} else if len(chunk) != len(blobs[i]) {
			t.Errorf("%d: Got size %d, expected %d", i, len(chunk), len(blobs[i]))
		} else if !bytes.Equal(chunk, blobs[i]) {
			t.Errorf("%d: chunk compare failed", i)
		}
	}

	// Every blob should come back from decoding the whole pack file.
	n := 0
	if err := DecodePackFile(bytes.NewReader(pack), func(chunk []byte) {
		if !bytes.Equal(chunk, blobs[n]) {
			t.Errorf("%d: pack file decode mismatch", n)
		}
		n++
	}); err != nil {
		t.Errorf("DecodePackFile: %v", err)
	}
	if n != nChunks {
		t.Errorf("decoded %d blobs, expected %d", n, nChunks)
	}

	// Adding the same index again is an error.
	if err := index.AddIndexFile(packName, idx); err == nil {
		t.Errorf("duplicate index entries accepted")
	}
}

func TestIndexErrors(t *testing.T) {
	b := []byte("hello")
	idx, pack := PackBlob(HashBytes(b), b, 0)

	var index ChunkIndex
	if err := index.AddIndexFile("x", idx[:len(idx)-1]); err == nil {
		t.Errorf("truncated index accepted")
	}
	bad := append([]byte(nil), idx...)
	bad[0] = 'X'
	if err := index.AddIndexFile("y", bad); err != ErrIndexMagicWrong {
		t.Errorf("got %v, expected %v", err, ErrIndexMagicWrong)
	}

	if _, err := DecodeBlob(pack[:len(pack)-2]); err != ErrPrematureEndOfData {
		t.Errorf("got %v, expected %v", err, ErrPrematureEndOfData)
	}
	bad = append([]byte(nil), pack...)
	bad[1] = 'X'
	if _, err := DecodeBlob(bad); err != ErrBlobMagicWrong {
		t.Errorf("got %v, expected %v", err, ErrBlobMagicWrong)
	}
}
