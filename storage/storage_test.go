// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"errors"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/bksnap/chunk"
	u "github.com/mmp/bksnap/util"
)

func TestSimple(t *testing.T) {
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		hash, err := backend.Write(simple)
		if err != nil {
			t.Fatalf("%s: write: %v", backend, err)
		}

		if !backend.HashExists(hash) {
			t.Errorf("%s: hash doesn't exist even though just written?", backend)
		}

		if err := backend.SyncWrites(); err != nil {
			t.Fatalf("%s: sync: %v", backend, err)
		}

		b, err := readChunk(backend, hash)
		if err != nil {
			t.Fatalf("%s: read: %v", backend, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, b)
		}
	}
}

func TestMetadata(t *testing.T) {
	for _, backend := range getStorage(t) {
		if err := backend.WriteMetadata("blurp", []byte("hello")); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if err := backend.WriteMetadata("flurg", []byte("world")); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if !backend.MetadataExists("blurp") || !backend.MetadataExists("flurg") {
			t.Errorf("%s: missing metadata", backend)
		}
		if backend.MetadataExists("flurgz") {
			t.Errorf("%s: unexpected metadata", backend)
		}
		for name, expected := range map[string]string{"blurp": "hello", "flurg": "world"} {
			b, err := backend.ReadMetadata(name)
			if err != nil {
				t.Errorf("%s: %s: %v", backend, name, err)
			} else if string(b) != expected {
				t.Errorf("%s: %s: got %q, expected %q", backend, name, b, expected)
			}
		}
		if len(backend.ListMetadata()) != 2 {
			t.Errorf("%s: ListMetadata returned %d names, expected 2", backend,
				len(backend.ListMetadata()))
		}

		err := backend.WriteMetadata("blurp", []byte("again"))
		if !errors.Is(err, ErrMetadataExists) {
			t.Errorf("%s: second write of metadata: got %v, expected %v", backend,
				err, ErrMetadataExists)
		}
	}
}

func TestMany(t *testing.T) {
	for _, backend := range getStorage(t) {
		// Write 200 items, where the i'th item is i bytes long, all having
		// value i.
		var hashes []Hash
		var written [][]byte
		for i := 1; i < 200; i++ {
			b := bytes.Repeat([]byte{byte(i)}, i)
			h, err := backend.Write(b)
			if err != nil {
				t.Fatalf("%s: %v", backend, err)
			}
			hashes = append(hashes, h)
			written = append(written, b)

			if rand.Intn(10) == 0 {
				if err := backend.SyncWrites(); err != nil {
					t.Fatalf("%s: %v", backend, err)
				}
			}
		}
		if err := backend.SyncWrites(); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}

		// Read them back individually, one at a time
		for i, hash := range hashes {
			c, err := readChunk(backend, hash)
			if err != nil {
				t.Errorf("%s: read: %v", backend, err)
				continue
			}
			if !bytes.Equal(c, written[i]) {
				t.Errorf("%s: didn't get same bytes back. hash %s, wrote %d bytes, got %d",
					backend, hash, len(written[i]), len(c))
			}
		}

		// And all together, in order.
		r := NewHashesReader(hashes, nil, backend)
		all, err := ioutil.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("%s: hashes reader: %v", backend, err)
		}
		if !bytes.Equal(all, bytes.Join(written, nil)) {
			t.Errorf("%s: hashes reader returned different bytes", backend)
		}
	}
}

func TestReadMissing(t *testing.T) {
	for _, backend := range getStorage(t) {
		missing := HashBytes([]byte("never stored"))
		if _, err := backend.Read(missing); err == nil {
			t.Errorf("%s: no error reading missing hash", backend)
		}

		r := NewHashesReader([]Hash{missing, missing}, nil, backend)
		if _, err := ioutil.ReadAll(r); err == nil {
			t.Errorf("%s: no error from hashes reader for missing hash", backend)
		}
		r.Close()
	}
}

func genRandom(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	_, _ = rng.Read(b)
	return b
}

func TestStoreRestoreFile(t *testing.T) {
	rng := rand.New(rand.NewSource(17))

	// Interior duplicate blocks and a short final block.
	a := genRandom(rng, chunk.Size)
	b := genRandom(rng, chunk.Size)
	var contents []byte
	for _, blk := range [][]byte{a, b, a, a, b, genRandom(rng, 100)} {
		contents = append(contents, blk...)
	}

	for _, backend := range getStorage(t) {
		sf, err := StoreFile(bytes.NewReader(contents), backend)
		if err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if err := backend.SyncWrites(); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if sf.Size != int64(len(contents)) {
			t.Errorf("%s: size %d, expected %d", backend, sf.Size, len(contents))
		}
		if sf.Digest != chunk.HashBytes(contents) {
			t.Errorf("%s: digest mismatch", backend)
		}
		if len(sf.Recipe.Hashes) != 3 || len(sf.Recipe.Refs) != 6 {
			t.Errorf("%s: got %d hashes / %d refs, expected 3 / 6", backend,
				len(sf.Recipe.Hashes), len(sf.Recipe.Refs))
		}
		if !sf.NewRecipe || !HasRecipe(sf.Digest, backend) {
			t.Errorf("%s: recipe not stored", backend)
		}

		var buf bytes.Buffer
		if err := RestoreFile(sf.Digest, backend, nil, &buf); err != nil {
			t.Fatalf("%s: restore: %v", backend, err)
		}
		if !bytes.Equal(buf.Bytes(), contents) {
			t.Errorf("%s: restored contents differ", backend)
		}

		// Storing it again shouldn't write a second recipe.
		again, err := StoreFile(bytes.NewReader(contents), backend)
		if err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if again.NewRecipe {
			t.Errorf("%s: recipe stored twice", backend)
		}
		if err := backend.SyncWrites(); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}

		if n := FsckRecipes(backend, discardLogger()); n != 1 {
			t.Errorf("%s: checked %d recipes, expected 1", backend, n)
		}
	}
}

func TestStoreEmptyFile(t *testing.T) {
	backend := NewMemory()
	sf, err := StoreFile(bytes.NewReader(nil), backend)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := RestoreFile(sf.Digest, backend, nil, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("restored %d bytes of an empty file", buf.Len())
	}
}

func TestRestoreMissingChunk(t *testing.T) {
	// A recipe that names a chunk the pool doesn't have.
	backend := NewMemory()
	contents := []byte("not in the pool")
	digest := chunk.HashBytes(contents)
	recipe := chunk.Recipe{Size: int64(len(contents)),
		Hashes: []Hash{digest}, Refs: []int{0}}
	if err := backend.WriteMetadata(RecipeName(digest), recipe.Bytes()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := RestoreFile(digest, backend, nil, &buf); !errors.Is(err, ErrHashNotFound) {
		t.Errorf("got %v, expected %v", err, ErrHashNotFound)
	}

	log := discardLogger()
	FsckRecipes(backend, log)
	if log.Errors() != 1 {
		t.Errorf("fsck reported %d errors, expected 1", log.Errors())
	}
}

func TestDeferredMetadata(t *testing.T) {
	dir := t.TempDir()
	disk, err := NewDisk(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	backend := NewDeferredMetadata(disk)

	contents := genRandom(rand.New(rand.NewSource(9)), 3*chunk.Size)
	sf, err := StoreFile(bytes.NewReader(contents), backend)
	if err != nil {
		t.Fatal(err)
	}
	if !HasRecipe(sf.Digest, backend) {
		t.Errorf("pending recipe not visible")
	}
	if HasRecipe(sf.Digest, disk) {
		t.Errorf("recipe written before the chunks were synced")
	}
	if _, ok := backend.ListMetadata()[RecipeName(sf.Digest)]; !ok {
		t.Errorf("pending recipe not listed")
	}
	if err := backend.WriteMetadata(RecipeName(sf.Digest), nil); !errors.Is(err, ErrMetadataExists) {
		t.Errorf("got %v, expected %v", err, ErrMetadataExists)
	}

	if err := backend.SyncWrites(); err != nil {
		t.Fatal(err)
	}
	if !HasRecipe(sf.Digest, disk) {
		t.Fatalf("recipe not written by SyncWrites")
	}

	disk, err = NewDisk(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := RestoreFile(sf.Digest, disk, nil, &buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), contents) {
		t.Errorf("restored contents differ")
	}
}

func TestCompressionMode(t *testing.T) {
	pool := NewMemory()

	// Nothing is recorded by readers.
	if _, _, err := OpenCompression(pool, true, false); err != nil {
		t.Fatal(err)
	}
	if pool.MetadataExists(CompressionMetadata) {
		t.Fatalf("compression mode recorded by a reader")
	}

	backend, overridden, err := OpenCompression(pool, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if overridden {
		t.Errorf("mode of a new pool overridden")
	}
	first := bytes.Repeat([]byte("abcdefgh"), 3*chunk.Size/8)
	sf, err := StoreFile(bytes.NewReader(first), backend)
	if err != nil {
		t.Fatal(err)
	}

	// A later writer that doesn't want compression gets the pool's mode
	// anyway, so both its files and the earlier ones can be restored.
	backend, overridden, err = OpenCompression(pool, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if !overridden {
		t.Errorf("recorded mode didn't override the requested one")
	}
	second := append(append([]byte(nil), first...), "and more"...)
	sf2, err := StoreFile(bytes.NewReader(second), backend)
	if err != nil {
		t.Fatal(err)
	}

	for digest, contents := range map[chunk.Hash][]byte{sf.Digest: first, sf2.Digest: second} {
		var buf bytes.Buffer
		if err := RestoreFile(digest, backend, nil, &buf); err != nil {
			t.Fatalf("%s: %v", digest, err)
		}
		if !bytes.Equal(buf.Bytes(), contents) {
			t.Errorf("%s: restored contents differ", digest)
		}
	}

	bad := NewMemory()
	if err := bad.WriteMetadata(CompressionMetadata, []byte("lz4\n")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := OpenCompression(bad, true, true); err == nil {
		t.Errorf("no error for unknown compression mode")
	}
}

func TestDiskReopen(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDisk(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	contents := genRandom(rand.New(rand.NewSource(3)), 5*chunk.Size+10)
	sf, err := StoreFile(bytes.NewReader(contents), backend)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.SyncWrites(); err != nil {
		t.Fatal(err)
	}

	// A fresh backend has to find everything from the index files.
	backend, err = NewDisk(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range sf.Recipe.Hashes {
		if !backend.HashExists(h) {
			t.Errorf("%s: missing after reopening", h)
		}
	}
	var buf bytes.Buffer
	if err := RestoreFile(sf.Digest, backend, nil, &buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), contents) {
		t.Errorf("restored contents differ")
	}

	log := discardLogger()
	backend.Fsck(log)
	if log.Errors() != 0 {
		t.Errorf("fsck of intact pool reported %d errors", log.Errors())
	}
}

func TestDiskCorruption(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDisk(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Write(genRandom(rand.New(rand.NewSource(5)), 4096)); err != nil {
		t.Fatal(err)
	}
	if err := backend.SyncWrites(); err != nil {
		t.Fatal(err)
	}

	packs, err := filepath.Glob(filepath.Join(dir, "packs", "*.pack"))
	if err != nil || len(packs) != 1 {
		t.Fatalf("expected one pack file, got %v (%v)", packs, err)
	}
	pack, err := ioutil.ReadFile(packs[0])
	if err != nil {
		t.Fatal(err)
	}
	original := append([]byte(nil), pack...)
	pack[len(pack)/2] ^= 0xff
	if err := os.Chmod(packs[0], 0600); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(packs[0], pack, 0600); err != nil {
		t.Fatal(err)
	}

	log := discardLogger()
	backend.Fsck(log)
	if log.Errors() == 0 {
		t.Errorf("fsck didn't notice the corrupt pack file")
	}

	if err := Repair(dir, log); err != nil {
		t.Fatal(err)
	}
	recovered, err := ioutil.ReadFile(packs[0] + ".recovered")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(recovered, original) {
		t.Errorf("recovered pack doesn't match the original")
	}
}

func getStorage(t *testing.T) []Backend {
	b := []Backend{NewMemory(), NewCompressed(NewMemory())}

	for i := 0; i < 2; i++ {
		d, err := NewDisk(t.TempDir(), discardLogger())
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			d = NewCompressed(d)
		}
		b = append(b, d)
	}
	return b
}

func discardLogger() *u.Logger {
	return u.NewLoggerTo(ioutil.Discard, false, false)
}
