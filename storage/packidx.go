// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"time"

	u "github.com/mmp/bksnap/util"
)

var IdxMagic = [4]byte{'I', 'd', 'x', '2'}
var BlobMagic = [4]byte{'B', 'L', '0', 'B'}

/*
File format specs:
- Pack file: for each chunk, stores BlobMagic, the length of the chunk encoded
  as a varint, and then the chunk contents.
- Index file: for each chunk, stores IdxMagic, the hash, and then the offset
  into the pack file and the length of the chunk, both encoded as varints.

Note: index files can be recreated from pack files alone.
*/

// PackBlob takes a (hash, chunk) pair and the current size of the pack
// file and converts them to the representation to be stored in index and
// pack files, returning the bytes to append to the index and pack files
// to store the chunk.
func PackBlob(h Hash, chunk []byte, packFileSize int64) (idx, pack []byte) {
	idxAlloc := len(IdxMagic) + HashSize + 2*binary.MaxVarintLen64
	packAlloc := len(BlobMagic) + binary.MaxVarintLen64 + len(chunk)
	idx = make([]byte, idxAlloc)
	pack = make([]byte, packAlloc)

	// Pack file: magic number, data length, chunk
	np := copy(pack, BlobMagic[:])
	np += binary.PutVarint(pack[np:], int64(len(chunk)))
	np += copy(pack[np:], chunk)
	pack = pack[:np]

	// Index file: magic number, hash, pack offset, pack read size
	ni := copy(idx, IdxMagic[:])
	ni += copy(idx[ni:], h[:])
	ni += binary.PutVarint(idx[ni:], packFileSize)
	ni += binary.PutVarint(idx[ni:], int64(len(pack)))
	idx = idx[:ni]

	return
}

///////////////////////////////////////////////////////////////////////////

// ChunkIndex maintains an index from hashes to the locations of their blobs
// in pack files.
type ChunkIndex struct {
	hashToLoc map[Hash]blobLoc
	nameToId  map[string]int
	idToName  []string
}

// Internal representation for the location of a blob, using an integer
// rather than a string to identify pack files, for compactness.
type blobLoc struct {
	packId int
	offset int64
	length int64
}

// External representation of the location of a blob in a pack file that's
// returned to callers.
type BlobLocation struct {
	PackName string
	Offset   int64
	Length   int64
}

func (c *ChunkIndex) AddSingle(hash Hash, packName string, offset, length int64) error {
	if c.hashToLoc == nil {
		c.hashToLoc = make(map[Hash]blobLoc)
		c.nameToId = make(map[string]int)
	}

	if _, ok := c.hashToLoc[hash]; ok {
		return fmt.Errorf("%s: hash already in ChunkIndex", hash)
	}

	id, ok := c.nameToId[packName]
	if !ok {
		// First time we've seen this packName
		id = len(c.idToName)
		c.nameToId[packName] = id
		c.idToName = append(c.idToName, packName)
	}

	c.hashToLoc[hash] = blobLoc{id, offset, length}
	return nil
}

// Takes the entire contents of an index file and associates its index
// entries with the given pack file name.
func (c *ChunkIndex) AddIndexFile(packName string, idx []byte) error {
	for len(idx) > 0 {
		if len(idx) < len(IdxMagic) {
			return ErrPrematureEndOfData
		}
		if !bytes.Equal(idx[:len(IdxMagic)], IdxMagic[:]) {
			return ErrIndexMagicWrong
		}
		idx = idx[len(IdxMagic):]

		var hash Hash
		n := copy(hash[:], idx)
		if n < HashSize {
			return ErrPrematureEndOfData
		}

		offset, nvar := binary.Varint(idx[n:])
		if nvar <= 0 {
			return fmt.Errorf("varint: returned %d", nvar)
		}
		n += nvar

		length, nvar := binary.Varint(idx[n:])
		if nvar <= 0 {
			return fmt.Errorf("varint: returned %d", nvar)
		}
		n += nvar

		if err := c.AddSingle(hash, packName, offset, length); err != nil {
			return err
		}

		idx = idx[n:]
	}
	return nil
}

func (c *ChunkIndex) Lookup(hash Hash) (BlobLocation, error) {
	loc, ok := c.hashToLoc[hash]
	if !ok {
		return BlobLocation{}, ErrHashNotFound
	}

	return BlobLocation{c.idToName[loc.packId], loc.offset, loc.length}, nil
}

func (c *ChunkIndex) Hashes() map[Hash]struct{} {
	m := make(map[Hash]struct{})
	for h := range c.hashToLoc {
		m[h] = struct{}{}
	}
	return m
}

// DecodeBlob takes a blob read from a pack file (as per the specs from a
// BlobLocation) and returns the chunk stored in that blob.
func DecodeBlob(blob []byte) (chunk []byte, err error) {
	return decodeOneBlob(bytes.NewReader(blob))
}

type byteAndRegularReader interface {
	Read([]byte) (int, error)
	ReadByte() (byte, error)
}

// Given a reader for a pack file, decodes it into blobs and then calls the
// given callback function for each blob's chunk.
func DecodePackFile(r io.Reader, f func(chunk []byte)) error {
	br, ok := r.(byteAndRegularReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	for {
		chunk, err := decodeOneBlob(br)
		switch err {
		case nil:
			f(chunk)
		case io.EOF:
			return nil
		default:
			return err
		}
	}
}

// Returns the chunk and nil on success, a nil chunk and io.EOF on a "clean"
// EOF, and a non-nil error otherwise.
func decodeOneBlob(r byteAndRegularReader) ([]byte, error) {
	var magic [4]byte
	_, err := io.ReadFull(r, magic[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}
	if magic != BlobMagic {
		return nil, ErrBlobMagicWrong
	}

	length, err := binary.ReadVarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("negative blob length %d", length)
	}

	chunk := make([]byte, length)
	_, err = io.ReadFull(r, chunk)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}

	return chunk, nil
}

func fsckPackFile(name string, r io.Reader, allHashes map[Hash]struct{}, log *u.Logger) {
	err := DecodePackFile(r, func(chunk []byte) {
		hash := HashBytes(chunk)
		if _, ok := allHashes[hash]; !ok {
			log.Error("%s: %s: hash found in pack file, but not in index", name, hash)
		}
	})
	if err != nil {
		log.Error("%s: %s", name, err)
	}
}

///////////////////////////////////////////////////////////////////////////

// PackFileBackend implements the storage.Backend interface, but depends on
// an implementation of the FileStorage interface to handle the mechanics
// of storing and retrieving files.  In turn, we can implement
// functionality that's common between the disk and GCS backends in a
// single place.
type PackFileBackend struct {
	fs    FileStorage
	start time.Time
	// log receives progress and debugging output; Fsck and LogStats
	// report to the logger they're given.
	log *u.Logger

	metadataNames map[string]time.Time
	chunkIndex    ChunkIndex

	// Two goroutines are launched for writes: one to write to index files
	// and one to write to pack files.  They read (filename, data) pairs
	// from their respective chan; when a new filename is seen, they close
	// the current file they're writing to and open up that one.
	packName, idxName           string
	packWriteChan, idxWriteChan chan fileWrite
	wg                          sync.WaitGroup
	packSize                    int64
	maxPackSize                 int64

	// mu protects the statistics variables and writeErr.
	mu                    sync.Mutex
	bytesSaved, bytesRead int64
	numSaves, numReads    int
	// The first error reported by a write worker since the last
	// SyncWrites.
	writeErr error
}

type fileWrite struct {
	path string
	b    []byte
}

// FileStorage is a simple abstraction for a storage system.
type FileStorage interface {
	// CreateFile returns an io.WriteCloser for a file with the given
	// name; it's an error if a file with that name already exists. After
	// Close returns successfully, the file's contents have been committed
	// to storage.
	CreateFile(name string) (io.WriteCloser, error)

	// ReadFile returns the contents of the given file. If length is zero, the
	// whole file contents are returned; otherwise the segment starting at offset
	// with given length is returned.
	ReadFile(name string, offset int64, length int64) ([]byte, error)

	// ForFiles calls the given callback function for all files with the
	// given directory prefix, providing the file path and its creation
	// time.
	ForFiles(prefix string, f func(path string, created time.Time)) error

	String() string

	// Fsck checks the validity of the stored data, reporting problems to
	// log. The returned Boolean value indicates whether or not the caller
	// should continue and perform its own checks on the contents of the
	// data as well.
	Fsck(log *u.Logger) bool
}

func newPackFileBackend(fs FileStorage, maxPackSize int64, log *u.Logger) (*PackFileBackend, error) {
	pb := &PackFileBackend{
		fs:          fs,
		start:       time.Now(),
		log:         log,
		maxPackSize: maxPackSize,
	}

	// Get all of the the names of the metadata.
	pb.metadataNames = make(map[string]time.Time)
	err := pb.fs.ForFiles("metadata/", func(n string, created time.Time) {
		pb.metadataNames[filepath.Base(n)] = created
	})
	if err != nil {
		return nil, err
	}

	log.Verbose("Starting to read indices.")
	var idxErr error
	err = pb.fs.ForFiles("indices/", func(n string, created time.Time) {
		if idxErr != nil {
			return
		}
		if !strings.HasSuffix(n, ".idx") {
			log.Warning("%s: non .idx file found in indices/ directory", n)
			return
		}

		idx, err := pb.fs.ReadFile(n, 0, 0)
		if err != nil {
			idxErr = err
			return
		}

		log.Debug("%s: got %d-length index file.", n, len(idx))
		base := filepath.Base(strings.TrimSuffix(n, ".idx"))
		if err := pb.chunkIndex.AddIndexFile("packs/"+base+".pack", idx); err != nil {
			idxErr = fmt.Errorf("%s: %w", n, err)
			return
		}

		pb.numReads++
		pb.bytesRead += int64(len(idx))
	})
	if err == nil {
		err = idxErr
	}
	if err != nil {
		return nil, err
	}
	log.Verbose("Done reading indices.")

	pb.launchWriters()

	return pb, nil
}

func (pb *PackFileBackend) String() string {
	return pb.fs.String()
}

func (pb *PackFileBackend) LogStats(log *u.Logger) {
	delta := time.Since(pb.start)
	if pb.numSaves > 0 {
		upBytesPerSec := float64(pb.bytesSaved) / delta.Seconds()
		log.Print("stored %s of chunks in %d writes (avg %s, %s/s)",
			u.FmtBytes(pb.bytesSaved), pb.numSaves,
			u.FmtBytes(pb.bytesSaved/int64(pb.numSaves)),
			u.FmtBytes(int64(upBytesPerSec)))
	}
	if pb.numReads > 0 {
		downBytesPerSec := float64(pb.bytesRead) / delta.Seconds()
		log.Print("read %s in %d reads (avg %s, %s/s)",
			u.FmtBytes(pb.bytesRead), pb.numReads,
			u.FmtBytes(pb.bytesRead/int64(pb.numReads)),
			u.FmtBytes(int64(downBytesPerSec)))
	}
}

func (pb *PackFileBackend) Write(chunk []byte) (Hash, error) {
	hash := HashBytes(chunk)
	if err := pb.pendingError(); err != nil {
		return hash, err
	}
	if _, err := pb.chunkIndex.Lookup(hash); err == nil {
		pb.log.Debug("%s: hash already stored", hash)
		return hash, nil
	}

	// 16 bytes of slop in the second test to account for magic numbers and
	// the encoded chunk length.
	if pb.packName == "" || pb.packSize+int64(len(chunk))+16 > pb.maxPackSize {
		// Start new pack and idx files. Using the hash as a name for the
		// file gives us a guaranteed new name: since this hash isn't in
		// storage, ergo no index/pack files can have it as a name.
		pb.packName = "packs/" + hash.String() + ".pack"
		pb.idxName = "indices/" + hash.String() + ".idx"
		pb.packSize = 0
	}

	idx, pack := PackBlob(hash, chunk, pb.packSize)

	// Add to the index before incrementing pb.packSize!
	if err := pb.chunkIndex.AddSingle(hash, pb.packName, pb.packSize,
		int64(len(pack))); err != nil {
		return hash, err
	}
	pb.packSize += int64(len(pack))

	pb.idxWriteChan <- fileWrite{pb.idxName, idx}
	pb.packWriteChan <- fileWrite{pb.packName, pack}

	pb.mu.Lock()
	pb.numSaves++
	pb.bytesSaved += int64(len(idx) + len(pack))
	pb.mu.Unlock()

	return hash, nil
}

func (pb *PackFileBackend) pendingError() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.writeErr
}

func (pb *PackFileBackend) setError(err error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.writeErr == nil {
		pb.writeErr = err
	}
}

func (pb *PackFileBackend) launchWriters() {
	// Allow a fair amount of buffering so that backups can continue
	// walking the local filesystem while waiting for writes to land. This
	// shouldn't end up using too much memory, since each write is at
	// most a chunk plus a little overhead.
	pb.packWriteChan = make(chan fileWrite, 256)
	pb.idxWriteChan = make(chan fileWrite, 256)

	pb.wg.Add(2)
	go pb.writeWorker(pb.packWriteChan)
	go pb.writeWorker(pb.idxWriteChan)
}

func (pb *PackFileBackend) writeWorker(ch chan fileWrite) {
	defer pb.wg.Done()

	// path stores the name of the file that w is writing to. Once an
	// error has happened, the rest of the items are drained without
	// being written.
	var path string
	var w io.WriteCloser
	var failed bool
	fail := func(err error) {
		pb.setError(fmt.Errorf("%s: %w", path, err))
		failed = true
	}

	for item := range ch {
		if failed {
			continue
		}

		if item.path != path {
			// A new filename has arrived. We're done with the current file
			// (and should receive no more writes for it in the future).
			if w != nil {
				if err := w.Close(); err != nil {
					fail(err)
					continue
				}
			}
			path = item.path
			var err error
			if w, err = pb.fs.CreateFile(item.path); err != nil {
				w = nil
				fail(err)
				continue
			}
		}

		if _, err := w.Write(item.b); err != nil {
			fail(err)
		}
	}

	if w != nil && !failed {
		if err := w.Close(); err != nil {
			fail(err)
		}
	}
}

// SyncWrites closes the chans and waits for the writers to drain them and
// land all of their writes to storage.
func (pb *PackFileBackend) SyncWrites() error {
	close(pb.packWriteChan)
	close(pb.idxWriteChan)
	pb.wg.Wait()

	// Get ready for more writes in the future.
	pb.packName = ""
	pb.idxName = ""
	pb.packWriteChan = nil
	pb.idxWriteChan = nil
	pb.packSize = 0

	pb.mu.Lock()
	err := pb.writeErr
	pb.writeErr = nil
	pb.mu.Unlock()

	pb.launchWriters()
	return err
}

func (pb *PackFileBackend) Read(hash Hash) (io.ReadCloser, error) {
	loc, err := pb.chunkIndex.Lookup(hash)
	if err != nil {
		return nil, err
	}

	blob, err := pb.fs.ReadFile(loc.PackName, loc.Offset, loc.Length)
	if err != nil {
		return nil, err
	}

	pb.mu.Lock()
	pb.numReads++
	pb.bytesRead += loc.Length
	pb.mu.Unlock()

	chunk, err := DecodeBlob(blob)
	if err != nil {
		return nil, err
	}
	if HashBytes(chunk) != hash {
		return nil, ErrHashMismatch
	}

	return ioutil.NopCloser(bytes.NewReader(chunk)), nil
}

func (pb *PackFileBackend) HashExists(hash Hash) bool {
	_, err := pb.chunkIndex.Lookup(hash)
	return err == nil
}

func (pb *PackFileBackend) Hashes() map[Hash]struct{} {
	return pb.chunkIndex.Hashes()
}

func (pb *PackFileBackend) Fsck(log *u.Logger) {
	if !pb.fs.Fsck(log) {
		return
	}

	// Make sure each blob is available in a pack file and that its data's
	// hash matches the stored hash.
	allHashes := pb.chunkIndex.Hashes()
	log.Verbose("Checking the availability and integrity of %d blobs.",
		len(allHashes))
	for hash := range allHashes {
		fsckHash(hash, pb, log)
	}

	// Go through all of the pack files and make sure all blobs are present
	// in an index.
	err := pb.fs.ForFiles("packs/", func(n string, created time.Time) {
		if !strings.HasSuffix(n, ".pack") {
			log.Warning("%s: non .pack file found in packs/ directory", n)
			return
		}

		// It's slightly annoying to read the whole pack file into memory
		// here, but they're not too huge. If this was a problem, we could
		// implement an io.Reader that grabbed pieces of it in turn using
		// the (start, length) arguments to ReadFile().
		pack, err := pb.fs.ReadFile(n, 0, 0)
		if err != nil {
			log.Error("%s: %s", n, err)
			return
		}
		fsckPackFile(n, bytes.NewReader(pack), allHashes, log)
	})
	if err != nil {
		log.Error("%s", err)
	}
}

func (pb *PackFileBackend) WriteMetadata(name string, contents []byte) error {
	if _, ok := pb.metadataNames[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrMetadataExists)
	}

	w, err := pb.fs.CreateFile("metadata/" + name)
	if err != nil {
		return err
	}
	if _, err := w.Write(contents); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// The next time we run the reported creation time will be slightly
	// different, since time.Now() isn't necessarily the same time it lands
	// on disk. Presumably that's fine.
	pb.metadataNames[name] = time.Now()
	return nil
}

func (pb *PackFileBackend) ReadMetadata(name string) ([]byte, error) {
	b, err := pb.fs.ReadFile("metadata/"+name, 0, 0)
	if err == nil {
		pb.mu.Lock()
		pb.numReads++
		pb.bytesRead += int64(len(b))
		pb.mu.Unlock()
	}
	return b, err
}

func (pb *PackFileBackend) ListMetadata() map[string]time.Time {
	return pb.metadataNames
}

func (pb *PackFileBackend) MetadataExists(name string) bool {
	_, ok := pb.metadataNames[name]
	return ok
}
