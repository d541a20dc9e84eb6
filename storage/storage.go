// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage implements the content-addressed chunk pool that
// snapshots store their file contents in, along with the recipes needed
// to put files back together from the pool's chunks.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"time"

	"github.com/mmp/bksnap/chunk"
	u "github.com/mmp/bksnap/util"
)

var (
	ErrHashNotFound       = errors.New("hash not found")
	ErrHashMismatch       = errors.New("hash value mismatch")
	ErrIndexMagicWrong    = errors.New("index entry has incorrect magic number")
	ErrBlobMagicWrong     = errors.New("blob has incorrect magic number")
	ErrPrematureEndOfData = errors.New("premature end of data")
	ErrMetadataExists     = errors.New("metadata already exists")
	ErrFileExists         = errors.New("file exists")
)

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values returned to
// represent chunks of data.
const HashSize = chunk.HashSize

// Hash identifies a chunk of data in a Backend. It's the same MD5 hash
// that the chunk codec uses.
type Hash = chunk.Hash

// HashBytes computes the hash of the given byte slice.
func HashBytes(b []byte) Hash {
	return chunk.HashBytes(b)
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Backend describes a general interface for low-level data storage;
// users can provide chunks of data that a storage backend will store
// (on disk, in the cloud, etc.), and are returned a Hash that identifies
// each such chunk. Implementations should apply deduplication so that if
// the same chunk is supplied multiple times, it will only be stored once.
//
// Note: it isn't safe in general for multiple threads to call Backend
// methods concurrently, though the Read() method may be called by multiple
// threads (as long as others aren't calling other Backend methods).
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// LogStats reports any statistics that the Backend may have gathered
	// during the course of its operation.
	LogStats(log *u.Logger)

	// Fsck checks the consistency of the data in the Backend and reports
	// any problems found as errors to the given logger.
	Fsck(log *u.Logger)

	// Write saves the provided chunk of data to storage, returning a Hash
	// that uniquely identifies it. Errors may be reported here or, for
	// backends that write asynchronously, by the next call to SyncWrites.
	Write(chunk []byte) (Hash, error)

	// SyncWrites ensures that all chunks of data provided to Write have
	// in fact reached permanent storage. Calls to Read may not find
	// data stored by Write if SyncWrites hasn't been called after the
	// call to Write.
	SyncWrites() error

	// Read returns a io.ReadCloser that provides the chunk for the given
	// hash. If the given hash doesn't exist in the backend, an error is
	// returned.
	Read(hash Hash) (io.ReadCloser, error)

	// HashExists reports whether a blob of data with the given hash exists
	// in the storage backend.
	HashExists(hash Hash) bool

	// Hashes returns a map that has all of the hashes stored by the
	// storage backend.
	Hashes() map[Hash]struct{}

	// WriteMetadata saves the given data in the storage backend,
	// associating it with the given name. It's used for data that
	// shouldn't go through the dedupe process and should be easy to
	// access directly by name, like file recipes. It's an error to
	// write the same name twice.
	WriteMetadata(name string, data []byte) error

	// ReadMetadata returns the metadata for a given name that was stored
	// with WriteMetadata.
	ReadMetadata(name string) ([]byte, error)

	// MetadataExists indicates whether the given named metadata is
	// present in the storage backend.
	MetadataExists(name string) bool

	// ListMetadata returns a map from all of the existing metadata
	// to the time each one was created.
	ListMetadata() map[string]time.Time
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

type readerAndCloser struct {
	io.Reader
	io.Closer
}

type errReader struct {
	err error
}

func (e errReader) Read(b []byte) (int, error) {
	return 0, e.err
}

///////////////////////////////////////////////////////////////////////////

// NewHashesReader returns an io.ReadCloser that reads multiple hashes in
// parallel from the given storage backend. It supplies the bytes of the
// hashes' chunks concatenated together into a single stream.  If non-nil,
// the sem parameter is used to limit the number of active readers;
// otherwise a fixed number of reader goroutines are launched. The first
// error encountered reading a chunk is returned by Read.
func NewHashesReader(hashes []Hash, sem chan bool, backend Backend) io.ReadCloser {
	// If it's just one hash, don't do anything fancy.
	if len(hashes) == 1 {
		r, err := backend.Read(hashes[0])
		if err != nil {
			return readerAndCloser{errReader{fmt.Errorf("%s: %w", hashes[0], err)},
				ioutil.NopCloser(nil)}
		}
		return r
	}

	// Limit the maximum number of concurrent readers.
	nReaders := 32
	if len(hashes) < nReaders {
		nReaders = len(hashes)
	}

	cin := make(chan hashIndex, len(hashes))
	r := &parallelReader{
		m:        make(map[int]indexData),
		maxIndex: len(hashes),
		cout:     make(chan indexData, 4)}

	// Launch readers.
	for i := 0; i < nReaders; i++ {
		if i == 0 {
			// Always pass a nil sem for the first reader, since we assume
			// that the caller is allowed to be reading.
			go preader(backend, nil, cin, r.cout)
		} else {
			go preader(backend, sem, cin, r.cout)
		}
	}

	for i, h := range hashes {
		// Hash indices are assigned in order so that we can construct a
		// bytestream that has the correct order.
		cin <- hashIndex{hash: h, index: i}
	}
	close(cin)

	return r
}

type parallelReader struct {
	// Hash indices to results. The map stores bytes for hashes that we've
	// gotten from the readers, including ones that we're not ready
	// to return yet since we don't have the predecessors yet.
	m map[int]indexData
	// Hash index to return the bytes for before going to the next one.
	index    int
	maxIndex int
	// Number of results received from cout so far.
	received int
	// Result channel that the goroutines threads send results along.
	cout chan indexData
	err  error
}

type hashIndex struct {
	hash  Hash
	index int
}

type indexData struct {
	index int
	data  []byte
	err   error
}

func preader(backend Backend, sem chan bool, cin chan hashIndex,
	cout chan indexData) {
	for {
		if sem != nil {
			// Block until we're allowed to read
			sem <- true
		}

		// Get the next hash to read.
		hi, ok := <-cin
		if !ok {
			// No more.
			if sem != nil {
				// Let someone else read.
				<-sem
			}
			return
		}

		data, err := readChunk(backend, hi.hash)

		if sem != nil {
			// Let someone else read.
			<-sem
		}

		// Send the result out on the result chan.
		cout <- indexData{hi.index, data, err}
	}
}

func readChunk(backend Backend, hash Hash) ([]byte, error) {
	r, err := backend.Read(hash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hash, err)
	}
	data, err := ioutil.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hash, err)
	}
	return data, nil
}

func (r *parallelReader) Read(buf []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.index == r.maxIndex {
			// We've read everything.
			return 0, io.EOF
		}

		// Try to get the result for the current hash index.
		id, ok := r.m[r.index]
		if !ok {
			// Don't have it. Read from the result chan (and block if
			// there's nothing ready yet). What we get may or may not be
			// the one we're waiting for; record it in the map and go
			// 'round again.
			id := <-r.cout
			r.received++
			r.m[id.index] = id
			continue
		}

		if id.err != nil {
			r.err = id.err
			return 0, r.err
		}

		// We have bytes for the current index; return some to the caller.
		n := copy(buf, id.data)
		if n < len(id.data) {
			// More left for the next Read() call.
			id.data = id.data[n:]
			r.m[r.index] = id
		} else {
			// Done with this index; move to the next.
			delete(r.m, r.index)
			r.index++
		}
		return n, nil
	}
}

func (r *parallelReader) Close() error {
	// Drain the results that are still on their way so that the reader
	// goroutines can all exit.
	for r.received < r.maxIndex {
		<-r.cout
		r.received++
	}
	r.m = nil
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Consistency checking

// fsckHash checks that the given hash's chunk can be read and that its
// contents match the hash.
func fsckHash(hash Hash, backend Backend, log *u.Logger) {
	data, err := readChunk(backend, hash)
	if err != nil {
		log.Error("%s", err)
		return
	}

	if HashBytes(data) != hash {
		log.Error("%s: hash mismatch", hash)
	}
}
