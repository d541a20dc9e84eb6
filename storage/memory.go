// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"sync"
	"time"

	u "github.com/mmp/bksnap/util"
)

type metadata struct {
	data    []byte
	created time.Time
}

type memory struct {
	// NewHashesReader calls Read from multiple goroutines.
	mu    sync.RWMutex
	blobs map[Hash][]byte
	meta  map[string]metadata
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// NewMemory returns a storage.Backend that stores all data--blobs, hashes,
// metadata, etc., in RAM.  It's really only useful for testing of code
// built on top of storage.Backend, where we may want to save the trouble
// of saving a bunch of stuff to disk.
func NewMemory() Backend {
	return &memory{
		blobs: make(map[Hash][]byte),
		meta:  make(map[string]metadata),
	}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) LogStats(log *u.Logger) {
}

func (m *memory) Fsck(log *u.Logger) {
	for h := range m.Hashes() {
		fsckHash(h, m, log)
	}
}

func (m *memory) Write(data []byte) (Hash, error) {
	hash := HashBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	// Blobs are stored in a map; only add the data if it isn't already
	// there.
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = dupe(data)
	}
	return hash, nil
}

func (m *memory) HashExists(hash Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok
}

func (m *memory) Hashes() map[Hash]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make(map[Hash]struct{})
	for h := range m.blobs {
		ret[h] = struct{}{}
	}
	return ret
}

func (m *memory) SyncWrites() error {
	return nil
}

func (m *memory) Read(hash Hash) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.blobs[hash]; !ok {
		return nil, ErrHashNotFound
	} else {
		return ioutil.NopCloser(bytes.NewReader(b)), nil
	}
}

func (m *memory) WriteMetadata(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meta[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrMetadataExists)
	}
	m.meta[name] = metadata{dupe(data), time.Now()}
	return nil
}

func (m *memory) ReadMetadata(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.meta[name]
	if !ok {
		return nil, fmt.Errorf("%s: metadata not found", name)
	}
	return dupe(md.data), nil
}

func (m *memory) MetadataExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.meta[name]
	return ok
}

func (m *memory) ListMetadata() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md := make(map[string]time.Time)
	for name, meta := range m.meta {
		md[name] = meta.created
	}
	return md
}
