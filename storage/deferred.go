// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"fmt"
	"time"
)

// deferredMetadata holds back metadata writes until the chunks written
// before them have reached storage, so that a recipe is never stored
// without the chunks it refers to, even if the process is killed.
type deferredMetadata struct {
	Backend
	pending map[string][]byte
	order   []string
}

// NewDeferredMetadata returns a Backend that passes everything through to
// the given one, except that metadata writes are only made when
// SyncWrites is called, after the underlying backend's SyncWrites has
// succeeded. Pending metadata can be read back in the meantime.
func NewDeferredMetadata(backend Backend) Backend {
	return &deferredMetadata{Backend: backend, pending: make(map[string][]byte)}
}

func (d *deferredMetadata) WriteMetadata(name string, data []byte) error {
	if d.MetadataExists(name) {
		return fmt.Errorf("%s: %w", name, ErrMetadataExists)
	}
	d.pending[name] = dupe(data)
	d.order = append(d.order, name)
	return nil
}

func (d *deferredMetadata) ReadMetadata(name string) ([]byte, error) {
	if b, ok := d.pending[name]; ok {
		return dupe(b), nil
	}
	return d.Backend.ReadMetadata(name)
}

func (d *deferredMetadata) MetadataExists(name string) bool {
	_, ok := d.pending[name]
	return ok || d.Backend.MetadataExists(name)
}

func (d *deferredMetadata) ListMetadata() map[string]time.Time {
	m := make(map[string]time.Time)
	for name, t := range d.Backend.ListMetadata() {
		m[name] = t
	}
	now := time.Now()
	for name := range d.pending {
		m[name] = now
	}
	return m
}

// SyncWrites syncs the underlying backend and then writes the pending
// metadata. If the sync fails, the pending metadata is discarded. Every
// metadata write is attempted; the returned error joins those that
// failed.
func (d *deferredMetadata) SyncWrites() error {
	order := d.order
	pending := d.pending
	d.order = nil
	d.pending = make(map[string][]byte)

	if err := d.Backend.SyncWrites(); err != nil {
		return err
	}
	var errs []error
	for _, name := range order {
		if err := d.Backend.WriteMetadata(name, pending[name]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
