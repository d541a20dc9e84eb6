// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	u "github.com/mmp/bksnap/util"
)

///////////////////////////////////////////////////////////////////////////
// compressed

// compressed implements the Backend interface. It applies zstd compression
// to the provided data before passing it along to another backend for
// storage.
type compressed struct {
	backend                            Backend
	bytesSaved, bytesProcessed         int64
	compressedBlobs, uncompressedBlobs int
}

// NewCompressed returns a new storage.Backend that applies zstd compression
// to the contents of blobs stored in the provided underlying backend.
// Note: the contents of metadata files are not compressed.
func NewCompressed(backend Backend) Backend {
	return &compressed{backend: backend}
}

func (c *compressed) String() string {
	return "zstd compressed " + c.backend.String()
}

func (c *compressed) LogStats(log *u.Logger) {
	tot := c.compressedBlobs + c.uncompressedBlobs
	if tot > 0 {
		log.Print("compressed %d / %d blobs (%2.f%%)",
			c.compressedBlobs, tot, 100.*float64(c.compressedBlobs)/float64(tot))
		log.Print("passed through %s / %s input bytes (%.2f%%)",
			u.FmtBytes(c.bytesSaved), u.FmtBytes(c.bytesProcessed),
			100.*float64(c.bytesSaved)/float64(c.bytesProcessed))
	}
	c.backend.LogStats(log)
}

func (c *compressed) Fsck(log *u.Logger) {
	c.backend.Fsck(log)
}

// A single encoder and decoder are shared by all compressed backends;
// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

const (
	tagUncompressed = 0
	tagZstd         = 1
)

func (c *compressed) Write(data []byte) (Hash, error) {
	if err := initZstd(); err != nil {
		return Hash{}, err
	}

	// Compress the input to a buffer, leaving room for the tag byte.
	buf := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)+1))

	c.bytesProcessed += int64(len(data))

	// Is the compressed buffer smaller than the input?
	var stored []byte
	if len(buf)-1 < len(data) {
		// Yes; write out a 1 byte to indicate that the rest of the blob is
		// indeed compressed and then save the compressed bytes.
		buf[0] = tagZstd
		stored = buf
		c.compressedBlobs++
	} else {
		// No; write a 0 to indicate that the data is uncompressed before
		// storing the original data.
		stored = append([]byte{tagUncompressed}, data...)
		c.uncompressedBlobs++
	}
	c.bytesSaved += int64(len(stored))
	return c.backend.Write(stored)
}

func (c *compressed) SyncWrites() error {
	return c.backend.SyncWrites()
}

func (c *compressed) HashExists(hash Hash) bool {
	return c.backend.HashExists(hash)
}

func (c *compressed) Hashes() map[Hash]struct{} {
	return c.backend.Hashes()
}

func (c *compressed) Read(hash Hash) (io.ReadCloser, error) {
	r, err := c.backend.Read(hash)
	if err != nil {
		return r, err
	}
	b, err := ioutil.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%s: %w", hash, ErrPrematureEndOfData)
	}

	// The first byte says whether it's compressed or not.
	switch b[0] {
	case tagZstd:
		if err := initZstd(); err != nil {
			return nil, err
		}
		data, err := zstdDecoder.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", hash, err)
		}
		return ioutil.NopCloser(bytes.NewReader(data)), nil
	case tagUncompressed:
		return ioutil.NopCloser(bytes.NewReader(b[1:])), nil
	default:
		return nil, fmt.Errorf("%s: unknown compression tag %d", hash, b[0])
	}
}

func (c *compressed) WriteMetadata(name string, data []byte) error {
	// Metadata contents aren't compressed, so just pass this along
	// directly.
	return c.backend.WriteMetadata(name, data)
}

func (c *compressed) ReadMetadata(name string) ([]byte, error) {
	return c.backend.ReadMetadata(name)
}

func (c *compressed) MetadataExists(name string) bool {
	return c.backend.MetadataExists(name)
}

func (c *compressed) ListMetadata() map[string]time.Time {
	return c.backend.ListMetadata()
}

///////////////////////////////////////////////////////////////////////////
// Recording a pool's compression mode

// CompressionMetadata names the metadata that records whether the chunks
// in a pool are compressed. Recipes refer to stored chunks by the hashes
// of what was actually written, so all writers of a pool must agree.
const CompressionMetadata = "compression"

const (
	compressionZstd = "zstd"
	compressionNone = "none"
)

// OpenCompression wraps backend with NewCompressed if its chunks are
// compressed. A pool's mode is the one recorded in it, if any; compress
// is only used for pools without a recorded mode, and is recorded in
// them if record is true. The returned Boolean is true if the recorded
// mode differs from compress.
func OpenCompression(backend Backend, compress, record bool) (Backend, bool, error) {
	want := compressionNone
	if compress {
		want = compressionZstd
	}

	mode := want
	if backend.MetadataExists(CompressionMetadata) {
		b, err := backend.ReadMetadata(CompressionMetadata)
		if err != nil {
			return nil, false, err
		}
		mode = strings.TrimSpace(string(b))
	} else if record {
		if err := backend.WriteMetadata(CompressionMetadata, []byte(want+"\n")); err != nil {
			return nil, false, err
		}
	}

	switch mode {
	case compressionZstd:
		return NewCompressed(backend), !compress, nil
	case compressionNone:
		return backend, compress, nil
	default:
		return nil, false, fmt.Errorf("%s: %q: unknown compression mode", backend, mode)
	}
}
