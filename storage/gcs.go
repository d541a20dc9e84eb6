// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	u "github.com/mmp/bksnap/util"
	"golang.org/x/net/context"
	"google.golang.org/api/iterator"
)

// There are two reasons to keep this relatively low: we don't do GCS
// resumable uploads, and we also buffer a copy of the file contents as
// they're written in memory so that we can retry from scratch for
// failures.
const maxGCSPackSize = 512 * 1024 * 1024

var ErrFsckNotAllowed = errors.New("fsck of GCS pools must be explicitly allowed")

// Implements the FileStorage interface to store files in Google Cloud
// Storage.
type gcsFileStorage struct {
	ctx        context.Context
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	bucketName string
	allowFsck  bool
	log        *u.Logger
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int

	// Fsck reads every blob, twice, which can get expensive with
	// coldline storage; it's refused unless this is set.
	AllowFsck bool

	// Receives progress output and warnings about retried requests.
	Log *u.Logger
}

// NewGCS returns a Backend that stores pack, index, and metadata files in
// the given GCS bucket, creating the bucket if it doesn't already exist.
func NewGCS(options GCSOptions) (Backend, error) {
	g := &gcsFileStorage{
		ctx:        context.Background(),
		bucketName: options.BucketName,
		allowFsck:  options.AllowFsck,
		log:        options.Log,
	}

	var err error
	g.client, err = gcs.NewClient(g.ctx)
	if err != nil {
		return nil, err
	}

	// Create the bucket if it doesn't exist.
	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(g.ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, fmt.Errorf("%s: bucket doesn't exist and no project id given",
				options.BucketName)
		}
		g.log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		err := g.bucket.Create(g.ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc})
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if options.MaxUploadBytesPerSecond > 0 ||
		options.MaxDownloadBytesPerSecond > 0 {
		if err := InitBandwidthLimit(options.MaxUploadBytesPerSecond,
			options.MaxDownloadBytesPerSecond); err != nil {
			g.log.Warning("%s: %s", g, err)
		}
	}

	pb, err := newPackFileBackend(g, maxGCSPackSize, g.log)
	if err != nil {
		return nil, err
	}
	return pb, nil
}

func (g *gcsFileStorage) ForFiles(prefix string, f func(n string, created time.Time)) error {
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return err
		}
		if strings.HasSuffix(obj.Name, ".tmp") {
			continue
		}

		f(obj.Name, obj.Created)
	}
}

func (g *gcsFileStorage) String() string {
	return "gs://" + g.bucketName
}

func (g *gcsFileStorage) Fsck(log *u.Logger) bool {
	// The Fsck implementation in PackFileBackend reads all the blobs
	// (twice :-( ), which can quickly get fairly expensive with GCS
	// coldline storage. (~$5 for a 40GB backup, I believe).
	if !g.allowFsck {
		log.Error("%s: %s; set BK_GCS_FSCK", g, ErrFsckNotAllowed)
		return false
	}
	return true
}

func (g *gcsFileStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	g.log.Debug("%s: starting gcs download, offset %d, length %d", name, offset, length)

	obj := g.bucket.Object(name)
	var b []byte
	err := g.retry(name, func() error {
		var r io.ReadCloser
		var err error
		if length > 0 {
			r, err = obj.NewRangeReader(g.ctx, offset, length)
		} else {
			r, err = obj.NewReader(g.ctx)
		}

		if err != nil {
			return err
		}

		b, err = ioutil.ReadAll(NewLimitedDownloadReader(r))
		r.Close()
		return err
	})
	return b, err
}

func (g *gcsFileStorage) retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || err == gcs.ErrObjectNotExist {
			return err
		}

		// Possibly temporary error; sleep and retry.
		g.log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func (g *gcsFileStorage) CreateFile(name string) (io.WriteCloser, error) {
	// It seems that using Object.If(storage.Conditions{DoesNotExist:true})
	// ends up uploading the entire file contents before catching the "oh,
	// it already exists" error upon the Close() call.  Good times.
	// Checking for existence by grabbing the attrs is much more efficient.
	if _, err := g.bucket.Object(name).Attrs(g.ctx); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrFileExists)
	}

	storageClass := "regional"
	if strings.HasPrefix(name, "packs/") {
		storageClass = "coldline"
	}

	return &gcsWriter{
		name:         name,
		storageClass: storageClass,
		g:            g,
	}, nil
}

// gcsWriter buffers the entire contents of the file before actually doing
// the upload to GCS in its Close() method. (This makes it easy to retry on
// temporary failures.)
type gcsWriter struct {
	buf          bytes.Buffer
	name         string
	storageClass string
	g            *gcsFileStorage
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	return gw.buf.Write(b)
}

func (gw *gcsWriter) Close() error {
	err := gw.g.retry(gw.name, func() error {
		return gw.g.upload(gw.name, gw.storageClass, gw.buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("%s: %w", gw.name, err)
	}
	return nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var errCRCMismatch = errors.New("CRC32C checksum mismatch")

func (g *gcsFileStorage) upload(name string, storageClass string, buf []byte) error {
	// Make sure the files don't already exist. (Ideally would check this
	// before Close, but this shouldn't happen in general...)
	obj := g.bucket.Object(name)
	if _, err := obj.Attrs(g.ctx); err == nil {
		return fmt.Errorf("%s: %w", name, ErrFileExists)
	}

	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)

	g.log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(g.ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(g.ctx)

	r := NewLimitedUploadReader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	g.log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is. A mismatch most likely means the data was corrupted
	// on the way, so it's returned as an error and the upload retried.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	gcsCrc := w.Attrs().CRC32C
	if localCrc != gcsCrc {
		return fmt.Errorf("%s: local %d, GCS %d: %w", tmpName, localCrc, gcsCrc,
			errCRCMismatch)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(g.ctx)
	return err
}
