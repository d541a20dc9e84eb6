// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package storage

import (
	"errors"
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth limits for GCS pools
//
// gcsFileStorage passes the data of each upload through
// NewLimitedUploadReader and each download through
// NewLimitedDownloadReader; NewGCS sets the limits from
// GCSOptions.Max{Upload,Download}BytesPerSecond (BK_MAX_UPLOAD_BPS and
// BK_MAX_DOWNLOAD_BPS for bk).

var errBandwidthLimitSet = errors.New("bandwidth limits already set; ignoring new ones")

// bandwidth is the number of bytes that may currently be transferred in
// one direction. A ticker started by InitBandwidthLimit refills it and
// rateLimitedReaders draw it down.
type bandwidth struct {
	limited   bool
	available int
}

// bandwidthMutex protects both budgets; bandwidthCond is signaled
// whenever more bandwidth becomes available.
var (
	bandwidthMutex       sync.Mutex
	bandwidthCond        = sync.NewCond(&bandwidthMutex)
	bandwidthTaskRunning bool

	uploadBandwidth, downloadBandwidth bandwidth
)

const bandwidthRefillInterval = 125 * time.Millisecond

// InitBandwidthLimit starts limiting GCS transfers to the given rates,
// in bytes per second; zero means unlimited. Only the first call has any
// effect; later ones return an error.
func InitBandwidthLimit(uploadBytesPerSecond, downloadBytesPerSecond int) error {
	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	if bandwidthTaskRunning {
		return errBandwidthLimitSet
	}
	bandwidthTaskRunning = true

	uploadBandwidth.limited = uploadBytesPerSecond != 0
	downloadBandwidth.limited = downloadBytesPerSecond != 0

	go func() {
		ticker := time.NewTicker(bandwidthRefillInterval)
		for range ticker.C {
			bandwidthMutex.Lock()
			uploadBandwidth.refill(uploadBytesPerSecond)
			downloadBandwidth.refill(downloadBytesPerSecond)
			// Wake up any readers that are waiting for more bandwidth.
			bandwidthCond.Broadcast()
			bandwidthMutex.Unlock()
		}
	}()
	return nil
}

// refill releases 1/8th of the per-second limit; it's called every 8th
// of a second with bandwidthMutex held. The 94/100 factor leaves some
// slop for TCP/IP overhead and HTTP headers so that the bandwidth
// actually used doesn't exceed the limit. No more than one second's
// worth is ever banked.
func (b *bandwidth) refill(bytesPerSecond int) {
	b.available += bytesPerSecond * 94 / 100 / 8
	if b.available > bytesPerSecond {
		b.available = bytesPerSecond
	}
}

// claim waits until some bandwidth is available and then takes up to n
// bytes of it, returning how much it took.
func (b *bandwidth) claim(n int) int {
	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	for b.available <= 0 {
		bandwidthCond.Wait()
	}
	if n > b.available {
		n = b.available
	}
	b.available -= n
	return n
}

// release gives back bandwidth that was claimed but not used.
func (b *bandwidth) release(n int) {
	bandwidthMutex.Lock()
	defer bandwidthMutex.Unlock()
	b.available += n
	bandwidthCond.Broadcast()
}

// rateLimitedReader is an io.Reader that returns no more bytes than its
// bandwidth budget currently allows.
type rateLimitedReader struct {
	R  io.Reader
	bw *bandwidth
}

func NewLimitedUploadReader(r io.Reader) io.Reader {
	return newRateLimitedReader(r, &uploadBandwidth)
}

func NewLimitedDownloadReader(r io.Reader) io.Reader {
	return newRateLimitedReader(r, &downloadBandwidth)
}

func newRateLimitedReader(r io.Reader, bw *bandwidth) io.Reader {
	bandwidthMutex.Lock()
	limited := bw.limited
	bandwidthMutex.Unlock()
	if !limited {
		return r
	}
	return rateLimitedReader{R: r, bw: bw}
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	n := lr.bw.claim(len(dst))
	read, err := lr.R.Read(dst[:n])
	if read < n {
		// The underlying reader returned less than we reserved.
		lr.bw.release(n - read)
	}
	return read, err
}
