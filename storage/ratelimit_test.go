// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"testing"
	"time"
)

func TestRateLimitedReader(t *testing.T) {
	bw := &bandwidth{limited: true, available: 10}
	lr := rateLimitedReader{R: bytes.NewReader(make([]byte, 100)), bw: bw}

	buf := make([]byte, 64)
	n, err := lr.Read(buf)
	if err != nil || n != 10 {
		t.Fatalf("got (%d, %v), expected (10, nil)", n, err)
	}
	if bw.available != 0 {
		t.Errorf("%d bytes still available, expected 0", bw.available)
	}

	// Hand out more budget from another goroutine while Read is blocked.
	go func() {
		time.Sleep(10 * time.Millisecond)
		bw.release(1000)
	}()
	n, err = lr.Read(buf)
	if err != nil || n != 64 {
		t.Fatalf("got (%d, %v), expected (64, nil)", n, err)
	}
}

func TestRateLimitedReaderReturnsUnused(t *testing.T) {
	bw := &bandwidth{limited: true, available: 10}
	lr := rateLimitedReader{R: bytes.NewReader(make([]byte, 4)), bw: bw}

	n, err := lr.Read(make([]byte, 64))
	if err != nil || n != 4 {
		t.Fatalf("got (%d, %v), expected (4, nil)", n, err)
	}
	// Only the bytes actually read are charged.
	if bw.available != 6 {
		t.Errorf("%d bytes available, expected 6", bw.available)
	}
}

func TestBandwidthRefill(t *testing.T) {
	var bw bandwidth
	bw.refill(8000)
	if bw.available != 940 {
		t.Errorf("%d bytes available after one refill, expected 940", bw.available)
	}
	for i := 0; i < 20; i++ {
		bw.refill(8000)
	}
	if bw.available != 8000 {
		t.Errorf("%d bytes banked, expected at most a second's worth (8000)",
			bw.available)
	}
}

func TestUnlimitedReaders(t *testing.T) {
	// Without a call to InitBandwidthLimit, readers are returned as is.
	r := bytes.NewReader(nil)
	if NewLimitedUploadReader(r) != r || NewLimitedDownloadReader(r) != r {
		t.Errorf("unlimited reader was wrapped")
	}
}
