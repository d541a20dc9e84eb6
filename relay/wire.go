// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package relay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
)

/*
Wire format, sender to receiver:

- The magic number "BKR1".
- The snapshot name, as a frame: a uvarint length followed by that many
  bytes.
- For each file: its path as a frame, its manifest timestamp as a frame,
  the 16 bytes of its MD5 digest, the bytes of its chunk.Recipe as a
  frame, and its unique chunks in backup file format (see
  chunk.WriteBackupFile) as a frame.
- An empty frame where the next path would be.

The receiver then replies with a single frame that's empty on success and
otherwise holds an error message.
*/

var Magic = [4]byte{'B', 'K', 'R', '1'}

var (
	ErrBadMagic      = errors.New("not a snapshot transfer")
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	maxNameLength = 4096
	// A frame holding a file's chunks is read into memory in its
	// entirety.
	maxDataLength = 1 << 34
)

func writeFrame(w *bufio.Writer, b []byte) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(b)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r *bufio.Reader, max int64) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("%d bytes: %w", n, ErrFrameTooLarge)
	}
	// Grow the buffer as data arrives rather than trusting the length.
	b, err := ioutil.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, err
	}
	if uint64(len(b)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}
