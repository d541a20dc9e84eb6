// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files.

package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bksnap/util"
	"golang.org/x/crypto/sha3"
)

// Parameters used for the parity files of the chunk pool.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 1024 * 1024
)

var (
	ErrFileCorrupt   = errors.New("file doesn't match its Reed-Solomon hashes")
	ErrRsFileCorrupt = errors.New("malformed Reed-Solomon file")
)

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// EncodeFile computes Reed-Solomon parity shards for the file fn and
// writes them, along with hashes of the data and parity shards, to rsfn.
func EncodeFile(fn, rsfn string, nDataShards int, nParityShards int,
	hashRate int64) error {
	if hashRate <= 0 {
		return fmt.Errorf("invalid hash rate %d", hashRate)
	}
	rs := ReedSolomonFile{
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	// Read the file from disk and shard it.
	var err error
	var dataShards [][]byte
	dataShards, rs.FileSize, err = readAndShardFile(fn, nDataShards)
	if err != nil {
		return err
	}

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded file.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return err
	}

	// Sanity check the results.
	if ok, err := enc.Verify(allShards); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: parity verification failed", fn)
	}

	// Compute the hashes.
	for _, s := range dataShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}
	for _, s := range rs.ParityShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}

	// Write the .rs file
	fout, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	genc := gob.NewEncoder(fout)
	if err = genc.Encode(rs); err != nil {
		fout.Close()
		return err
	}
	if err = fout.Sync(); err != nil {
		fout.Close()
		return err
	}
	return fout.Close()
}

// Shards into first nshards
func readAndShardFile(fn string, nshards int) (shards [][]byte,
	size int64, err error) {
	if nshards <= 0 {
		err = fmt.Errorf("invalid shard count %d", nshards)
		return
	}

	f, err := os.Open(fn)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	size = fi.Size()

	shardSize := (fi.Size() + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		// Empty file; the encoder still needs something to work with.
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)

	// Read the file contents into the buffer.
	_, err = io.ReadFull(f, buf[:fi.Size()])
	if err != nil {
		return
	}

	shards = shard(buf, shardSize)

	return
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

// CheckFile reports each shard of fn whose hash doesn't match as an error
// via the given logger and returns ErrFileCorrupt if there were any.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	return checkOrRestore(fn, rsfn, log, false)
}

// RestoreFile checks fn against its parity file and, if any shards are
// corrupt, reconstructs the original contents and writes them to
// fn+".recovered".
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	return checkOrRestore(fn, rsfn, log, true)
}

func checkOrRestore(fn, rsfn string, log *u.Logger, restore bool) error {
	// Read the .rs file for the data file.
	rs, err := readRsFile(rsfn)
	if err != nil {
		return err
	}

	// Read and shard the data file.
	dataShards, size, err := readAndShardFile(fn, rs.NDataShards)
	if err != nil {
		return err
	}
	if size != rs.FileSize {
		// Reconstructing a file whose length changed isn't something
		// the parity information can help with.
		return fmt.Errorf("%s: size %d doesn't match encoded size %d: %w", fn,
			size, rs.FileSize, ErrFileCorrupt)
	}

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}

	nHashChunks := len(allShards[0]) // == len(allShards[*])
	if len(rs.Hashes) != len(allShards) {
		return fmt.Errorf("%s: %w", rsfn, ErrRsFileCorrupt)
	}
	for s := range allShards {
		if len(allShards[s]) != nHashChunks || len(rs.Hashes[s]) != nHashChunks {
			return fmt.Errorf("%s: %w", rsfn, ErrRsFileCorrupt)
		}
	}

	report := log.Error
	if restore {
		report = log.Warning
	}

	// Loop over the hash chunks
	errors := 0
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				if s < len(dataShards) {
					report("%s: data shard %d hash %d mismatch", fn, s, hc)
				} else {
					report("%s: parity shard %d hash %d mismatch", fn,
						s-len(dataShards), hc)
				}
				errors++
				// nil it out (in case we're going to try and recover)
				allShards[s][hc] = nil
			}
		}
	}

	if errors == 0 {
		return nil
	}
	if !restore {
		return fmt.Errorf("%s: %d mismatches: %w", fn, errors, ErrFileCorrupt)
	}

	// Try to recover the file.
	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err = enc.Reconstruct(recon); err != nil {
				return fmt.Errorf("%s: %w", fn, err)
			}
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	// Write out new file
	f, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	w := &limitedWriter{f, rs.FileSize}
	for _, shard := range dataShards {
		if _, err = w.Write(shard); err != nil {
			f.Close()
			return err
		}
	}

	return f.Close()
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

func readRsFile(fn string) (ReedSolomonFile, error) {
	var rs ReedSolomonFile
	f, err := os.Open(fn)
	if err != nil {
		return rs, err
	}
	defer f.Close()

	d := gob.NewDecoder(f)
	if err = d.Decode(&rs); err != nil {
		return rs, fmt.Errorf("%s: %s: %w", fn, err, ErrRsFileCorrupt)
	}
	if rs.NDataShards <= 0 || rs.NParityShards <= 0 || rs.HashRate <= 0 ||
		len(rs.ParityShards) != rs.NParityShards {
		return rs, fmt.Errorf("%s: %w", fn, ErrRsFileCorrupt)
	}
	return rs, nil
}
