// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document is an attempt to document the way that bk stores backups in
sufficient detail so that (if ever necessary), it's possible to recover
files even without the existing bk source code. Most of the time that's
not even needed: every snapshot is an ordinary directory tree. We'll
proceed from the snapshots themselves down to the chunk pool.

# Snapshots

Each run of "bk backup" creates a directory in the backup root named with
the local time the run started, in the form 2006-01-02-15:04:05.000. The
snapshot mirrors the source directory. Files that didn't change since the
previous snapshot are hard links to that snapshot's copies; new and changed
files are copied. Symbolic links are recreated as-is.

A snapshot is assembled in a directory whose name starts with ".incoming-"
and is renamed once it's complete; such directories are left over from
interrupted runs and are removed by the next one. The file .lock in the
backup root is flock(2)ed while a run is in progress.

# Manifests

At the top of each snapshot, the file .backup_log has one line for each
regular file in the snapshot:

	path;timestamp;digest

The path is relative to the snapshot, with "/" separators. The timestamp
is the file's modification time when it was backed up, in local time and
the same format as snapshot names. The digest is the hex-encoded MD5 hash
of the file's contents.

# Chunks

For deduplication, file contents are split into 1024-byte blocks (the last
one may be shorter), each identified by the MD5 hash of its bytes. A
file's unique chunks, in the order of their first appearance, can be
written as a "chunk store": for each chunk, its 16 byte hash followed by
its contents (1024 bytes, except possibly for the last one).

The recipe for a file lists what's needed to put it back together. It
starts with the magic number "Rcp1", followed by the following, all
encoded with go's binary.PutUvarint:

- The size of the file in bytes.
- The number of unique chunks, followed by the 16 byte hash of each.
- The number of blocks in the file and then, for each block, the index of
  the chunk (among the unique ones) that holds its contents.

# The chunk pool

Unless disabled, a chunk pool (by default, in the .pool directory in the
backup root) stores the chunks of each copied file along with its recipe.
The recipe for a file with digest D is stored in the file
metadata/recipe-D. If compression is enabled (the default), the hashes in
recipes are of the compressed chunks described below, not the original
file's chunks.

The packs/ directory stores pack files, which store a series of blobs.
Each blob is stored starting with the 4-byte string "BL0B". Next is the
length of the chunk stored using go's binary.PutVarint followed by the
chunk's data.

The filenames of pack files are arbitrary. Each pack file has a
corresponding index file in the indices/ directory. Index files allow us to
efficiently find out which chunk hashes are already stored and where the
corresponding blobs are in pack files.

Each index in an index file starts with the magic number "Idx2", then 16
bytes of the corresponding chunk's MD5 hash, the offset in the pack file
where the blob starts and the length of the blob (both also encoded using
binary.PutVarint).

Note that the index files can be reconstructed from the pack file contents
alone.

# Compression

Chunks are compressed using zstd if doing so makes them smaller. The first
byte of each stored chunk is one if it was compressed and is zero if it's
uncompressed. Whether a pool's chunks are compressed is recorded in
metadata/compression ("zstd" or "none") the first time it's written to;
that mode is used from then on, whatever BK_COMPRESS says.

# Reed-Solomon encoding

All files stored in a disk pool are coded with Reed-Solomon encoding. The
Reed-Solomon parity information is stored in a .rs file for each regular
file; "bk fsck --repair" uses it to recover damaged files. The .rs files
are based on the Go "gob" encoding package; they just store the following
structure:

const HashSize = 64
type Hash [HashSize]byte

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The hashes are SHAKE256.

# Sending snapshots

"bk send" connects to "bk receive" over TCP and sends it the magic number
"BKR1" and then the snapshot name. Variable-length values are sent as a
uvarint length followed by that many bytes. For each file, it sends its
path, its manifest timestamp, the 16 bytes of its digest, its recipe, and
its chunk store; an empty path ends the transfer. The receiver replies
with an empty message on success or an error message otherwise.

# Environment

BK_VERBOSE, BK_DEBUG: enable verbose or debugging output.
BK_POOL: location of the chunk pool: a directory, gs://bucket, or "none".
BK_COMPRESS: whether to compress chunks in the pool (default true).
BK_EXCLUDE: comma-separated strings; paths that contain any are skipped.
BK_GCS_PROJECT, BK_GCS_LOCATION: used when creating a GCS bucket.
BK_MAX_UPLOAD_BPS, BK_MAX_DOWNLOAD_BPS: GCS bandwidth limits.
BK_GCS_FSCK: allow "bk fsck" to read everything in a GCS pool.

`
