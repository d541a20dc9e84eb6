// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package relay sends a snapshot to another host over a plain TCP
// connection, where it's added to that host's backup root under the same
// name. Each file travels as its deduplicated chunks plus the recipe for
// reassembling them. There's no authentication or encryption and an
// interrupted transfer has to be started over.
package relay

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/snapshot"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
	"golang.org/x/net/context"
)

// Result summarizes one side of a transfer.
type Result struct {
	Name   string
	Files  int
	Bytes  int64
	Errors int
}

///////////////////////////////////////////////////////////////////////////
// Sending

// Send connects to the receiver at addr and sends it the given snapshot
// (the latest one if name is empty). Files whose contents no longer match
// their manifest digest are logged and left out.
func Send(ctx context.Context, addr, root, name string, log *u.Logger) (*Result, error) {
	name, err := snapshot.Resolve(root, name)
	if err != nil {
		return nil, err
	}
	snap := filepath.Join(root, name)
	man, err := manifest.Read(filepath.Join(snap, manifest.FileName), log)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	log.Verbose("%s: sending %d files to %s", name, man.Len(), addr)
	res := &Result{Name: name}
	w := bufio.NewWriter(conn)
	if _, err := w.Write(Magic[:]); err != nil {
		return nil, err
	}
	if err := writeFrame(w, []byte(name)); err != nil {
		return nil, err
	}

	for _, e := range man.Entries() {
		if !snapshot.ValidPath(e.Path) {
			log.Error("%q: invalid path in manifest; skipping", e.Path)
			res.Errors++
			continue
		}
		enc, err := encodeFile(filepath.Join(snap, filepath.FromSlash(e.Path)))
		if err != nil {
			log.Error("%s: %s", e.Path, err)
			res.Errors++
			continue
		}
		if enc.Digest != e.Digest {
			log.Error("%s: contents don't match manifest digest; skipping", e.Path)
			res.Errors++
			continue
		}

		var store bytes.Buffer
		if err := chunk.WriteBackupFile(&store, enc.Chunks); err != nil {
			return nil, err
		}
		for _, b := range [][]byte{[]byte(e.Path), []byte(e.Timestamp)} {
			if err := writeFrame(w, b); err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(e.Digest[:]); err != nil {
			return nil, err
		}
		if err := writeFrame(w, enc.Recipe().Bytes()); err != nil {
			return nil, err
		}
		if err := writeFrame(w, store.Bytes()); err != nil {
			return nil, err
		}

		log.Debug("%s: sent %d unique chunks for %d blocks", e.Path, len(enc.Chunks),
			len(enc.Refs))
		res.Files++
		res.Bytes += enc.Size
	}

	if err := writeFrame(w, nil); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	// Wait for the receiver's verdict.
	status, err := readFrame(bufio.NewReader(conn), maxNameLength)
	if err != nil {
		return nil, fmt.Errorf("%s: no reply from receiver: %w", addr, err)
	}
	if len(status) > 0 {
		return res, fmt.Errorf("%s: %s", addr, status)
	}
	log.Verbose("%s: sent %d files (%s)", name, res.Files, u.FmtBytes(res.Bytes))
	return res, nil
}

func encodeFile(path string) (*chunk.Encoding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return chunk.Deduplicate(f, nil)
}

///////////////////////////////////////////////////////////////////////////
// Receiving

// ReceiveOptions configures Receive.
type ReceiveOptions struct {
	Log *u.Logger
	// If non-nil, received files are also stored in Pool.
	Pool storage.Backend
}

// Receive accepts a single connection on ln and stores the snapshot sent
// over it in root. The new snapshot only appears under its final name
// once the whole transfer has arrived. It's an error for the snapshot to
// already exist. If ctx is canceled while waiting for the connection, ln
// is closed.
func Receive(ctx context.Context, ln net.Listener, root string, opts ReceiveOptions) (*Result, error) {
	log := opts.Log

	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-accepted:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer conn.Close()
	log.Verbose("receiving from %s", conn.RemoteAddr())

	res, err := receive(bufio.NewReader(conn), root, opts.Pool, log)

	// Let the sender know how it went.
	w := bufio.NewWriter(conn)
	var status []byte
	if err != nil {
		status = []byte(err.Error())
		if len(status) > maxNameLength {
			status = status[:maxNameLength]
		}
	}
	if werr := writeFrame(w, status); werr == nil {
		w.Flush()
	}
	return res, err
}

func receive(r *bufio.Reader, root string, pool storage.Backend, log *u.Logger) (*Result, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	nb, err := readFrame(r, maxNameLength)
	if err != nil {
		return nil, err
	}
	name := string(nb)
	if !snapshot.IsName(name) {
		return nil, fmt.Errorf("%q: invalid snapshot name", name)
	}

	lock, err := snapshot.LockRoot(root)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	final := filepath.Join(root, name)
	if _, err := os.Lstat(final); err == nil {
		return nil, fmt.Errorf("%s: %w", final, snapshot.ErrExists)
	}
	dir := filepath.Join(root, snapshot.IncomingPrefix+name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, err
	}

	if pool != nil {
		pool = storage.NewDeferredMetadata(pool)
	}
	res, err := receiveFiles(r, dir, pool, log)
	if err == nil {
		// One entry per regular file, just as with snapshots made
		// locally.
		manPath := filepath.Join(dir, manifest.FileName)
		_, _, err = manifest.UpdateFile(manPath, func(p string) bool {
			fi, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(p)))
			return err == nil && fi.Mode().IsRegular()
		})
	}
	if err == nil && pool != nil {
		err = pool.SyncWrites()
	}
	if err == nil {
		res.Name = name
		err = os.Rename(dir, final)
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	log.Verbose("%s: received %d files (%s), %d errors", name, res.Files,
		u.FmtBytes(res.Bytes), res.Errors)
	return res, nil
}

func receiveFiles(r *bufio.Reader, dir string, pool storage.Backend, log *u.Logger) (*Result, error) {
	app, err := manifest.OpenAppender(filepath.Join(dir, manifest.FileName))
	if err != nil {
		return nil, err
	}
	defer app.Close()

	res := &Result{}
	received := make(map[string]bool)
	for {
		pb, err := readFrame(r, maxNameLength)
		if err != nil {
			return nil, err
		}
		if len(pb) == 0 {
			break
		}
		tb, err := readFrame(r, maxNameLength)
		if err != nil {
			return nil, err
		}
		var digest chunk.Hash
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, err
		}
		rb, err := readFrame(r, maxDataLength)
		if err != nil {
			return nil, err
		}
		store, err := readFrame(r, maxDataLength)
		if err != nil {
			return nil, err
		}

		e := manifest.Entry{Path: string(pb), Timestamp: string(tb), Digest: digest}
		var n int64
		switch {
		case e.Path == manifest.FileName:
			err = fmt.Errorf("name reserved for the manifest: %w", errBadFile)
		case received[e.Path]:
			err = fmt.Errorf("sent more than once: %w", errBadFile)
		default:
			n, err = writeFile(dir, e, rb, store, pool)
		}
		if err != nil {
			log.Error("%s: %s", e.Path, err)
			res.Errors++
			continue
		}
		received[e.Path] = true
		if err := app.Append(e); err != nil {
			return nil, err
		}
		res.Files++
		res.Bytes += n
	}
	return res, app.Close()
}

var errBadFile = errors.New("received file doesn't match its recipe")

// writeFile rebuilds a received file from its recipe and chunks, checks
// it against its digest, and writes it under dir. Existing files are
// never overwritten.
func writeFile(dir string, e manifest.Entry, recipeBytes, store []byte,
	pool storage.Backend) (int64, error) {
	if !snapshot.ValidPath(e.Path) {
		return 0, fmt.Errorf("invalid path: %w", errBadFile)
	}
	mtime, err := e.Time()
	if err != nil {
		return 0, err
	}
	recipe, err := chunk.DecodeRecipe(recipeBytes)
	if err != nil {
		return 0, err
	}
	chunks, err := chunk.Undeduplicate(bytes.NewReader(store))
	if err != nil {
		return 0, err
	}
	if len(chunks) != len(recipe.Hashes) {
		return 0, fmt.Errorf("%d chunks for %d hashes: %w", len(chunks),
			len(recipe.Hashes), errBadFile)
	}
	for i, c := range chunks {
		if c.Hash != recipe.Hashes[i] {
			return 0, fmt.Errorf("chunk %d: %w", i, errBadFile)
		}
	}

	enc := chunk.Encoding{Chunks: chunks, Refs: recipe.Refs}
	var buf bytes.Buffer
	h := md5.New()
	if err := enc.Reconstruct(io.MultiWriter(&buf, h)); err != nil {
		return 0, err
	}
	if int64(buf.Len()) != recipe.Size {
		return 0, fmt.Errorf("%d bytes, expected %d: %w", buf.Len(), recipe.Size,
			errBadFile)
	}
	var got chunk.Hash
	copy(got[:], h.Sum(nil))
	if got != e.Digest {
		return 0, fmt.Errorf("digest %s, expected %s: %w", got, e.Digest,
			storage.ErrHashMismatch)
	}

	path := filepath.Join(dir, filepath.FromSlash(e.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		os.Remove(path)
		return 0, err
	}

	if pool != nil {
		if _, err := storage.StoreFile(bytes.NewReader(buf.Bytes()), pool); err != nil {
			return 0, err
		}
	}
	return int64(buf.Len()), nil
}
