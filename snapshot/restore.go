// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
)

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Name         string
	FromPool     int // files rebuilt from the chunk pool
	FromSnapshot int // files copied from the snapshot directory
	Bytes        int64
	Errors       int
}

// Restore writes the files recorded in the manifest of the given snapshot
// (the latest one if name is empty) to dest, which is created if needed.
// Each file's contents come from the chunk pool when it has a recipe for
// them, and otherwise from the snapshot's copy; either way, they're
// checked against the manifest's digest before the file is kept. Files
// that can't be restored are logged, counted, and skipped.
func Restore(root, name, dest string, opts Options) (*RestoreResult, error) {
	log := opts.Log
	if err := CheckDirectory(root); err != nil {
		return nil, err
	}
	name, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, &ConfigError{dest, err}
	}
	if err := CheckDirectory(dest); err != nil {
		return nil, err
	}

	snap := filepath.Join(root, name)
	man, err := manifest.Read(filepath.Join(snap, manifest.FileName), log)
	if err != nil {
		return nil, err
	}

	// We'd like multiple pool reads to be in flight in case the pool is
	// remote. The sem chan limits both the number of files being
	// restored at once and the number of chunk reads.
	ctx := &restoreContext{
		snap: snap,
		dest: dest,
		log:  log,
		pool: opts.Pool,
		sem:  make(chan bool, 16),
		res:  &RestoreResult{Name: name},
	}
	for _, e := range man.Entries() {
		if !ValidPath(e.Path) {
			ctx.error("%q: invalid path in manifest; skipping", e.Path)
			continue
		}
		ctx.wg.Add(1)
		go ctx.restoreFile(e)
	}
	ctx.wg.Wait()

	log.Verbose("%s: restored %d files from the pool and %d from the snapshot (%s), %d errors",
		name, ctx.res.FromPool, ctx.res.FromSnapshot, u.FmtBytes(ctx.res.Bytes),
		ctx.res.Errors)
	return ctx.res, nil
}

type restoreContext struct {
	snap, dest string
	log        *u.Logger
	pool       storage.Backend
	wg         sync.WaitGroup
	sem        chan bool

	// Protects res and directory creation.
	mu  sync.Mutex
	res *RestoreResult
}

func (ctx *restoreContext) error(f string, args ...interface{}) {
	ctx.log.Error(f, args...)
	ctx.mu.Lock()
	ctx.res.Errors++
	ctx.mu.Unlock()
}

func (ctx *restoreContext) restoreFile(e manifest.Entry) {
	ctx.sem <- true
	defer func() { <-ctx.sem; ctx.wg.Done() }()

	rel := filepath.FromSlash(e.Path)
	target := filepath.Join(ctx.dest, rel)
	snapCopy := filepath.Join(ctx.snap, rel)
	ctx.log.Debug("%s: restoring", target)

	ctx.mu.Lock()
	err := os.MkdirAll(filepath.Dir(target), 0755)
	ctx.mu.Unlock()
	if err != nil {
		ctx.error("%s: %s", target, err)
		return
	}

	fromPool := false
	var n int64
	if ctx.pool != nil && storage.HasRecipe(e.Digest, ctx.pool) {
		if n, err = ctx.fromPool(e, target); err == nil {
			fromPool = true
		} else {
			ctx.log.Warning("%s: unable to restore from %s: %s; using the snapshot's copy",
				e.Path, ctx.pool, err)
		}
	}
	if !fromPool {
		if n, err = fromFile(snapCopy, e.Digest, target); err != nil {
			os.Remove(target)
			ctx.error("%s: %s", e.Path, err)
			return
		}
	}

	// The mode comes from the snapshot's copy when it's still around.
	if fi, err := os.Stat(snapCopy); err == nil {
		if err := os.Chmod(target, fi.Mode().Perm()); err != nil {
			ctx.error("%s: %s", target, err)
		}
	}
	if t, err := e.Time(); err != nil {
		ctx.log.Warning("%s: %s", e.Path, err)
	} else if err := os.Chtimes(target, t, t); err != nil {
		ctx.error("%s: %s", target, err)
	}

	ctx.mu.Lock()
	if fromPool {
		ctx.res.FromPool++
	} else {
		ctx.res.FromSnapshot++
	}
	ctx.res.Bytes += n
	ctx.mu.Unlock()
}

func (ctx *restoreContext) fromPool(e manifest.Entry, target string) (int64, error) {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: f}
	err = storage.RestoreFile(e.Digest, ctx.pool, ctx.sem, cw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return cw.n, err
}

// fromFile copies the file at src to target, returning an error if its
// contents don't have the given digest.
func fromFile(src string, digest chunk.Hash, target string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}

	var got chunk.Hash
	copy(got[:], h.Sum(nil))
	if got != digest {
		return n, fmt.Errorf("%s: contents have digest %s, expected %s: %w", src, got,
			digest, storage.ErrHashMismatch)
	}
	return n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
