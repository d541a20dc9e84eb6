// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
)

// Result summarizes a backup run.
type Result struct {
	// Name of the new snapshot and its full path.
	Name string
	Path string
	// Name of the snapshot it was based on; empty for the first one.
	Baseline string

	Copied   int // files copied from the source
	Reused   int // unchanged files left linked to the baseline
	Repaired int // unchanged files that were missing a manifest entry
	Removed  int // baseline entries no longer in the source
	Bytes    int64

	// Number of manifest lines kept and dropped when it was finalized.
	Entries, Dropped int

	// Errors counts the files and directories that couldn't be backed
	// up; each was reported to the logger.
	Errors int
}

// Backup makes a new snapshot of src under the backup root. Unchanged
// files are hard-linked from the most recent existing snapshot; new and
// modified ones are copied and recorded in the new snapshot's manifest.
//
// Problems with individual files are logged and counted in the Result
// but don't stop the run; an error is only returned if the run as a
// whole couldn't be carried out. If it's a *ConfigError, nothing was
// changed.
func Backup(src, root string, opts Options) (*Result, error) {
	log := opts.Log
	for _, dir := range []string{src, root} {
		if err := CheckDirectory(dir); err != nil {
			return nil, err
		}
	}
	var err error
	if src, err = filepath.Abs(src); err != nil {
		return nil, &ConfigError{src, err}
	}
	if root, err = filepath.Abs(root); err != nil {
		return nil, &ConfigError{root, err}
	}

	lock, err := LockRoot(root)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	name := manifest.FormatTime(opts.clock().Now())
	final := filepath.Join(root, name)
	if _, err := os.Lstat(final); err == nil {
		return nil, fmt.Errorf("%s: %w", final, ErrExists)
	}
	removeIncoming(root, log)

	baseline, err := Latest(root)
	if err != nil {
		return nil, err
	}
	res := &Result{Name: name, Path: final, Baseline: baseline}

	// The snapshot is built under a name that List ignores and only
	// renamed into place once it's complete, so an interrupted run never
	// becomes the baseline for the next one.
	dir := filepath.Join(root, IncomingPrefix+name)
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(dir)
		}
	}()

	manPath := filepath.Join(dir, manifest.FileName)
	if baseline != "" {
		log.Verbose("%s: linking from %s", name, baseline)
		n, err := materialize(filepath.Join(root, baseline), dir, log)
		if err != nil {
			return nil, err
		}
		res.Errors += n
	} else {
		log.Verbose("%s: no earlier snapshot; starting fresh", name)
		if err := os.Mkdir(dir, 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(manPath, nil, 0644); err != nil {
			return nil, err
		}
	}

	man, err := manifest.Read(manPath, log)
	if err != nil {
		return nil, err
	}
	app, err := manifest.OpenAppender(manPath)
	if err != nil {
		return nil, err
	}

	// Recipes are only stored once the chunks they refer to have been
	// synced.
	pool := opts.Pool
	if pool != nil {
		pool = storage.NewDeferredMetadata(pool)
	}
	w := &walker{
		src:     src,
		dst:     dir,
		root:    root,
		log:     log,
		pool:    pool,
		exclude: opts.Exclude,
		man:     man,
		app:     app,
		res:     res,
	}
	w.walkDir("")

	if err := app.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", manPath, err)
	}

	res.Entries, res.Dropped, err = manifest.UpdateFile(manPath, func(p string) bool {
		fi, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(p)))
		return err == nil && fi.Mode().IsRegular()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manPath, err)
	}

	if pool != nil {
		// Problems with the pool only make pool-based restores of the
		// new files unavailable.
		if err := pool.SyncWrites(); err != nil {
			w.error("%s: %s", pool, err)
		}
	}

	if err := os.Rename(dir, final); err != nil {
		return nil, err
	}
	committed = true

	log.Verbose("%s: %d copied (%s), %d unchanged, %d removed, %d errors", name,
		res.Copied, u.FmtBytes(res.Bytes), res.Reused, res.Removed, res.Errors)
	return res, nil
}

// removeIncoming cleans up after earlier runs that were interrupted
// before their snapshots were complete. The caller must hold the lock.
func removeIncoming(root string, log *u.Logger) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), IncomingPrefix) {
			log.Warning("%s: removing incomplete snapshot", e.Name())
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				log.Error("%s: %s", e.Name(), err)
			}
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Materialization

// materialize recreates the snapshot at from as a new snapshot at to,
// with directories created afresh, regular files hard-linked, and
// symlinks recreated. The manifest at the top is copied, since it's going
// to be rewritten. Failing to create the new snapshot's directory or its
// manifest is returned as an error; other problems are logged and
// counted.
func materialize(from, to string, log *u.Logger) (int, error) {
	if err := os.Mkdir(to, 0755); err != nil {
		return 0, err
	}
	if err := copyManifest(filepath.Join(from, manifest.FileName),
		filepath.Join(to, manifest.FileName)); err != nil {
		os.RemoveAll(to)
		return 0, err
	}
	return linkTree(from, to, true, log), nil
}

func copyManifest(from, to string) error {
	in, err := os.Open(from)
	if os.IsNotExist(err) {
		return os.WriteFile(to, nil, 0644)
	} else if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func linkTree(from, to string, top bool, log *u.Logger) (errors int) {
	entries, err := os.ReadDir(from)
	if err != nil {
		log.Error("%s: %s", from, err)
		return 1
	}

	for _, e := range entries {
		if top && e.Name() == manifest.FileName {
			continue
		}
		src, dst := filepath.Join(from, e.Name()), filepath.Join(to, e.Name())

		fi, err := e.Info()
		if err != nil {
			log.Error("%s: %s", src, err)
			errors++
			continue
		}

		switch {
		case fi.IsDir():
			// Directories are always writable by us so that later runs
			// can update their contents.
			if err := os.Mkdir(dst, fi.Mode().Perm()|0700); err != nil {
				log.Error("%s: %s", dst, err)
				errors++
				continue
			}
			errors += linkTree(src, dst, false, log)
		case fi.Mode().IsRegular():
			if err := os.Link(src, dst); err != nil {
				log.Error("%s: %s", dst, err)
				errors++
			}
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err == nil {
				err = os.Symlink(target, dst)
			}
			if err != nil {
				log.Error("%s: %s", dst, err)
				errors++
			}
		default:
			log.Debug("%s: skipping special file", src)
		}
	}
	return errors
}

///////////////////////////////////////////////////////////////////////////
// Diff walk

// walker brings a materialized snapshot up to date with the source.
type walker struct {
	src, dst, root string
	log            *u.Logger
	pool           storage.Backend
	exclude        []string
	man            *manifest.Manifest
	app            *manifest.Appender
	res            *Result
}

func (w *walker) error(f string, args ...interface{}) {
	w.log.Error(f, args...)
	w.res.Errors++
}

func (w *walker) srcPath(rel string) string {
	return filepath.Join(w.src, filepath.FromSlash(rel))
}

func (w *walker) dstPath(rel string) string {
	return filepath.Join(w.dst, filepath.FromSlash(rel))
}

// walkDir synchronizes the snapshot directory at rel, which is a
// slash-separated path relative to the top of the snapshot, with the
// source, and then recursively does the same for its subdirectories.
func (w *walker) walkDir(rel string) {
	srcDir := w.srcPath(rel)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		// Whatever the snapshot inherited for this directory stays as is.
		w.error("%s: %s", srcDir, err)
		return
	}

	present := make(map[string]bool)
	for _, e := range entries {
		r := path.Join(rel, e.Name())
		sp := w.srcPath(r)
		if isExcluded(r, w.exclude) || sp == w.root {
			w.log.Debug("%s: excluding from backup", sp)
			continue
		}
		if r == manifest.FileName {
			w.log.Warning("%s: can't be backed up alongside the manifest; skipping", sp)
			continue
		}

		fi, err := os.Lstat(sp)
		if err != nil {
			// Keep the inherited copy, if any.
			present[e.Name()] = true
			w.error("%s: %s", sp, err)
			continue
		}

		switch {
		case fi.IsDir():
			present[e.Name()] = true
			if w.syncDir(r, fi) {
				w.walkDir(r)
			}
		case fi.Mode().IsRegular():
			present[e.Name()] = true
			w.syncFile(r, fi)
		case fi.Mode()&os.ModeSymlink != 0:
			present[e.Name()] = true
			w.syncSymlink(r)
		default:
			w.log.Warning("%s: unsupported file type %s; skipping", sp, fi.Mode().Type())
		}
	}

	w.removeStale(rel, present)
}

// syncDir makes sure that there's a directory in the snapshot for rel and
// reports whether it's there.
func (w *walker) syncDir(rel string, fi os.FileInfo) bool {
	dp := w.dstPath(rel)
	if dfi, err := os.Lstat(dp); err == nil {
		if dfi.IsDir() {
			return true
		}
		if err := os.RemoveAll(dp); err != nil {
			w.error("%s: %s", dp, err)
			return false
		}
	}
	if err := os.Mkdir(dp, fi.Mode().Perm()|0700); err != nil {
		w.error("%s: %s", dp, err)
		return false
	}
	return true
}

func (w *walker) syncFile(rel string, sfi os.FileInfo) {
	sp, dp := w.srcPath(rel), w.dstPath(rel)
	dfi, err := os.Lstat(dp)
	if err == nil && dfi.Mode().IsRegular() && !sfi.ModTime().After(dfi.ModTime()) {
		// Unchanged; the hard link to the baseline's copy stays.
		w.res.Reused++
		if _, ok := w.man.Lookup(rel); !ok {
			w.repair(rel, dp, dfi)
		}
		return
	} else if err != nil && !os.IsNotExist(err) {
		w.error("%s: %s", dp, err)
		return
	}
	inherited := err == nil

	// If the source can't be read, whatever the snapshot inherited for
	// it stays.
	in, err := os.Open(sp)
	if err != nil {
		w.error("%s: %s", sp, err)
		return
	}
	defer in.Close()

	if inherited {
		// Changed. The existing file is a link to the baseline's copy,
		// which must never be written to, so it's replaced rather than
		// overwritten.
		if err := os.RemoveAll(dp); err != nil {
			w.error("%s: %s", dp, err)
			return
		}
	}

	w.copyFile(rel, sfi, in)
}

// copyFile copies the source file for rel, which has been opened as in,
// into the snapshot, computing its digest (and storing it in the pool, if
// there is one) along the way, and then appends its manifest entry.
func (w *walker) copyFile(rel string, sfi os.FileInfo, in *os.File) {
	sp, dp := w.srcPath(rel), w.dstPath(rel)
	w.log.Debug("%s: copying", sp)

	out, err := os.OpenFile(dp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		w.error("%s: %s", dp, err)
		return
	}
	fail := func(err error) {
		out.Close()
		os.Remove(dp)
		w.error("%s: %s", sp, err)
	}

	var r io.Reader = in
	if sfi.Size() >= u.ReportInterval {
		rr := &u.ReportingReader{R: in, Msg: rel, Log: w.log}
		defer rr.Finish()
		r = rr
	}

	digest, n, err := w.encode(io.TeeReader(r, out))
	if err != nil {
		fail(err)
		return
	}
	if err := out.Chmod(sfi.Mode().Perm()); err != nil {
		fail(err)
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(dp)
		w.error("%s: %s", dp, err)
		return
	}
	if err := os.Chtimes(dp, sfi.ModTime(), sfi.ModTime()); err != nil {
		os.Remove(dp)
		w.error("%s: %s", dp, err)
		return
	}

	e := manifest.Entry{Path: rel, Timestamp: manifest.FormatTime(sfi.ModTime()),
		Digest: digest}
	if err := w.app.Append(e); err != nil {
		// Without an entry, the next run will hash the copy and add one.
		w.error("%s: %s", rel, err)
		return
	}
	w.res.Copied++
	w.res.Bytes += n
}

// repair adds the missing manifest entry for an unchanged file by hashing
// the snapshot's copy of it.
func (w *walker) repair(rel, dp string, dfi os.FileInfo) {
	f, err := os.Open(dp)
	if err != nil {
		w.error("%s: %s", dp, err)
		return
	}
	defer f.Close()

	digest, _, err := w.encode(f)
	if err != nil {
		w.error("%s: %s", dp, err)
		return
	}
	e := manifest.Entry{Path: rel, Timestamp: manifest.FormatTime(dfi.ModTime()),
		Digest: digest}
	if err := w.app.Append(e); err != nil {
		w.error("%s: %s", rel, err)
		return
	}
	w.log.Verbose("%s: added missing manifest entry", rel)
	w.res.Repaired++
}

// encode runs r through the chunk codec, storing the chunks in the pool
// if there is one, and returns the digest and length of its contents.
func (w *walker) encode(r io.Reader) (chunk.Hash, int64, error) {
	if w.pool != nil {
		sf, err := storage.StoreFile(r, w.pool)
		return sf.Digest, sf.Size, err
	}
	enc := chunk.NewEncoder(nil)
	err := enc.Encode(r, nil)
	return enc.Digest(), enc.Size(), err
}

func (w *walker) syncSymlink(rel string) {
	sp, dp := w.srcPath(rel), w.dstPath(rel)
	target, err := os.Readlink(sp)
	if err != nil {
		w.error("%s: %s", sp, err)
		return
	}
	if dfi, err := os.Lstat(dp); err == nil {
		if dfi.Mode()&os.ModeSymlink != 0 {
			if t, err := os.Readlink(dp); err == nil && t == target {
				return
			}
		}
		if err := os.RemoveAll(dp); err != nil {
			w.error("%s: %s", dp, err)
			return
		}
	}
	if err := os.Symlink(target, dp); err != nil {
		w.error("%s: %s", dp, err)
	}
}

// removeStale deletes everything in the snapshot directory for rel that
// isn't in present, other than the manifest at the top.
func (w *walker) removeStale(rel string, present map[string]bool) {
	dir := w.dstPath(rel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.error("%s: %s", dir, err)
		return
	}
	for _, e := range entries {
		if present[e.Name()] || (rel == "" && e.Name() == manifest.FileName) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		w.log.Debug("%s: removing", p)
		if err := os.RemoveAll(p); err != nil {
			w.error("%s: %s", p, err)
			continue
		}
		w.res.Removed++
	}
}
