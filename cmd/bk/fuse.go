// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Infrastructure to allow browsing snapshots via FUSE.

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/snapshot"
	"github.com/mmp/bksnap/storage"
	"golang.org/x/net/context"
)

// mountFUSE exports a read-only FUSE filesystem at dir where the first
// two levels of the directory hierarchy are the date and the time of
// each snapshot in the backup root. Below that are the files recorded in
// the snapshot's manifest. File contents come from the pool when it has
// them and otherwise from the snapshot's copy; either way they're checked
// against the manifest's digest.
func mountFUSE(dir, root string, pool storage.Backend) error {
	names, err := snapshot.List(root)
	if err != nil {
		return err
	}
	top := createPseudoHierarchy(root, names, pool)

	conn, err := fuse.Mount(
		dir,
		fuse.FSName("bkfs"),
		fuse.Subtype("bkfs"),
		fuse.VolumeName("snapshots"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := fs.Serve(conn, top); err != nil {
		return err
	}
	<-conn.Ready
	return conn.MountError
}

// Implements various FUSE interfaces for the top two levels of the
// hierarchy: yyyy-mm-dd/hh:mm:ss.sss.
type pseudoDir struct {
	name string
	// Each pseudoDir either has 1+ subdirectories in entries, or a
	// non-nil snapshot (at the node before the snapshot's files start).
	entries []*pseudoDir
	snap    *snapshotFiles
}

// Snapshot names are of the form yyyy-mm-dd-hh:mm:ss.sss; split them
// into date and time and build the corresponding *pseudoDir hierarchy.
func createPseudoHierarchy(root string, names []string, pool storage.Backend) *pseudoDir {
	var top pseudoDir
	for _, n := range names {
		comps := []string{n[:10], n[11:]}
		sf := &snapshotFiles{dir: filepath.Join(root, n), pool: pool}
		pseudoAddRecursive(&top, comps, sf)
	}
	return &top
}

func pseudoAddRecursive(pd *pseudoDir, comps []string, sf *snapshotFiles) {
	if len(comps) == 0 {
		// Reached the time directory; below here, it's all provided by
		// the snapshot.
		pd.snap = sf
		return
	}

	// If we already have a pseudoDir for the current path component,
	// proceed recursively with it.
	for _, e := range pd.entries {
		if e.name == comps[0] {
			pseudoAddRecursive(e, comps[1:], sf)
			return
		}
	}
	pd.entries = append(pd.entries, &pseudoDir{name: comps[0]})
	pseudoAddRecursive(pd.entries[len(pd.entries)-1], comps[1:], sf)
}

// Root() should only be called with the root node passed to fs.Serve;
// since pseudoDir also implements the additional Node and Handle
// interfaces for a directory entry, we can just return it directly.
func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper.
func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, entry := range pd.entries {
		if entry.name != name {
			continue
		}
		if entry.snap != nil {
			// Hand-off to the snapshot's tree for subsequent levels down
			// the hierarchy.
			return entry.snap.root()
		}
		return entry, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller.
func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, entry := range pd.entries {
		de = append(de, fuse.Dirent{Name: entry.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// snapshotFiles provides the tree of files in a snapshot's manifest; it's
// only read once the snapshot is first visited.
type snapshotFiles struct {
	dir  string
	pool storage.Backend

	once sync.Once
	top  *manifestDir
	err  error
}

func (sf *snapshotFiles) root() (fs.Node, error) {
	sf.once.Do(func() {
		var man *manifest.Manifest
		man, sf.err = manifest.Read(filepath.Join(sf.dir, manifest.FileName), log)
		if sf.err != nil {
			log.Error("%s: %s", sf.dir, sf.err)
			return
		}
		sf.top = newManifestDir()
		for _, e := range man.Entries() {
			if !snapshot.ValidPath(e.Path) {
				log.Warning("%s: %q: invalid path in manifest", sf.dir, e.Path)
				continue
			}
			sf.top.add(strings.Split(e.Path, "/"), &manifestFile{entry: e, snap: sf})
		}
	})
	if sf.err != nil {
		return nil, fuse.EIO
	}
	return sf.top, nil
}

// manifestDir is a directory implied by the paths in a manifest.
type manifestDir struct {
	dirs  map[string]*manifestDir
	files map[string]*manifestFile
}

func newManifestDir() *manifestDir {
	return &manifestDir{
		dirs:  make(map[string]*manifestDir),
		files: make(map[string]*manifestFile),
	}
}

func (d *manifestDir) add(comps []string, f *manifestFile) {
	if len(comps) == 1 {
		d.files[comps[0]] = f
		return
	}
	sub, ok := d.dirs[comps[0]]
	if !ok {
		sub = newManifestDir()
		d.dirs[comps[0]] = sub
	}
	sub.add(comps[1:], f)
}

func (d *manifestDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper.
func (d *manifestDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if sub, ok := d.dirs[name]; ok {
		return sub, nil
	}
	if f, ok := d.files[name]; ok {
		return f, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller.
func (d *manifestDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for name := range d.dirs {
		dirents = append(dirents, fuse.Dirent{Name: name, Type: fuse.DT_Dir})
	}
	for name := range d.files {
		dirents = append(dirents, fuse.Dirent{Name: name, Type: fuse.DT_File})
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name < dirents[j].Name })
	return dirents, nil
}

// manifestFile is a file in a snapshot's manifest.
type manifestFile struct {
	entry manifest.Entry
	snap  *snapshotFiles
}

func (f *manifestFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	if t, err := f.entry.Time(); err == nil {
		a.Mtime = t
	}
	if f.snap.pool != nil {
		if r, err := storage.ReadRecipe(f.entry.Digest, f.snap.pool); err == nil {
			a.Size = uint64(r.Size)
			return nil
		}
	}
	if fi, err := os.Stat(f.path()); err == nil {
		a.Size = uint64(fi.Size())
	}
	return nil
}

func (f *manifestFile) path() string {
	return filepath.Join(f.snap.dir, filepath.FromSlash(f.entry.Path))
}

// Implements fuse.fs.HandleReadAller.
func (f *manifestFile) ReadAll(ctx context.Context) ([]byte, error) {
	if pool := f.snap.pool; pool != nil && storage.HasRecipe(f.entry.Digest, pool) {
		var buf bytes.Buffer
		err := storage.RestoreFile(f.entry.Digest, pool, nil, &buf)
		if err == nil {
			return buf.Bytes(), nil
		}
		log.Error("%s: %s", f.entry.Path, err)
	}

	b, err := ioutil.ReadFile(f.path())
	if err != nil {
		log.Error("%s: %s", f.path(), err)
		return nil, fuse.EIO
	}
	if chunk.HashBytes(b) != f.entry.Digest {
		log.Error("%s: contents don't match manifest digest", f.path())
		return nil, fuse.EIO
	}
	return b, nil
}
