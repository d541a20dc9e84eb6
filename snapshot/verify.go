// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"os"
	"path/filepath"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/storage"
)

// VerifyResult summarizes a check of a snapshot.
type VerifyResult struct {
	Name    string
	Checked int
	// Manifest entries whose file is missing or isn't a regular file.
	Missing int
	// Files whose contents don't match their manifest digest.
	Mismatched int
	// Regular files in the snapshot without a manifest entry.
	Untracked int
	// Entries that the pool doesn't have a recipe for; only counted if
	// a pool was provided.
	NoRecipe int
}

// Problems returns the total number of inconsistencies found.
func (v *VerifyResult) Problems() int {
	return v.Missing + v.Mismatched + v.Untracked
}

// Verify checks that every file in the manifest of the given snapshot
// (the latest if name is empty) is present and has the recorded digest,
// and that every regular file in the snapshot has a manifest entry. All
// problems are reported to the logger.
func Verify(root, name string, opts Options) (*VerifyResult, error) {
	log := opts.Log
	name, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	snap := filepath.Join(root, name)
	man, err := manifest.Read(filepath.Join(snap, manifest.FileName), log)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Name: name}
	for _, e := range man.Entries() {
		res.Checked++
		if !ValidPath(e.Path) {
			log.Error("%s: %q: invalid path in manifest", name, e.Path)
			res.Missing++
			continue
		}
		p := filepath.Join(snap, filepath.FromSlash(e.Path))
		fi, err := os.Lstat(p)
		if err != nil || !fi.Mode().IsRegular() {
			log.Error("%s: in manifest but missing from snapshot", p)
			res.Missing++
			continue
		}

		digest, err := hashFile(p)
		if err != nil {
			log.Error("%s: %s", p, err)
			res.Mismatched++
			continue
		}
		if digest != e.Digest {
			log.Error("%s: digest %s doesn't match manifest's %s", p, digest, e.Digest)
			res.Mismatched++
		}
		if manifest.FormatTime(fi.ModTime()) != e.Timestamp {
			log.Warning("%s: modification time %s doesn't match manifest's %s", p,
				manifest.FormatTime(fi.ModTime()), e.Timestamp)
		}

		if opts.Pool != nil && !storage.HasRecipe(e.Digest, opts.Pool) {
			log.Verbose("%s: no recipe in %s", e.Path, opts.Pool)
			res.NoRecipe++
		}
	}

	err = filepath.Walk(snap, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			log.Error("%s: %s", p, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(snap, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifest.FileName {
			return nil
		}
		if _, ok := man.Lookup(rel); !ok {
			log.Error("%s: not in manifest", p)
			res.Untracked++
		}
		return nil
	})
	return res, err
}

func hashFile(p string) (chunk.Hash, error) {
	f, err := os.Open(p)
	if err != nil {
		return chunk.Hash{}, err
	}
	defer f.Close()
	enc := chunk.NewEncoder(nil)
	err = enc.Encode(f, nil)
	return enc.Digest(), err
}
