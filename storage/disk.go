// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/bksnap/rdso"
	u "github.com/mmp/bksnap/util"
)

// The Reed-Solomon encoding implementation ends up reading the whole file
// into memory (and more), so limit the size of packfiles, which makes sure
// things aren't too bad.
const MaxDiskPackFileSize = 1 << 30

// diskFileStorage implements the FileStorage interface for a local
// directory. Every file it writes gets a Reed-Solomon parity file next
// to it, with the same name plus ".rs".
type diskFileStorage struct {
	dir string
}

// NewDisk returns a new storage.Backend that stores data to the given
// directory, creating it and its subdirectories if necessary. Progress
// while reading the pool's indices is reported to log.
func NewDisk(dir string, log *u.Logger) (Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", dir)
	}

	for _, d := range []string{"packs", "indices", "metadata"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0700); err != nil {
			return nil, err
		}
	}

	pb, err := newPackFileBackend(&diskFileStorage{dir: dir}, MaxDiskPackFileSize, log)
	if err != nil {
		return nil, err
	}
	return pb, nil
}

func (d *diskFileStorage) String() string {
	return "disk: " + d.dir
}

func (d *diskFileStorage) CreateFile(name string) (io.WriteCloser, error) {
	path := filepath.Join(d.dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrFileExists)
	}
	w, err := newRobustWriter(path)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (d *diskFileStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	path := filepath.Join(d.dir, name)
	if length == 0 {
		return ioutil.ReadFile(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := make([]byte, length)
	if _, err := f.ReadAt(b, offset); err != nil {
		if err == io.EOF {
			err = ErrPrematureEndOfData
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func (d *diskFileStorage) ForFiles(prefix string, f func(path string, created time.Time)) error {
	entries, err := ioutil.ReadDir(filepath.Join(d.dir, prefix))
	if err != nil {
		return err
	}
	for _, info := range entries {
		name := info.Name()
		if info.IsDir() || isAuxFile(name) {
			continue
		}
		f(strings.TrimSuffix(prefix, "/")+"/"+name, info.ModTime())
	}
	return nil
}

// Fsck checks the Reed-Solomon encoding of all of the stored files.
func (d *diskFileStorage) Fsck(log *u.Logger) bool {
	log.Verbose("Checking Reed-Solomon codes of all files")
	err := filepath.Walk(d.dir,
		func(path string, info os.FileInfo, err error) error {
			if err != nil {
				log.Error("%s: %s", path, err)
				return nil
			}
			if info.IsDir() || strings.HasSuffix(path, ".rs") ||
				strings.HasSuffix(path, ".recovered") {
				return nil
			}
			if strings.HasSuffix(path, ".tmp") {
				log.Warning("%s: leftover temporary file", path)
				return nil
			}
			if err := rdso.CheckFile(path, path+".rs", log); err != nil {
				log.Error("%s: %s", path, err)
			}
			return nil
		})
	if err != nil {
		log.Error("%s: %s", d.dir, err)
	}
	return true
}

// Repair tries to reconstruct every damaged file in the given disk pool
// from its Reed-Solomon parity file. Recovered contents are written next
// to the damaged file with a ".recovered" suffix for the user to inspect.
// Files that can't be recovered are reported to log.
func Repair(dir string, log *u.Logger) error {
	return filepath.Walk(dir,
		func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || isAuxFile(path) {
				return nil
			}
			if err := rdso.RestoreFile(path, path+".rs", log); err != nil {
				log.Error("%s: %s", path, err)
			}
			return nil
		})
}

// isAuxFile reports whether the named file is a parity file, temporary
// file, or recovered file rather than pool data.
func isAuxFile(name string) bool {
	for _, suffix := range []string{".rs", ".tmp", ".recovered"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

///////////////////////////////////////////////////////////////////////////
// robustWriter

// robustWriter writes to a temporary file; Close syncs it to disk,
// renames it to its final name, and then writes its parity file. Thus,
// a file that's present under its final name is complete.
type robustWriter struct {
	f    *os.File
	path string
	tmp  string
}

func newRobustWriter(path string) (*robustWriter, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &robustWriter{f: f, path: path, tmp: tmp}, nil
}

func (w *robustWriter) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *robustWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmp)
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return err
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		os.Remove(w.tmp)
		return err
	}
	return rdso.EncodeFile(w.path, w.path+".rs", rdso.DefaultDataShards,
		rdso.DefaultParityShards, rdso.DefaultHashRate)
}
