// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package snapshot creates, restores, and checks timestamped snapshots of
// a directory tree under a backup root.
//
// Each snapshot is a directory <root>/<timestamp> that mirrors the source
// tree. Files that haven't changed since the previous snapshot are hard
// links to that snapshot's copies, so unchanged data is only stored once
// on disk. A manifest (see package manifest) at the top of each snapshot
// records the modification time and MD5 digest of each file, and, if a
// chunk pool is provided, each freshly copied file's contents are also
// stored there as deduplicated chunks along with a recipe for putting
// them back together.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
	"golang.org/x/sys/unix"
)

var (
	ErrLocked      = errors.New("backup root is in use by another run")
	ErrExists      = errors.New("snapshot already exists")
	ErrNoSnapshots = errors.New("no snapshots")
	ErrNotFound    = errors.New("snapshot not found")
)

// IncomingPrefix starts the name of the directory a snapshot is assembled
// in before it's renamed into place. Such directories are never taken for
// snapshots.
const IncomingPrefix = ".incoming-"

// ConfigError is returned when the source or backup root can't be used;
// nothing has been modified when one is returned.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Options holds the collaborators used by Backup, Restore, and Verify.
// The zero value is usable: it logs to stderr, uses the real clock, and
// doesn't use a chunk pool.
type Options struct {
	Log   *u.Logger
	Clock clockwork.Clock
	// Pool, if non-nil, receives the chunks and recipes of copied files
	// and is the preferred source of file contents when restoring.
	Pool storage.Backend
	// Paths relative to the source that contain any of these strings
	// are skipped.
	Exclude []string
}

func (o *Options) clock() clockwork.Clock {
	if o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

// CheckDirectory makes sure that the given path is a directory that we
// can read, write, and search, returning a *ConfigError if it isn't.
func CheckDirectory(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return &ConfigError{dir, err}
	}
	if !fi.IsDir() {
		return &ConfigError{dir, errors.New("not a directory")}
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return &ConfigError{dir, err}
	}
	return nil
}

// IsName reports whether name is a valid snapshot name.
func IsName(name string) bool {
	if len(name) != len(manifest.TimeLayout) {
		return false
	}
	_, err := manifest.ParseTime(name)
	return err == nil
}

// List returns the names of the snapshots under the given backup root,
// oldest first.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && IsName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// The names are fixed-width, so this is also chronological order.
	sort.Strings(names)
	return names, nil
}

// Latest returns the name of the most recent snapshot under root, or the
// empty string if there are none.
func Latest(root string) (string, error) {
	names, err := List(root)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

// Resolve returns the given snapshot name after checking that it exists,
// or the latest snapshot if name is empty.
func Resolve(root, name string) (string, error) {
	if name == "" {
		latest, err := Latest(root)
		if err != nil {
			return "", err
		}
		if latest == "" {
			return "", fmt.Errorf("%s: %w", root, ErrNoSnapshots)
		}
		return latest, nil
	}

	if !IsName(name) {
		return "", fmt.Errorf("%s: invalid snapshot name", name)
	}
	if fi, err := os.Stat(filepath.Join(root, name)); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return name, nil
}

// ValidPath reports whether p can be used as a manifest path: relative,
// clean, and not escaping the directory it's relative to.
func ValidPath(p string) bool {
	return p != "" && p != "." && !path.IsAbs(p) && path.Clean(p) == p &&
		p != ".." && !strings.HasPrefix(p, "../") &&
		!strings.ContainsAny(p, ";\n")
}

func isExcluded(rel string, excluded []string) bool {
	for _, excl := range excluded {
		if excl != "" && strings.Contains(rel, excl) {
			return true
		}
	}
	return false
}
