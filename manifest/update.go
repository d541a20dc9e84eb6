// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// UpdateFile rewrites the manifest stored in the given file so that it
// only holds lines for paths where exists returns true. Kept lines are
// written back verbatim and in their original order, except that when a
// path appears on more than one line, only the last of them is kept.
// Lines that don't parse are dropped. The file is replaced atomically.
func UpdateFile(path string, exists func(path string) bool) (kept, dropped int, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}

	lines := strings.Split(string(b), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	// The last line for each path is the one to keep.
	last := make(map[string]int)
	paths := make([]string, len(lines))
	for i, line := range lines {
		e, err := ParseLine(line)
		if err != nil {
			continue
		}
		paths[i] = e.Path
		last[e.Path] = i
	}

	var out []string
	for i, line := range lines {
		p := paths[i]
		if p == "" || last[p] != i || !exists(p) {
			dropped++
			continue
		}
		out = append(out, line)
	}

	err = writeAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, line := range out {
			if _, err := bw.WriteString(line + "\n"); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
	return len(out), dropped, err
}

// writeAtomic writes a new version of the given file via a temporary file
// in the same directory that's then renamed over it, so that readers
// either see the old contents or the new ones.
func writeAtomic(path string, write func(w io.Writer) error) error {
	mode := os.FileMode(0644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := write(f); err != nil {
		return fail(err)
	}
	if err := f.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Appender

// Appender adds entries to the end of a manifest file while a snapshot is
// being built. It's safe for concurrent use; all writers to one manifest
// should share a single Appender.
type Appender struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
	n  int
}

// OpenAppender opens the given manifest file for appending, creating it if
// necessary.
func OpenAppender(path string) (*Appender, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &Appender{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes the line for e.
func (a *Appender) Append(e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := WriteEntry(a.w, e); err != nil {
		return err
	}
	a.n++
	return nil
}

// Appended returns the number of entries written so far.
func (a *Appender) Appended() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// Close flushes buffered entries and closes the file.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.w.Flush()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	a.f = nil
	return err
}
