// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest reads, updates, and writes the per-snapshot manifest
// file that records, for each tracked file, its modification time and the
// MD5 hash of its contents.
//
// Each line of a manifest has the form
//
//	path;timestamp;hex-digest
//
// where path is relative to the snapshot root and uses '/' as its
// separator, timestamp has the form YYYY-MM-DD-HH:MM:SS.mmm in local time,
// and hex-digest is 32 lowercase hexadecimal digits. There's no escaping,
// so paths containing ';' or a newline can't be recorded.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/util"
)

// FileName is the name of the manifest file at the root of each snapshot.
const FileName = ".backup_log"

// TimeLayout is the time.Format layout for manifest timestamps and
// snapshot directory names. It's fixed-width and zero-padded, so
// lexicographic order matches chronological order.
const TimeLayout = "2006-01-02-15:04:05.000"

var ErrBadPath = errors.New("path can't be recorded in a manifest")

// FormatTime returns t, in local time, in the manifest timestamp format.
func FormatTime(t time.Time) string {
	return t.Local().Format(TimeLayout)
}

// ParseTime parses a timestamp in the manifest format as a local time.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.Local)
}

///////////////////////////////////////////////////////////////////////////
// Entry

// Entry records a single tracked file.
type Entry struct {
	Path      string
	Timestamp string
	Digest    chunk.Hash
}

// String returns the entry's manifest line, without a trailing newline.
func (e Entry) String() string {
	return e.Path + ";" + e.Timestamp + ";" + e.Digest.String()
}

// Time returns the entry's timestamp as a time.Time.
func (e Entry) Time() (time.Time, error) {
	return ParseTime(e.Timestamp)
}

// ParseLine parses a single manifest line, which shouldn't include the
// newline.
func ParseLine(line string) (Entry, error) {
	f := strings.Split(line, ";")
	if len(f) != 3 || f[0] == "" || f[1] == "" || f[2] == "" {
		return Entry{}, fmt.Errorf("%q: expected three ';'-separated fields", line)
	}
	h, err := chunk.ParseHash(f[2])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: f[0], Timestamp: f[1], Digest: h}, nil
}

func checkPath(p string) error {
	if p == "" || strings.ContainsAny(p, ";\n") {
		return fmt.Errorf("%q: %w", p, ErrBadPath)
	}
	return nil
}

// WriteEntry writes e's manifest line, including the newline, to w.
func WriteEntry(w io.Writer, e Entry) error {
	if err := checkPath(e.Path); err != nil {
		return err
	}
	_, err := io.WriteString(w, e.String()+"\n")
	return err
}

///////////////////////////////////////////////////////////////////////////
// Manifest

// Manifest is an ordered collection of entries with at most one entry per
// path.
type Manifest struct {
	entries []Entry
	index   map[string]int
}

func New() *Manifest {
	return &Manifest{index: make(map[string]int)}
}

// Read reads the manifest stored in the given file. A missing file gives
// an empty manifest.
func Read(path string, log *util.Logger) (*Manifest, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse reads manifest lines from r. Malformed lines are reported as
// warnings and skipped. If a path appears more than once, the last line
// for it wins and takes that line's position.
func Parse(r io.Reader, log *util.Logger) (*Manifest, error) {
	m := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			log.Warning("manifest line %d: %s: skipping", lineno, err)
			continue
		}
		m.Set(e)
	}
	return m, scanner.Err()
}

func (m *Manifest) Len() int {
	return len(m.entries)
}

// Entries returns the manifest's entries in order. The caller may not
// modify the returned slice.
func (m *Manifest) Entries() []Entry {
	return m.entries
}

// Lookup returns the entry for the given path, if there is one.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	if i, ok := m.index[path]; ok {
		return m.entries[i], true
	}
	return Entry{}, false
}

// Set adds e to the end of the manifest, first removing any existing
// entry for the same path.
func (m *Manifest) Set(e Entry) {
	m.Remove(e.Path)
	m.index[e.Path] = len(m.entries)
	m.entries = append(m.entries, e)
}

// Remove removes the entry for the given path and reports whether there
// was one.
func (m *Manifest) Remove(path string) bool {
	i, ok := m.index[path]
	if !ok {
		return false
	}
	delete(m.index, path)
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Path] = j
	}
	return true
}

// Prune removes every entry whose path exists reports as false, keeping
// the rest in order, and returns the number removed.
func (m *Manifest) Prune(exists func(path string) bool) int {
	kept := m.entries[:0]
	for _, e := range m.entries {
		if exists(e.Path) {
			kept = append(kept, e)
		} else {
			delete(m.index, e.Path)
		}
	}
	n := len(m.entries) - len(kept)
	m.entries = kept
	for i, e := range m.entries {
		m.index[e.Path] = i
	}
	return n
}

// WriteTo writes all of the manifest's lines to w.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, e := range m.entries {
		if err := checkPath(e.Path); err != nil {
			return n, err
		}
		nw, err := bw.WriteString(e.String() + "\n")
		n += int64(nw)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// WriteFile atomically replaces the given file with the manifest.
func (m *Manifest) WriteFile(path string) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := m.WriteTo(w)
		return err
	})
}
