// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/util"
)

func entry(path, contents string) Entry {
	return Entry{Path: path, Timestamp: "2017-06-01-12:34:56.789",
		Digest: chunk.HashBytes([]byte(contents))}
}

func TestTimeFormat(t *testing.T) {
	tm := time.Date(2017, 3, 4, 5, 6, 7, 890*int(time.Millisecond), time.Local)
	s := FormatTime(tm)
	if s != "2017-03-04-05:06:07.890" {
		t.Errorf("got %q", s)
	}
	back, err := ParseTime(s)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(tm) {
		t.Errorf("parsed %v, expected %v", back, tm)
	}

	// Fixed width: lexicographic order matches time order.
	earlier := FormatTime(tm.Add(-999 * time.Millisecond))
	if !(earlier < s) {
		t.Errorf("%q should sort before %q", earlier, s)
	}
	if _, err := ParseTime(".pool"); err == nil {
		t.Errorf("parsed non-timestamp")
	}
}

func TestParse(t *testing.T) {
	a, b := entry("a.txt", "a"), entry("dir/b.txt", "b")
	a2 := entry("a.txt", "a2")
	input := a.String() + "\n" +
		"missing;fields\n" +
		"\n" +
		"bad;2017-06-01-12:34:56.789;xyz\n" +
		b.String() + "\n" +
		a2.String() + "\n"

	var logbuf bytes.Buffer
	log := util.NewLoggerTo(&logbuf, false, false)
	m, err := Parse(strings.NewReader(input), log)
	if err != nil {
		t.Fatal(err)
	}
	if log.NWarnings != 2 {
		t.Errorf("got %d warnings, expected 2: %s", log.NWarnings, logbuf.String())
	}

	// The later line for a.txt wins and takes the later position.
	want := []Entry{b, a2}
	if m.Len() != len(want) {
		t.Fatalf("got %d entries, expected %d", m.Len(), len(want))
	}
	for i, e := range m.Entries() {
		if e != want[i] {
			t.Errorf("entry %d: got %+v, expected %+v", i, e, want[i])
		}
	}
	if e, ok := m.Lookup("a.txt"); !ok || e != a2 {
		t.Errorf("lookup a.txt: got %+v, %v", e, ok)
	}
}

func TestReadMissing(t *testing.T) {
	m, err := Read(filepath.Join(t.TempDir(), FileName), nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Errorf("missing manifest has %d entries", m.Len())
	}
}

func TestManifestOps(t *testing.T) {
	m := New()
	for _, p := range []string{"a", "b", "c", "d"} {
		m.Set(entry(p, p))
	}
	if !m.Remove("b") || m.Remove("b") {
		t.Errorf("unexpected Remove results")
	}
	if n := m.Prune(func(p string) bool { return p != "c" }); n != 1 {
		t.Errorf("pruned %d, expected 1", n)
	}
	var paths []string
	for _, e := range m.Entries() {
		paths = append(paths, e.Path)
	}
	if strings.Join(paths, ",") != "a,d" {
		t.Errorf("got paths %v", paths)
	}
	if _, ok := m.Lookup("d"); !ok {
		t.Errorf("lookup of d failed after prune")
	}

	fn := filepath.Join(t.TempDir(), FileName)
	if err := m.WriteFile(fn); err != nil {
		t.Fatal(err)
	}
	m2, err := Read(fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m2.Len() != 2 || m2.Entries()[0] != m.Entries()[0] || m2.Entries()[1] != m.Entries()[1] {
		t.Errorf("manifest changed after write/read: %+v", m2.Entries())
	}

	m.Set(Entry{Path: "semi;colon", Timestamp: "x"})
	if err := m.WriteFile(fn); !errors.Is(err, ErrBadPath) {
		t.Errorf("got error %v, expected %v", err, ErrBadPath)
	}
	// The failed write must leave the previous file intact.
	if m3, err := Read(fn, nil); err != nil || m3.Len() != 2 {
		t.Errorf("manifest damaged by failed write: %v", err)
	}
}

func TestUpdateFile(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"keep1", "keep2"} {
		if err := ioutil.WriteFile(filepath.Join(dir, p), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	// Lines are written with odd timestamps to make sure they come back
	// byte for byte.
	lines := []string{
		"keep1;2001-01-01-00:00:00.001;00112233445566778899aabbccddeeff",
		"gone;2002-02-02-00:00:00.002;ffeeddccbbaa99887766554433221100",
		"keep2;2003-03-03-00:00:00.003;0123456789abcdef0123456789abcdef",
	}
	fn := filepath.Join(dir, FileName)
	if err := ioutil.WriteFile(fn, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	exists := func(p string) bool {
		_, err := os.Lstat(filepath.Join(dir, p))
		return err == nil
	}
	kept, dropped, err := UpdateFile(fn, exists)
	if err != nil {
		t.Fatal(err)
	}
	if kept != 2 || dropped != 1 {
		t.Errorf("kept %d, dropped %d; expected 2, 1", kept, dropped)
	}
	b, err := ioutil.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if want := lines[0] + "\n" + lines[2] + "\n"; string(b) != want {
		t.Errorf("got %q, expected %q", string(b), want)
	}
	if fi, err := os.Stat(fn); err != nil || fi.Mode().Perm() != 0600 {
		t.Errorf("manifest permissions not preserved: %v %v", fi.Mode(), err)
	}
}

func TestUpdateFileCollapsesDuplicates(t *testing.T) {
	dir := t.TempDir()
	if err := ioutil.WriteFile(filepath.Join(dir, "a"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	older, b, newer := entry("a", "old"), entry("b", "b"), entry("a", "new")
	fn := filepath.Join(dir, FileName)
	content := older.String() + "\n" + b.String() + "\n" + newer.String() + "\n"
	if err := ioutil.WriteFile(fn, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	kept, dropped, err := UpdateFile(fn, func(p string) bool { return p == "a" })
	if err != nil {
		t.Fatal(err)
	}
	if kept != 1 || dropped != 2 {
		t.Errorf("kept %d, dropped %d; expected 1, 2", kept, dropped)
	}
	got, _ := ioutil.ReadFile(fn)
	if string(got) != newer.String()+"\n" {
		t.Errorf("got %q", string(got))
	}
}

func TestAppender(t *testing.T) {
	fn := filepath.Join(t.TempDir(), FileName)
	a, err := OpenAppender(fn)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p := string(rune('a'+i)) + "/" + string(rune('a'+j%26)) + string(rune('0'+j/26))
				if err := a.Append(entry(p, p)); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()
	if err := a.Append(Entry{Path: "new\nline"}); !errors.Is(err, ErrBadPath) {
		t.Errorf("got error %v, expected %v", err, ErrBadPath)
	}
	if a.Appended() != 400 {
		t.Errorf("appended %d, expected 400", a.Appended())
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	m, err := Read(fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 400 {
		t.Errorf("read %d entries, expected 400", m.Len())
	}
}
