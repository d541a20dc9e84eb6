// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io/ioutil"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/manifest"
	"github.com/mmp/bksnap/snapshot"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
	"golang.org/x/net/context"
)

type outcome struct {
	res *Result
	err error
}

// transfer sends the latest snapshot in src to a receiver on a loopback
// listener that stores it in dst.
func transfer(t *testing.T, src, dst string, opts ReceiveOptions) (sent, rcv outcome) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := Receive(ctx, ln, dst, opts)
		ch <- outcome{res, err}
	}()

	res, err := Send(ctx, ln.Addr().String(), src, "", opts.Log)
	return outcome{res, err}, <-ch
}

func makeSnapshot(t *testing.T, log *u.Logger) (root string, files map[string][]byte) {
	src, root := t.TempDir(), t.TempDir()
	rng := rand.New(rand.NewSource(11))
	block := make([]byte, chunk.Size)
	rng.Read(block)

	files = map[string][]byte{
		"empty":       nil,
		"small":       []byte("hello"),
		"dir/repeats": bytes.Repeat(block, 5),
		"dir/sub/mix": append(append(append([]byte{}, block...), "tail"...), block...),
	}
	mtime := time.Date(2020, 2, 3, 4, 5, 6, 7000000, time.Local)
	for p, b := range files {
		fn := filepath.Join(src, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(fn, b, 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(fn, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	opts := snapshot.Options{Log: log,
		Clock: clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 5, 6, 7, 0, time.Local))}
	if _, err := snapshot.Backup(src, root, opts); err != nil {
		t.Fatal(err)
	}
	return root, files
}

func TestTransfer(t *testing.T) {
	log := u.NewLoggerTo(ioutil.Discard, false, false)
	src, files := makeSnapshot(t, log)
	dst := t.TempDir()
	pool := storage.NewMemory()

	sent, rcv := transfer(t, src, dst, ReceiveOptions{Log: log, Pool: pool})
	if sent.err != nil {
		t.Fatalf("send: %v", sent.err)
	}
	res := sent.res
	if rcv.err != nil {
		t.Fatalf("receive: %v", rcv.err)
	}
	if res.Files != len(files) || rcv.res.Files != len(files) || rcv.res.Errors != 0 {
		t.Errorf("sent %d files, received %d with %d errors", res.Files, rcv.res.Files,
			rcv.res.Errors)
	}

	names, err := snapshot.List(dst)
	if err != nil || len(names) != 1 || names[0] != res.Name {
		t.Fatalf("snapshots at receiver: %v, %v", names, err)
	}
	for p, b := range files {
		got, err := ioutil.ReadFile(filepath.Join(dst, names[0], filepath.FromSlash(p)))
		if err != nil || !bytes.Equal(got, b) {
			t.Errorf("%s: got %d bytes, expected %d (%v)", p, len(got), len(b), err)
		}
	}

	v, err := snapshot.Verify(dst, "", snapshot.Options{Log: log, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}
	if v.Checked != len(files) || v.Problems() != 0 || v.NoRecipe != 0 {
		t.Errorf("verify of received snapshot: %+v", v)
	}

	// The manifests should match line for line, modulo order.
	sm, _ := manifest.Read(filepath.Join(src, names[0], manifest.FileName), log)
	dm, _ := manifest.Read(filepath.Join(dst, names[0], manifest.FileName), log)
	for _, e := range sm.Entries() {
		if de, ok := dm.Lookup(e.Path); !ok || de != e {
			t.Errorf("%s: manifest entry %+v, expected %+v", e.Path, de, e)
		}
	}

	// Sending it again is refused.
	sent, rcv = transfer(t, src, dst, ReceiveOptions{Log: log})
	if sent.err == nil {
		t.Errorf("second send succeeded")
	}
	if !errors.Is(rcv.err, snapshot.ErrExists) {
		t.Errorf("second receive: got %v, expected %v", rcv.err, snapshot.ErrExists)
	}
}

func TestReceiveBadMagic(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("NOPE")))
	if _, err := receive(r, t.TempDir(), nil, nil); !errors.Is(err, ErrBadMagic) {
		t.Errorf("got %v, expected %v", err, ErrBadMagic)
	}
}

func TestReceiveTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.Write(Magic[:])
	writeFrame(w, []byte("2024-03-04-05:06:07.000"))
	writeFrame(w, []byte("file"))
	w.Flush()

	root := t.TempDir()
	if _, err := receive(bufio.NewReader(&buf), root, nil, u.NewLoggerTo(ioutil.Discard,
		false, false)); err == nil {
		t.Fatalf("truncated transfer accepted")
	}
	// Nothing should be left behind but the lock file.
	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if e.Name() != snapshot.LockName {
			t.Errorf("%s: left behind", e.Name())
		}
	}
}

func TestWriteFileRejects(t *testing.T) {
	contents := []byte("some contents")
	enc, err := chunk.Deduplicate(bytes.NewReader(contents), nil)
	if err != nil {
		t.Fatal(err)
	}
	var store bytes.Buffer
	if err := chunk.WriteBackupFile(&store, enc.Chunks); err != nil {
		t.Fatal(err)
	}
	good := manifest.Entry{Path: "f", Timestamp: "2024-03-04-05:06:07.000",
		Digest: enc.Digest}

	dir := t.TempDir()
	if _, err := writeFile(dir, good, enc.Recipe().Bytes(), store.Bytes(), nil); err != nil {
		t.Fatalf("good file: %v", err)
	}

	escape := good
	escape.Path = "../outside"
	if _, err := writeFile(dir, escape, enc.Recipe().Bytes(), store.Bytes(), nil); err == nil {
		t.Errorf("path outside the snapshot accepted")
	}

	wrong := good
	wrong.Digest = chunk.HashBytes([]byte("other"))
	if _, err := writeFile(dir, wrong, enc.Recipe().Bytes(), store.Bytes(), nil); !errors.Is(err, storage.ErrHashMismatch) {
		t.Errorf("got %v, expected %v", err, storage.ErrHashMismatch)
	}
}

// sendFile writes the frames for one file the way Send does.
func sendFile(t *testing.T, w *bufio.Writer, path string, contents []byte) {
	t.Helper()
	enc, err := chunk.Deduplicate(bytes.NewReader(contents), nil)
	if err != nil {
		t.Fatal(err)
	}
	var store bytes.Buffer
	if err := chunk.WriteBackupFile(&store, enc.Chunks); err != nil {
		t.Fatal(err)
	}
	writeFrame(w, []byte(path))
	writeFrame(w, []byte("2024-03-04-05:06:07.000"))
	w.Write(enc.Digest[:])
	writeFrame(w, enc.Recipe().Bytes())
	writeFrame(w, store.Bytes())
}

func TestReceiveOneEntryPerFile(t *testing.T) {
	const name = "2024-03-04-05:06:07.000"
	first, again, other := []byte("first contents"), []byte("second contents"),
		[]byte("other file")

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.Write(Magic[:])
	writeFrame(w, []byte(name))
	sendFile(t, w, "a", first)
	sendFile(t, w, "a", again)
	sendFile(t, w, manifest.FileName, []byte("garbage;x\n"))
	sendFile(t, w, "dir/b", other)
	writeFrame(w, nil)
	w.Flush()

	root := t.TempDir()
	log := u.NewLoggerTo(ioutil.Discard, false, false)
	res, err := receive(bufio.NewReader(&buf), root, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 2 || res.Errors != 2 {
		t.Errorf("received %d files with %d errors, expected 2 and 2", res.Files, res.Errors)
	}

	snap := filepath.Join(root, name)
	man, err := manifest.Read(filepath.Join(snap, manifest.FileName), log)
	if err != nil {
		t.Fatal(err)
	}
	if man.Len() != 2 {
		t.Errorf("manifest has %d entries, expected 2: %+v", man.Len(), man.Entries())
	}
	if _, ok := man.Lookup(manifest.FileName); ok {
		t.Errorf("manifest has an entry for itself")
	}
	for p, contents := range map[string][]byte{"a": first, "dir/b": other} {
		e, ok := man.Lookup(p)
		if !ok {
			t.Errorf("%s: no manifest entry", p)
			continue
		}
		if e.Digest != chunk.HashBytes(contents) {
			t.Errorf("%s: manifest digest %s doesn't match the first copy sent", p, e.Digest)
		}
		got, err := ioutil.ReadFile(filepath.Join(snap, filepath.FromSlash(p)))
		if err != nil || !bytes.Equal(got, contents) {
			t.Errorf("%s: got %q, expected %q (%v)", p, got, contents, err)
		}
	}

	v, err := snapshot.Verify(root, name, snapshot.Options{Log: log})
	if err != nil {
		t.Fatal(err)
	}
	if v.Checked != 2 || v.Problems() != 0 {
		t.Errorf("verify of received snapshot: %+v", v)
	}
}
