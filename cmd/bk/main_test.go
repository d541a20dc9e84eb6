// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmp/bksnap/chunk"
	"github.com/mmp/bksnap/snapshot"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
)

func checkEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("%s: unexpectedly created in %s", e.Name(), dir)
	}
}

func TestBackupBadSourceLeavesRootAlone(t *testing.T) {
	root := t.TempDir()
	notDir := filepath.Join(t.TempDir(), "file")
	if err := ioutil.WriteFile(notDir, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, src := range []string{filepath.Join(root, "no-such-source"), notDir} {
		err := backup(&Config{Compress: true}, []string{src, root})
		var ce *snapshot.ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("%s: got %v, expected a ConfigError", src, err)
		}
		checkEmpty(t, root)
	}
}

func TestReadOnlyCommandsDontCreatePool(t *testing.T) {
	root := t.TempDir()

	if err := restore(&Config{Compress: true}, []string{root, t.TempDir()}); err == nil {
		t.Errorf("restore of an empty backup root succeeded")
	}
	if err := fsck(&Config{Compress: true}, []string{root}); err == nil {
		t.Errorf("fsck of an empty backup root succeeded")
	}
	checkEmpty(t, root)
}

func TestPoolKeepsCompressionMode(t *testing.T) {
	src, root := t.TempDir(), t.TempDir()
	fn := filepath.Join(src, "f")
	first := bytes.Repeat([]byte("compressible "), 1000)
	if err := ioutil.WriteFile(fn, first, 0644); err != nil {
		t.Fatal(err)
	}
	if err := backup(&Config{Compress: true}, []string{src, root}); err != nil {
		t.Fatal(err)
	}

	mode, err := ioutil.ReadFile(filepath.Join(root, DefaultPoolDir, "metadata",
		storage.CompressionMetadata))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(mode)) != "zstd" {
		t.Errorf("pool recorded compression mode %q, expected \"zstd\"", mode)
	}

	// A run that asks for no compression has to keep using it.
	time.Sleep(10 * time.Millisecond)
	second := append(append([]byte(nil), first...), "changed"...)
	if err := ioutil.WriteFile(fn, second, 0644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(fn, later, later); err != nil {
		t.Fatal(err)
	}
	if err := backup(&Config{Compress: true}, []string{"--no-compress", src, root}); err != nil {
		t.Fatal(err)
	}

	log := u.NewLoggerTo(ioutil.Discard, false, false)
	disk, err := storage.NewDisk(filepath.Join(root, DefaultPoolDir), log)
	if err != nil {
		t.Fatal(err)
	}
	pool, _, err := storage.OpenCompression(disk, false, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, contents := range [][]byte{first, second} {
		var buf bytes.Buffer
		if err := storage.RestoreFile(chunk.HashBytes(contents), pool, nil, &buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf.Bytes(), contents) {
			t.Errorf("contents restored from the pool differ")
		}
	}
}
