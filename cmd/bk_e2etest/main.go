// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// bk_e2etest repeatedly makes random changes to a directory tree, backs
// it up with the bk binary in $PATH (possibly killing it along the way),
// restores the latest snapshot, and compares the result to the source.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var nDirs = 1

const BkDir = "/tmp/bk_e2e"

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(BkDir)
	if err := os.Mkdir(BkDir, 0700); err != nil {
		log.Fatal(err)
	}
	if randBool() {
		os.Setenv("BK_COMPRESS", "false")
	}
	backupTest(randBool(), 20)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := make(chan bool, 1)
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(16))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			if err := cmd.Process.Kill(); err != nil {
				log.Printf("Kill error! %v", err)
				killed <- false
			} else {
				log.Printf("Killed process sucessfully")
				killed <- true
			}
		})
	} else {
		killed <- false
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	if <-killed {
		// Whatever the run left behind is cleaned up by the next one.
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func backupTest(randomlyKill bool, iters int) {
	tmpSrc, err := ioutil.TempDir("", "bk-test-src")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	tmpDst, err := ioutil.TempDir("", "bk-test-dst")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local dst directory: %s", tmpDst)
	defer os.RemoveAll(tmpDst)

	for i := 0; i < iters; i++ {
		// Sleep for a bit before modifying files so that modification
		// times of changed files are after the ones recorded in the
		// previous snapshot.
		time.Sleep(time.Second)

		if err := update(tmpSrc); err != nil {
			log.Fatalf("%s\n", err)
		}

		// Back up with or without the chunk pool, so that later restores
		// sometimes have to fall back to the snapshot's copies.
		pool := ""
		if randBool() {
			pool = "none"
		}
		if err := backup(tmpSrc, pool, randomlyKill); err != nil {
			log.Fatalf("%s\n", err)
		}
		if !randomlyKill {
			if _, err := runCommand("bk fsck", BkDir); err != nil {
				log.Fatalf("fsck: %s\n", err)
			}
		}

		// restore to second tmp dir
		if err := restore(tmpDst); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err = compare(tmpSrc, tmpDst); err != nil {
			log.Fatalf("%s", err)
		}
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Printf("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						err := os.Mkdir(n, 0700)
						log.Printf("%s: created directory", n)
						if err != nil {
							return err
						}
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						f, err := os.Create(n)
						if err != nil {
							return err
						}
						newlen := expSize()
						buf := make([]byte, newlen)
						_, _ = rand.Read(buf)
						io.Copy(f, bytes.NewReader(buf))
						f.Close()
						log.Printf("%s: created file. length %d", n, newlen)
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if randBool() {
				// Advance the modified time.  Don't go into the future.
				for {
					ms := rand.Intn(10000)
					t := stat.ModTime().Add(time.Duration(ms) * time.Millisecond)
					if t.Before(time.Now()) {
						if err := os.Chtimes(path, t, t); err != nil {
							return err
						}
						log.Printf("%s: advanced modification time to %s", path, t.String())
						break
					}
				}
			}

			if randBool() {
				// Seek somewhere and write some stuff.
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				offset := int64(0)
				if stat.Size() > 0 {
					offset = rand.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rand.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Printf("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					// truncate it as well
					sz := rand.Int63n(stat.Size())
					if err := f.Truncate(sz); err != nil {
						return err
					}
					log.Printf("%s: truncated at %d", path, sz)
				}
			}

			return nil
		})
}

func backup(dir, pool string, randomlyKill bool) error {
	log.Printf("Starting backup")
	os.Setenv("BK_POOL", pool)
	for {
		cmd := "bk backup -v " + dir + " " + BkDir
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err != errKilled {
			return err
		}
	}
}

func restore(dir string) error {
	log.Printf("Starting restore")

	if err := os.RemoveAll(dir); err != nil {
		log.Fatal(err)
	}

	// Restores always use the pool when it's there.
	os.Setenv("BK_POOL", "")
	_, err := runCommand("bk restore -v " + BkDir + " " + dir)
	return err
}

// compare checks that every regular file under patha has a counterpart
// under pathb with the same contents and (to the millisecond)
// modification time, and vice versa. Permissions aren't compared: a
// change of mode alone doesn't cause a file to be copied again.
func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}
			if !stata.Mode().IsRegular() {
				return nil
			}

			// compute corresponding pathname for second file
			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)

			statb, err := os.Stat(pb)
			if os.IsNotExist(err) {
				log.Printf("%s: not found\n", pb)
				mismatches++
				return nil
			} else if err != nil {
				return err
			}

			if !statb.Mode().IsRegular() {
				log.Printf("%s: not a regular file\n", pb)
				mismatches++
				return nil
			}

			// compare modification times
			ta := stata.ModTime().Truncate(time.Millisecond)
			if !ta.Equal(statb.ModTime()) {
				log.Printf("%s: mod time %s mismatches "+
					"%s mod time %s\n", pa, ta.String(),
					pb, statb.ModTime().String())
				mismatches++
			}

			// compare sizes
			if stata.Size() != statb.Size() {
				log.Printf("%s: size %d mismatches "+
					"%s size %d\n", pa, stata.Size(), pb, statb.Size())
				mismatches++
				return nil
			}

			// compare contents
			cmp := exec.Command("cmp", pa, pb)
			if err := cmp.Run(); err != nil {
				log.Printf("%s and %s differ", pa, pb)
				mismatches++
			}
			return nil
		})
	if err != nil {
		return err
	}

	// Nothing should have been restored that isn't in the source.
	err = filepath.Walk(pathb,
		func(pb string, statb os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}
			if !statb.Mode().IsRegular() {
				return nil
			}
			pa := filepath.Join(patha, pb[len(pathb):])
			if _, err := os.Lstat(pa); os.IsNotExist(err) {
				log.Printf("%s: restored but not in %s\n", pb, patha)
				mismatches++
			}
			return nil
		})

	if err != nil {
		return err
	} else if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
