// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files, as is done for
// everything stored in a bk disk pool. Provides facilities to check the
// integrity of encoded files and to recover corrupt files.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mmp/bksnap/rdso"
	u "github.com/mmp/bksnap/util"
	"github.com/spf13/pflag"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rdso encode [--nshards n] [--nparity n] [--hashrate r] <files...>\n")
	fmt.Fprintf(os.Stderr, "usage: rdso <check,restore> <files...>\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	log := u.NewLogger(true /*verbose*/, false /*debug*/)

	switch os.Args[1] {
	case "encode":
		encode(os.Args[2:], log)
	case "check":
		for _, fn := range os.Args[2:] {
			if err := rdso.CheckFile(fn, fn+".rs", log); err != nil {
				log.Error("%s: %s", fn, err)
			}
		}
	case "restore":
		for _, fn := range os.Args[2:] {
			if err := rdso.RestoreFile(fn, fn+".rs", log); err != nil {
				log.Error("%s: %s", fn, err)
			} else {
				log.Verbose("%s: checked; any recovered contents are in %s.recovered", fn, fn)
			}
		}
	default:
		usage()
	}

	if log.Errors() > 0 {
		os.Exit(1)
	}
}

func encode(args []string, log *u.Logger) {
	flag := pflag.NewFlagSet("encode", pflag.ContinueOnError)
	nShards := flag.Int("nshards", 17, "number of data shards")
	nParity := flag.Int("nparity", 3, "number of parity shards")
	hashRate := flag.Int64("hashrate", 1024*1024, "chunk size for file hashes")
	if err := flag.Parse(args); err != nil {
		usage()
	}

	for _, fn := range flag.Args() {
		if strings.HasSuffix(fn, ".rs") {
			log.Warning("%s: skipping Reed-Solomon encoding of .rs file", fn)
			continue
		}
		rsfn := fn + ".rs"
		if err := rdso.EncodeFile(fn, rsfn, *nShards, *nParity, *hashRate); err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}
		log.Verbose("%s: created Reed-Solomon encoding file", rsfn)
	}
}
