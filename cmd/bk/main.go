// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bk makes incremental snapshot backups of a directory tree. Each
// snapshot is a plain directory under the backup root; unchanged files are
// hard links into the previous snapshot, and a chunk pool keeps
// deduplicated copies of file contents for verified restores.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mmp/bksnap/relay"
	"github.com/mmp/bksnap/snapshot"
	"github.com/mmp/bksnap/storage"
	u "github.com/mmp/bksnap/util"
	"github.com/spf13/pflag"
	"golang.org/x/net/context"
)

var log *u.Logger

type command struct {
	name, args, help string
	run              func(cfg *Config, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"backup", "[--exclude S]... [--pool P] [--no-compress] <source> <backup-root>",
			"make a new snapshot of source", backup},
		{"restore", "[--snapshot NAME] [--pool P] <backup-root> <dest>",
			"restore a snapshot (the latest by default) to dest", restore},
		{"list", "<backup-root>", "list the snapshots in the backup root", list},
		{"fsck", "[--snapshot NAME] [--pool P] [--repair] <backup-root>",
			"check a snapshot and the chunk pool for consistency", fsck},
		{"mount", "[--pool P] <backup-root> <mountpoint>",
			"mount the snapshots as a read-only FUSE filesystem", mount},
		{"send", "[--snapshot NAME] <backup-root> <host:port>",
			"send a snapshot to a receiver", send},
		{"receive", "[--pool P] <listen-addr> <backup-root>",
			"receive a single snapshot and add it to the backup root", receive},
		{"readme", "", "print a description of the on-disk formats", readme},
	}
}

// usageError is returned when a command was invoked incorrectly.
type usageError struct {
	cmd string
	msg string
}

func (e *usageError) Error() string {
	return e.cmd + ": " + e.msg
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: bk <command> [-v] [--debug] [args...]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  bk %s %s\n\t%s\n", c.name, c.args, c.help)
	}
	fmt.Fprintf(os.Stderr, "\nDefaults for many options come from BK_* environment variables; "+
		"see \"bk readme\".\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := getConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bk: environment: %s\n", err)
		os.Exit(1)
	}

	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		err := c.run(cfg, os.Args[2:])
		var ue *usageError
		switch {
		case errors.As(err, &ue):
			fmt.Fprintf(os.Stderr, "bk %s\n\nusage: bk %s %s\n", ue, c.name, c.args)
			os.Exit(1)
		case err != nil:
			log.CheckError(err, "bk %s: %s\n", c.name, err)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "bk: %s: unknown command\n", os.Args[1])
	usage()
	os.Exit(1)
}

// parseFlags parses args with the given flags plus the ones common to all
// commands, makes sure exactly nargs positional arguments remain, and
// sets up logging accordingly.
func parseFlags(cfg *Config, fs *pflag.FlagSet, args []string, nargs int) ([]string, error) {
	cfg.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, &usageError{fs.Name(), err.Error()}
	}
	if fs.NArg() != nargs {
		return nil, &usageError{fs.Name(), fmt.Sprintf("expected %d arguments, got %d",
			nargs, fs.NArg())}
	}

	log = u.NewLogger(cfg.Verbose, cfg.Debug)
	return fs.Args(), nil
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

///////////////////////////////////////////////////////////////////////////

func backup(cfg *Config, args []string) error {
	fs := newFlagSet("backup")
	fs.StringArrayVar(&cfg.Exclude, "exclude", cfg.Exclude,
		"skip files and directories whose path contains the given string")
	noCompress := fs.Bool("no-compress", !cfg.Compress, "don't compress chunks stored in the pool")
	cfg.addPoolFlags(fs)
	args, err := parseFlags(cfg, fs, args, 2)
	if err != nil {
		return err
	}
	cfg.Compress = !*noCompress
	src, root := args[0], args[1]

	// Nothing, the pool included, may be created before the arguments
	// are known to be good.
	for _, dir := range []string{src, root} {
		if err := snapshot.CheckDirectory(dir); err != nil {
			return err
		}
	}
	pool, err := cfg.openPool(root, true)
	if err != nil {
		return err
	}
	res, err := snapshot.Backup(src, root, snapshot.Options{
		Log:     log,
		Pool:    pool,
		Exclude: cfg.Exclude,
	})
	if err != nil {
		return err
	}
	if pool != nil {
		pool.LogStats(log)
	}

	log.Print("%s: %d files copied (%s), %d unchanged, %d removed\n", res.Name,
		res.Copied, u.FmtBytes(res.Bytes), res.Reused, res.Removed)
	if res.Errors > 0 {
		log.Warning("%s: %d files or directories couldn't be backed up", res.Name,
			res.Errors)
	}
	return nil
}

func restore(cfg *Config, args []string) error {
	fs := newFlagSet("restore")
	name := fs.String("snapshot", "", "name of the snapshot to restore (default latest)")
	cfg.addPoolFlags(fs)
	args, err := parseFlags(cfg, fs, args, 2)
	if err != nil {
		return err
	}
	root, dest := args[0], args[1]

	if err := snapshot.CheckDirectory(root); err != nil {
		return err
	}
	pool, err := cfg.openPool(root, false)
	if err != nil {
		return err
	}
	res, err := snapshot.Restore(root, *name, dest, snapshot.Options{Log: log, Pool: pool})
	if err != nil {
		return err
	}
	log.Print("%s: restored %d files (%s)\n", res.Name, res.FromPool+res.FromSnapshot,
		u.FmtBytes(res.Bytes))
	if res.Errors > 0 {
		log.Warning("%s: %d files couldn't be restored", res.Name, res.Errors)
	}
	return nil
}

func list(cfg *Config, args []string) error {
	fs := newFlagSet("list")
	args, err := parseFlags(cfg, fs, args, 1)
	if err != nil {
		return err
	}
	names, err := snapshot.List(args[0])
	if err != nil {
		return err
	}
	for _, n := range names {
		log.Print("%s\n", n)
	}
	return nil
}

func fsck(cfg *Config, args []string) error {
	fs := newFlagSet("fsck")
	name := fs.String("snapshot", "", "name of the snapshot to check (default latest)")
	repair := fs.Bool("repair", false,
		"try to recover damaged disk pool files from their parity data")
	cfg.addPoolFlags(fs)
	args, err := parseFlags(cfg, fs, args, 1)
	if err != nil {
		return err
	}
	root := args[0]

	if err := snapshot.CheckDirectory(root); err != nil {
		return err
	}
	pool, err := cfg.openPool(root, false)
	if err != nil {
		return err
	}
	v, err := snapshot.Verify(root, *name, snapshot.Options{Log: log, Pool: pool})
	if err != nil {
		return err
	}
	log.Verbose("%s: checked %d files", v.Name, v.Checked)
	if v.NoRecipe > 0 {
		log.Warning("%s: %d files aren't in %s", v.Name, v.NoRecipe, pool)
	}

	if pool != nil {
		pool.Fsck(log)
		n := storage.FsckRecipes(pool, log)
		log.Verbose("%s: checked %d recipes", pool, n)
	}

	if *repair && pool != nil && log.Errors() > 0 {
		loc := cfg.poolLocation(root)
		if loc == "" || strings.HasPrefix(loc, "gs://") {
			return errors.New("--repair only applies to disk pools")
		}
		log.Print("%s: attempting repair\n", loc)
		if err := storage.Repair(loc, log); err != nil {
			return err
		}
	}

	if n := log.Errors(); n > 0 || v.Problems() > 0 {
		return fmt.Errorf("%d problems found", n)
	}
	return nil
}

func mount(cfg *Config, args []string) error {
	fs := newFlagSet("mount")
	cfg.addPoolFlags(fs)
	args, err := parseFlags(cfg, fs, args, 2)
	if err != nil {
		return err
	}
	root, dir := args[0], args[1]

	if err := snapshot.CheckDirectory(root); err != nil {
		return err
	}
	pool, err := cfg.openPool(root, false)
	if err != nil {
		return err
	}
	return mountFUSE(dir, root, pool)
}

func send(cfg *Config, args []string) error {
	fs := newFlagSet("send")
	name := fs.String("snapshot", "", "name of the snapshot to send (default latest)")
	args, err := parseFlags(cfg, fs, args, 2)
	if err != nil {
		return err
	}
	res, err := relay.Send(context.Background(), args[1], args[0], *name, log)
	if err != nil {
		return err
	}
	log.Print("%s: sent %d files (%s)\n", res.Name, res.Files, u.FmtBytes(res.Bytes))
	return nil
}

func receive(cfg *Config, args []string) error {
	fs := newFlagSet("receive")
	cfg.addPoolFlags(fs)
	args, err := parseFlags(cfg, fs, args, 2)
	if err != nil {
		return err
	}
	addr, root := args[0], args[1]

	if err := snapshot.CheckDirectory(root); err != nil {
		return err
	}
	pool, err := cfg.openPool(root, true)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Verbose("listening on %s", ln.Addr())

	res, err := relay.Receive(context.Background(), ln, root,
		relay.ReceiveOptions{Log: log, Pool: pool})
	if err != nil {
		return err
	}
	log.Print("%s: received %d files (%s)\n", res.Name, res.Files, u.FmtBytes(res.Bytes))
	if res.Errors > 0 {
		log.Warning("%s: %d files couldn't be received", res.Name, res.Errors)
	}
	return nil
}

func readme(cfg *Config, args []string) error {
	fs := newFlagSet("readme")
	if _, err := parseFlags(cfg, fs, args, 0); err != nil {
		return err
	}
	log.Print("%s", readmeText)
	return nil
}
