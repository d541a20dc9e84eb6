// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/mmp/bksnap/storage"
	"github.com/spf13/pflag"
)

// Config holds the settings that can come from the environment; command
// line flags override them.
type Config struct {
	Verbose bool `envconfig:"VERBOSE"`
	Debug   bool `envconfig:"DEBUG"`

	// Where chunks and recipes of backed-up files are stored: empty for
	// a disk pool in <backup-root>/.pool, "none" for no pool, a directory
	// path, or gs://bucket.
	Pool     string   `envconfig:"POOL"`
	Compress bool     `envconfig:"COMPRESS" default:"true"`
	Exclude  []string `envconfig:"EXCLUDE"`

	GCSProject       string `envconfig:"GCS_PROJECT"`
	GCSLocation      string `envconfig:"GCS_LOCATION"`
	MaxUploadBytes   int    `envconfig:"MAX_UPLOAD_BPS"`
	MaxDownloadBytes int    `envconfig:"MAX_DOWNLOAD_BPS"`
	AllowGCSFsck     bool   `envconfig:"GCS_FSCK"`
}

// DefaultPoolDir is the pool's location within the backup root when no
// other pool is configured.
const DefaultPoolDir = ".pool"

// getConfig reads the BK_* environment variables.
func getConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("bk", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// addFlags registers the flags shared by all commands; their defaults
// come from cfg, so parsing the flags leaves the overridden values there.
func (cfg *Config) addFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable verbose output")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debugging output")
}

func (cfg *Config) addPoolFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.Pool, "pool", cfg.Pool,
		`chunk pool: directory, gs://bucket, or "none" (default <backup-root>/`+DefaultPoolDir+")")
}

// poolLocation returns where the pool for the given backup root lives,
// or the empty string if no pool is to be used.
func (cfg *Config) poolLocation(root string) string {
	switch cfg.Pool {
	case "":
		return filepath.Join(root, DefaultPoolDir)
	case "none":
		return ""
	default:
		return cfg.Pool
	}
}

// openPool returns the chunk pool to use with the given backup root; it
// returns a nil Backend if pools have been disabled. Commands that only
// read from the pool pass false for create; for them, a disk pool that
// doesn't exist yet is treated as no pool rather than being created.
// The caller must already have checked that root is a usable directory.
func (cfg *Config) openPool(root string, create bool) (storage.Backend, error) {
	loc := cfg.poolLocation(root)
	if loc == "" {
		return nil, nil
	}

	var backend storage.Backend
	var err error
	if strings.HasPrefix(loc, "gs://") {
		backend, err = storage.NewGCS(storage.GCSOptions{
			BucketName:                strings.TrimPrefix(loc, "gs://"),
			ProjectId:                 cfg.GCSProject,
			Location:                  cfg.GCSLocation,
			MaxUploadBytesPerSecond:   cfg.MaxUploadBytes,
			MaxDownloadBytesPerSecond: cfg.MaxDownloadBytes,
			AllowFsck:                 cfg.AllowGCSFsck,
			Log:                       log,
		})
	} else {
		if !create {
			if _, err := os.Stat(loc); os.IsNotExist(err) {
				log.Verbose("%s: no pool; using snapshot contents only", loc)
				return nil, nil
			}
		}
		backend, err = storage.NewDisk(loc, log)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc, err)
	}

	backend, overridden, err := storage.OpenCompression(backend, cfg.Compress, create)
	if err != nil {
		return nil, err
	}
	if overridden && create {
		log.Warning("%s: ignoring BK_COMPRESS/--no-compress; using the mode the pool was created with",
			backend)
	}
	return backend, nil
}
