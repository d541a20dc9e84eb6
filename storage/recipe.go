// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"crypto/md5"
	"fmt"
	"io"
	"strings"

	"github.com/mmp/bksnap/chunk"
	u "github.com/mmp/bksnap/util"
)

const recipePrefix = "recipe-"

// RecipeName returns the name of the metadata that holds the recipe for
// files whose contents have the given MD5 digest.
func RecipeName(digest chunk.Hash) string {
	return recipePrefix + digest.String()
}

// StoredFile describes a file's contents after StoreFile has written them
// to a Backend.
type StoredFile struct {
	Digest chunk.Hash
	Size   int64
	// Recipe's hashes are the Backend's hashes for the file's unique
	// chunks; they may differ from the chunk codec's hashes if the
	// Backend transforms the data (e.g. by compressing it).
	Recipe chunk.Recipe
	// NewRecipe records whether the recipe was written by this call
	// rather than already being present.
	NewRecipe bool
}

// StoreFile reads r until EOF, splitting it into chunks, writing each
// unique one to the backend, and saving a recipe for reassembling the
// stream as metadata named by RecipeName. Chunks aren't guaranteed to have
// reached storage until the backend's SyncWrites method is called.
func StoreFile(r io.Reader, backend Backend) (StoredFile, error) {
	enc := chunk.NewEncoder(nil)
	var hashes []Hash
	err := enc.Encode(r, func(c chunk.Chunk) error {
		h, err := backend.Write(c.Data)
		if err != nil {
			return err
		}
		hashes = append(hashes, h)
		return nil
	})
	if err != nil {
		return StoredFile{}, err
	}

	sf := StoredFile{
		Digest: enc.Digest(),
		Size:   enc.Size(),
		Recipe: chunk.Recipe{Size: enc.Size(), Hashes: hashes, Refs: enc.Refs},
	}

	// Files with the same contents share a recipe.
	name := RecipeName(sf.Digest)
	if !backend.MetadataExists(name) {
		if err := backend.WriteMetadata(name, sf.Recipe.Bytes()); err != nil {
			return sf, err
		}
		sf.NewRecipe = true
	}
	return sf, nil
}

// HasRecipe reports whether the backend has a recipe for files with the
// given digest.
func HasRecipe(digest chunk.Hash, backend Backend) bool {
	return backend.MetadataExists(RecipeName(digest))
}

// ReadRecipe returns the recipe for files with the given digest.
func ReadRecipe(digest chunk.Hash, backend Backend) (chunk.Recipe, error) {
	b, err := backend.ReadMetadata(RecipeName(digest))
	if err != nil {
		return chunk.Recipe{}, err
	}
	r, err := chunk.DecodeRecipe(b)
	if err != nil {
		return r, fmt.Errorf("%s: %w", RecipeName(digest), err)
	}
	return r, nil
}

// RestoreFile writes the contents of the file with the given digest to w,
// reading chunks from the backend in parallel. sem may be nil; see
// NewHashesReader. The restored bytes are checked against the recipe's
// size and the digest, though w may already have been written to when a
// mismatch is reported.
func RestoreFile(digest chunk.Hash, backend Backend, sem chan bool, w io.Writer) error {
	recipe, err := ReadRecipe(digest, backend)
	if err != nil {
		return err
	}

	r := NewHashesReader(recipe.Sequence(), sem, backend)
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(w, h), r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if n != recipe.Size {
		return fmt.Errorf("%s: restored %d bytes, expected %d: %w", digest, n,
			recipe.Size, ErrHashMismatch)
	}
	var got chunk.Hash
	copy(got[:], h.Sum(nil))
	if got != digest {
		return fmt.Errorf("%s: restored contents have digest %s: %w", digest, got,
			ErrHashMismatch)
	}
	return nil
}

// FsckRecipes checks that every recipe stored in the backend decodes and
// that all of the chunks it refers to are present, reporting problems as
// errors to the given logger. It returns the number of recipes checked.
func FsckRecipes(backend Backend, log *u.Logger) int {
	n := 0
	for name := range backend.ListMetadata() {
		if !strings.HasPrefix(name, recipePrefix) {
			continue
		}
		n++

		digest, err := chunk.ParseHash(strings.TrimPrefix(name, recipePrefix))
		if err != nil {
			log.Error("%s: %s", name, err)
			continue
		}
		recipe, err := ReadRecipe(digest, backend)
		if err != nil {
			log.Error("%s", err)
			continue
		}
		for _, h := range recipe.Hashes {
			if !backend.HashExists(h) {
				log.Error("%s: chunk %s missing", name, h)
			}
		}
	}
	return n
}
