// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

// Index records the hashes seen so far during a single encode or restore
// pass and the ordinal of the unique chunk each one maps to. It grows as
// needed; there is no capacity limit.
//
// The zero value is ready to use. An Index must not be shared between
// concurrent passes.
type Index struct {
	ordinals map[Hash]int
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{}
}

// Lookup returns the ordinal stored for the given hash.
func (idx *Index) Lookup(h Hash) (int, bool) {
	o, ok := idx.ordinals[h]
	return o, ok
}

// Insert records that the chunk with the given hash has the given
// ordinal. Each hash may only be inserted once.
func (idx *Index) Insert(h Hash, ordinal int) error {
	if idx.ordinals == nil {
		idx.ordinals = make(map[Hash]int)
	}
	if _, ok := idx.ordinals[h]; ok {
		return ErrDuplicate
	}
	idx.ordinals[h] = ordinal
	return nil
}

// Len returns the number of distinct hashes in the index.
func (idx *Index) Len() int {
	return len(idx.ordinals)
}
