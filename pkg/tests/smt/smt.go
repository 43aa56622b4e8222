// Package smt is an in-memory sparse Merkle tree with shortcut leaves, producing the roots and
// audit paths a map server publishes. It keeps every leaf in memory and is meant for tests
// and local tooling only.
package smt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/mapserver/prover"
)

const treeHeight = 256

type leaf struct {
	key   []byte
	value []byte
}

// Tree stores key/value leaves, keys being 32 bytes long.
type Tree struct {
	leaves map[common.SHA256Output][]byte
}

func New() *Tree {
	return &Tree{leaves: make(map[common.SHA256Output][]byte)}
}

// Update inserts or replaces the value of key.
func (t *Tree) Update(key, value []byte) error {
	if len(key) != common.SHA256Size {
		return fmt.Errorf("Update | key of length %d", len(key))
	}
	t.leaves[*(*common.SHA256Output)(key)] = append([]byte{}, value...)
	return nil
}

// Delete removes key from the tree.
func (t *Tree) Delete(key []byte) {
	if len(key) != common.SHA256Size {
		return
	}
	delete(t.leaves, *(*common.SHA256Output)(key))
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Root returns the root of the tree, nil if it is empty.
func (t *Tree) Root() []byte {
	if len(t.leaves) == 0 {
		return nil
	}
	return subtreeHash(t.sorted(), 0)
}

// MerkleProof generates a Merkle proof of inclusion or non-inclusion of key.
// Returns the audit path (deepest sibling first) and whether the key is included.
// (proofKey, proofValue) is the leaf occupying the path of a non-included key, or
// (nil, nil) when an empty subtree is on its path.
func (t *Tree) MerkleProof(key []byte) (ap [][]byte, included bool, proofKey, proofValue []byte) {
	set := t.sorted()
	for depth := 0; len(set) > 1; depth++ {
		left, right := split(set, depth)
		if bitIsSet(key, depth) {
			ap = append(ap, subtreeHash(left, depth+1))
			set = right
		} else {
			ap = append(ap, subtreeHash(right, depth+1))
			set = left
		}
	}
	// siblings were collected from the root down
	for i, j := 0, len(ap)-1; i < j; i, j = i+1, j-1 {
		ap[i], ap[j] = ap[j], ap[i]
	}
	if len(set) == 0 {
		return ap, false, nil, nil
	}
	if bytes.Equal(set[0].key, key) {
		return ap, true, nil, nil
	}
	return ap, false, set[0].key, set[0].value
}

func (t *Tree) sorted() []leaf {
	leaves := make([]leaf, 0, len(t.leaves))
	for k, v := range t.leaves {
		k := k
		leaves = append(leaves, leaf{key: k[:], value: v})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].key, leaves[j].key) < 0
	})
	return leaves
}

// split partitions a sorted set of leaves by the bit at depth.
func split(set []leaf, depth int) (left, right []leaf) {
	i := sort.Search(len(set), func(i int) bool { return bitIsSet(set[i].key, depth) })
	return set[:i], set[i:]
}

func subtreeHash(set []leaf, depth int) []byte {
	switch len(set) {
	case 0:
		return prover.DefaultLeaf
	case 1:
		return common.SHA256Hash(set[0].key, set[0].value, []byte{byte(treeHeight - depth)})
	}
	left, right := split(set, depth)
	return common.SHA256Hash(subtreeHash(left, depth+1), subtreeHash(right, depth+1))
}

func bitIsSet(bits []byte, i int) bool {
	return bits[i/8]&(1<<uint(7-i%8)) != 0
}
