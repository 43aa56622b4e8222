package prover

import "github.com/netsec-ethz/fpki-validator/pkg/common"

var (
	// DefaultLeaf is the value of an empty subtree.
	DefaultLeaf = common.SHA256Hash([]byte{0x0})
)
