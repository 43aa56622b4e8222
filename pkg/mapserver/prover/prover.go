package prover

import (
	"bytes"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
)

// VerifyInclusion verifies that key/value is included in the tree with the given root.
// The audit path ap is ordered from the deepest sibling to the one just below the root.
func VerifyInclusion(root []byte, ap [][]byte, key, value []byte) bool {
	if !wellFormed(ap, key) {
		return false
	}
	leafHash := common.SHA256Hash(key, value, []byte{byte(mapCommon.TreeHeight - len(ap))})
	return bytes.Equal(root, verifyInclusion(ap, 0, key, leafHash))
}

// verifyInclusion returns the merkle root by hashing the merkle proof items
func verifyInclusion(ap [][]byte, keyIndex int, key, leafHash []byte) []byte {
	acc := leafHash
	for i := len(ap) - 1; i >= keyIndex; i-- {
		sibling := ap[len(ap)-i-1]
		if bitIsSet(key, i) {
			acc = common.SHA256Hash(sibling, acc)
		} else {
			acc = common.SHA256Hash(acc, sibling)
		}
	}
	return acc
}

// VerifyNonInclusion verifies a proof of non inclusion. Without proofKey, the proof shows
// an empty subtree on the path of key. With proofKey, it shows the leaf (proofKey, value)
// occupies the path of key.
// Returns true if the non-inclusion is verified
func VerifyNonInclusion(root []byte, ap [][]byte, key, value, proofKey []byte) bool {
	if len(root) == 0 {
		// empty tree
		return true
	}
	if !wellFormed(ap, key) {
		return false
	}
	// Check if an empty subtree is on the key path
	if len(proofKey) == 0 {
		return bytes.Equal(root, verifyInclusion(ap, 0, key, DefaultLeaf))
	}
	if len(proofKey) != len(key) || bytes.Equal(proofKey, key) {
		return false
	}
	// Check if another kv leaf is on the key path in 2 steps
	// 1- Check the proof leaf exists
	if !VerifyInclusion(root, ap, proofKey, value) {
		return false
	}
	// 2- Check the proof leaf is on the key path
	for b := 0; b < len(ap); b++ {
		if bitIsSet(key, b) != bitIsSet(proofKey, b) {
			return false
		}
	}
	return true
}

func wellFormed(ap [][]byte, key []byte) bool {
	if len(key) != mapCommon.HashLength || len(ap) > mapCommon.TreeHeight {
		return false
	}
	for _, sibling := range ap {
		if len(sibling) != mapCommon.HashLength {
			return false
		}
	}
	return true
}

// VerifyProofByDomain: verify the MapServerResponse(received from map server).
// The key of the leaf is the hash of the domain name, its value the hash of DomainEntryBytes.
func VerifyProofByDomain(proof *mapCommon.MapServerResponse) (mapCommon.ProofType, bool, error) {
	key := common.SHA256Hash([]byte(proof.Domain))
	switch proof.PoI.ProofType {
	case mapCommon.PoP:
		value := common.SHA256Hash(proof.DomainEntryBytes)
		return mapCommon.PoP, VerifyInclusion(proof.PoI.Root, proof.PoI.Proof, key, value), nil
	case mapCommon.PoA:
		if len(proof.DomainEntryBytes) != 0 {
			return mapCommon.PoA, false, nil
		}
		return mapCommon.PoA, VerifyNonInclusion(proof.PoI.Root, proof.PoI.Proof, key,
			proof.PoI.ProofValue, proof.PoI.ProofKey), nil
	}
	return proof.PoI.ProofType, false,
		common.NewProofError("VerifyProofByDomain | unknown proof type %d", proof.PoI.ProofType)
}

// VerifyAll verifies every response of a batch and fails closed: the first failing proof
// invalidates the whole batch. If domains is not empty, every response must be for one of
// them. All responses must be proven against the same root.
func VerifyAll(responses []*mapCommon.MapServerResponse, domains ...string) error {
	allowed := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		allowed[d] = struct{}{}
	}
	var root []byte
	for i, resp := range responses {
		if len(domains) > 0 {
			if _, ok := allowed[resp.Domain]; !ok {
				return common.NewProofError("VerifyAll | response %d for unexpected domain %q",
					i, resp.Domain)
			}
		}
		if len(resp.PoI.Root) > 0 {
			if root == nil {
				root = resp.PoI.Root
			} else if !bytes.Equal(root, resp.PoI.Root) {
				return common.NewProofError("VerifyAll | response %d proven against a different root", i)
			}
		}
		proofType, ok, err := VerifyProofByDomain(resp)
		if err != nil {
			return err
		}
		if !ok {
			return common.NewProofError("VerifyAll | %s for %q does not verify", proofType, resp.Domain)
		}
	}
	return nil
}
