package common

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
)

// Proof type enum
// PoA: Proof of Absence; non-inclusion proof
// PoP: Proof of Presence; inclusion proof
type ProofType int

const (
	PoA ProofType = iota
	PoP ProofType = iota
)

func (t ProofType) String() string {
	switch t {
	case PoA:
		return "PoA"
	case PoP:
		return "PoP"
	}
	return fmt.Sprintf("ProofType(%d)", int(t))
}

// UnmarshalJSON rejects proof types other than PoA and PoP.
func (t *ProofType) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch ProofType(v) {
	case PoA, PoP:
		*t = ProofType(v)
		return nil
	}
	return fmt.Errorf("unknown proof type %d", v)
}

// Base64Bytes is a byte slice serialized as base64. Both the standard and the URL-safe
// alphabets are accepted when decoding, with or without padding.
type Base64Bytes []byte

func (b Base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Base64Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	decoded, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("Base64Bytes | %w", err)
	}
	*b = decoded
	return nil
}

// MapServerResponse: response from map server to client, one per domain of the hierarchy.
type MapServerResponse struct {
	Domain string
	// serialized bytes of DomainEntry (or of DomainPayloadIDs for the proof query type)
	DomainEntryBytes Base64Bytes `json:",omitempty"`
	PoI              PoI
	// DomainEntry is the unauthenticated echo of the IDs in DomainEntryBytes.
	DomainEntry *DomainPayloadIDs `json:",omitempty"`
}

// PoI: Proof of Inclusion(or non-inclusion)
type PoI struct {
	ProofType  ProofType
	Proof      [][]byte // Sibling hashes, deepest first.
	Root       []byte
	ProofKey   []byte `json:",omitempty"`
	ProofValue []byte `json:",omitempty"`
}

// DomainEntry: Value of the leaf. The value will be hashed, and stored in the sparse merkle tree
type DomainEntry struct {
	DomainName string `json:",omitempty"`
	CAEntry    []CAEntry
}

// CAEntry: All certificates and the current policy issued by one specific CA or PCA.
type CAEntry struct {
	CAName           string
	CAHash           []byte     `json:",omitempty"`
	CurrentPC        *common.SP `json:",omitempty"`
	DomainCerts      [][]byte   `json:",omitempty"`
	DomainCertChains [][][]byte `json:",omitempty"`
}

// DomainPayloadIDs lists the content IDs of the certificates and policies of a domain, glued.
type DomainPayloadIDs struct {
	CertIDs   []byte `json:",omitempty"`
	PolicyIDs []byte `json:",omitempty"`
}

// Payload is one element of the payloads endpoint response.
type Payload struct {
	ID      []byte
	Payload []byte
}

// ParseResponses decodes and validates the body returned by a map server. Any malformed
// element fails the whole body with common.ErrNetwork.
func ParseResponses(body []byte) ([]*MapServerResponse, error) {
	var responses []*MapServerResponse
	if err := json.Unmarshal(body, &responses); err != nil {
		return nil, fmt.Errorf("%w: ParseResponses | Unmarshal | %w", common.ErrNetwork, err)
	}
	for i, r := range responses {
		if r == nil {
			return nil, common.NewNetworkError("ParseResponses | null response at %d", i)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: ParseResponses | element %d | %w", common.ErrNetwork, i, err)
		}
	}
	return responses, nil
}

// ParsePayloads decodes the body returned by the payloads endpoint.
func ParsePayloads(body []byte) ([]Payload, error) {
	var payloads []Payload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("%w: ParsePayloads | Unmarshal | %w", common.ErrNetwork, err)
	}
	return payloads, nil
}

// Validate checks the shape of the response: the proof must be consistent with its type.
func (r *MapServerResponse) Validate() error {
	if r.Domain == "" {
		return fmt.Errorf("empty domain")
	}
	poi := r.PoI
	if len(poi.Proof) > TreeHeight {
		return fmt.Errorf("proof too long: %d", len(poi.Proof))
	}
	for i, sibling := range poi.Proof {
		if len(sibling) != common.SHA256Size {
			return fmt.Errorf("sibling %d has length %d", i, len(sibling))
		}
	}
	switch poi.ProofType {
	case PoP:
		if len(poi.Root) != common.SHA256Size {
			return fmt.Errorf("presence proof with root of length %d", len(poi.Root))
		}
		if len(r.DomainEntryBytes) == 0 {
			return fmt.Errorf("presence proof without payload")
		}
	case PoA:
		if len(poi.Root) != 0 && len(poi.Root) != common.SHA256Size {
			return fmt.Errorf("absence proof with root of length %d", len(poi.Root))
		}
		if len(r.DomainEntryBytes) != 0 {
			return fmt.Errorf("absence proof with payload")
		}
		if (len(poi.ProofKey) == 0) != (len(poi.ProofValue) == 0) {
			return fmt.Errorf("absence proof with partial alternate leaf")
		}
		if len(poi.ProofKey) != 0 &&
			(len(poi.ProofKey) != common.SHA256Size || len(poi.ProofValue) != common.SHA256Size) {
			return fmt.Errorf("absence proof with malformed alternate leaf")
		}
	default:
		return fmt.Errorf("unknown proof type %d", poi.ProofType)
	}
	return nil
}

// HashLength length of the hash
// TreeHeight height of the tree
const (
	HashLength = common.SHA256Size
	TreeHeight = 256
)

// SerializeDomainEntry uses json to serialize.
func SerializeDomainEntry(domainEntry *DomainEntry) ([]byte, error) {
	result, err := json.Marshal(domainEntry)
	if err != nil {
		return nil, fmt.Errorf("SerializeDomainEntry | Marshal | %w", err)
	}
	return result, nil
}

// DeserializeDomainEntry converts json into a DomainEntry. Entries without authority name, or
// with a number of chains different from the number of certificates, are rejected.
func DeserializeDomainEntry(input []byte) (*DomainEntry, error) {
	result := &DomainEntry{}
	if err := json.Unmarshal(input, result); err != nil {
		return nil, fmt.Errorf("%w: DeserializeDomainEntry | Unmarshal | %w", common.ErrNetwork, err)
	}
	for i, e := range result.CAEntry {
		if e.CAName == "" {
			return nil, common.NewNetworkError("DeserializeDomainEntry | entry %d without CAName", i)
		}
		if len(e.DomainCertChains) != 0 && len(e.DomainCertChains) != len(e.DomainCerts) {
			return nil, common.NewNetworkError(
				"DeserializeDomainEntry | entry %d has %d certificates but %d chains",
				i, len(e.DomainCerts), len(e.DomainCertChains))
		}
	}
	return result, nil
}

// SerializeDomainPayloadIDs uses json to serialize.
func SerializeDomainPayloadIDs(ids *DomainPayloadIDs) ([]byte, error) {
	result, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("SerializeDomainPayloadIDs | Marshal | %w", err)
	}
	return result, nil
}

// DeserializeDomainPayloadIDs converts json into a DomainPayloadIDs.
func DeserializeDomainPayloadIDs(input []byte) (*DomainPayloadIDs, error) {
	result := &DomainPayloadIDs{}
	if err := json.Unmarshal(input, result); err != nil {
		return nil, fmt.Errorf("%w: DeserializeDomainPayloadIDs | Unmarshal | %w",
			common.ErrNetwork, err)
	}
	if len(result.CertIDs)%common.SHA256Size != 0 || len(result.PolicyIDs)%common.SHA256Size != 0 {
		return nil, common.NewNetworkError("DeserializeDomainPayloadIDs | truncated IDs")
	}
	return result, nil
}

// Equal compares both lists of IDs.
func (ids *DomainPayloadIDs) Equal(o *DomainPayloadIDs) bool {
	return string(ids.CertIDs) == string(o.CertIDs) &&
		string(ids.PolicyIDs) == string(o.PolicyIDs)
}
