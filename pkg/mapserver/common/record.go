package common

import (
	"github.com/netsec-ethz/fpki-validator/pkg/common"
)

// AuthorityEntry holds what one authority published for a domain: the policy of a PCA, or the
// certificates (and their chains) issued under a CA.
type AuthorityEntry struct {
	Authority string
	Policy    *common.SP
	Certs     [][]byte
	Chains    [][][]byte
}

// DomainRecord is the verified content a map server returned for one domain of the
// hierarchy. It is not modified after creation.
type DomainRecord struct {
	Domain    string
	ProofType ProofType
	// EntryHash is the hash of the leaf value. Zero for absent domains.
	EntryHash common.SHA256Output
	Entries   []AuthorityEntry
}

// Present returns true if the map server proved the domain has an entry.
func (r *DomainRecord) Present() bool {
	return r.ProofType == PoP
}

// Policies returns the entries that carry a policy.
func (r *DomainRecord) Policies() []AuthorityEntry {
	var policies []AuthorityEntry
	for _, e := range r.Entries {
		if e.Policy != nil {
			policies = append(policies, e)
		}
	}
	return policies
}

// NewDomainRecord converts an already verified response into a record. The leaf value of the
// response must be a serialized DomainEntry.
func NewDomainRecord(resp *MapServerResponse) (*DomainRecord, error) {
	record := &DomainRecord{
		Domain:    resp.Domain,
		ProofType: resp.PoI.ProofType,
	}
	if resp.PoI.ProofType != PoP {
		return record, nil
	}
	record.EntryHash = common.SHA256Hash32Bytes(resp.DomainEntryBytes)
	entry, err := DeserializeDomainEntry(resp.DomainEntryBytes)
	if err != nil {
		return nil, err
	}
	record.Entries = entry.Authorities()
	return record, nil
}

// Authorities converts the CA entries into authority entries.
func (domainEntry *DomainEntry) Authorities() []AuthorityEntry {
	entries := make([]AuthorityEntry, 0, len(domainEntry.CAEntry))
	for _, e := range domainEntry.CAEntry {
		entries = append(entries, AuthorityEntry{
			Authority: e.CAName,
			Policy:    e.CurrentPC,
			Certs:     e.DomainCerts,
			Chains:    e.DomainCertChains,
		})
	}
	return entries
}
