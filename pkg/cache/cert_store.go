package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	ctx509 "github.com/google/certificate-transparency-go/x509"
	"go.uber.org/atomic"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
)

var (
	ErrCertNotFound = errors.New("certificate not found")
	// ErrChainCycle is returned when a presented chain contains the same certificate twice.
	ErrChainCycle = errors.New("certificate chain contains a cycle")
)

// CertEntry is a parsed certificate and the ID of its issuer in the store.
type CertEntry struct {
	ID            common.SHA256Output
	Raw           []byte // DER
	Cert          *ctx509.Certificate
	ParentID      *common.SHA256Output // nil for roots and for the top of partial chains
	NotBefore     time.Time
	NotAfter      time.Time
	PublicKeyHash common.SHA256Output
	InsertedAt    time.Time
}

// CertStore is a content-addressed store of certificates and policies. Certificates form a
// forest through their ParentID: an entry is only inserted after its parent, and never
// modified afterwards.
type CertStore struct {
	mu       sync.RWMutex
	certs    map[common.SHA256Output]*CertEntry
	policies map[common.SHA256Output]*common.SP

	now    func() time.Time
	parsed atomic.Int64
}

func NewCertStore() *CertStore {
	return &CertStore{
		certs:    make(map[common.SHA256Output]*CertEntry),
		policies: make(map[common.SHA256Output]*common.SP),
		now:      time.Now,
	}
}

// AddChainIfAbsent stores the leaf and its intermediates (leaf issuer first), linking each
// certificate to the next one in the chain. All IDs are computed before parsing anything.
// The walk stops at the first certificate already present, since its ancestors are present
// too. Returns the ID of the leaf and the number of certificates parsed by this call.
func (s *CertStore) AddChainIfAbsent(leafRaw []byte, intermediatesRaw [][]byte) (
	common.SHA256Output, int, error) {

	raws := make([][]byte, 0, len(intermediatesRaw)+1)
	ids := make([]common.SHA256Output, 0, len(intermediatesRaw)+1)
	seen := make(map[common.SHA256Output]struct{}, len(intermediatesRaw)+1)
	for i, raw := range append([][]byte{leafRaw}, intermediatesRaw...) {
		der, err := common.CanonicalCertBytes(raw)
		if err != nil {
			return common.SHA256Output{}, 0, fmt.Errorf("AddChainIfAbsent | certificate %d | %w", i, err)
		}
		id := common.SHA256Hash32Bytes(der)
		if _, ok := seen[id]; ok {
			return common.SHA256Output{}, 0, fmt.Errorf("%w: certificate %s repeated", ErrChainCycle, id)
		}
		seen[id] = struct{}{}
		raws = append(raws, der)
		ids = append(ids, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First present certificate, from the leaf up.
	top := len(ids)
	for i, id := range ids {
		if _, ok := s.certs[id]; ok {
			top = i
			break
		}
	}

	parsed := 0
	for i := top - 1; i >= 0; i-- {
		cert, err := common.ParseCertificate(raws[i])
		if err != nil {
			return ids[0], parsed, fmt.Errorf("AddChainIfAbsent | certificate %d | %w", i, err)
		}
		parsed++
		entry := &CertEntry{
			ID:            ids[i],
			Raw:           raws[i],
			Cert:          cert,
			NotBefore:     cert.NotBefore,
			NotAfter:      cert.NotAfter,
			PublicKeyHash: common.PublicKeyHash(cert),
			InsertedAt:    s.now(),
		}
		if i+1 < len(ids) && !common.IsSelfIssued(cert) {
			parent := ids[i+1]
			entry.ParentID = &parent
		}
		s.certs[ids[i]] = entry
	}
	s.parsed.Add(int64(parsed))
	if parsed > 0 {
		glog.V(2).Infof("certificate store: parsed %d new certificates for leaf %s", parsed, ids[0])
	}
	return ids[0], parsed, nil
}

// GetChainByHash returns the chain starting at id, leaf first, root last.
func (s *CertStore) GetChainByHash(id common.SHA256Output) ([]*CertEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.certs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCertNotFound, id)
	}
	// A chain cannot be longer than the store itself.
	bound := len(s.certs)
	chain := []*CertEntry{entry}
	for entry.ParentID != nil {
		if len(chain) >= bound {
			return nil, common.NewInternalError("GetChainByHash | cycle detected from %s", id)
		}
		parent, ok := s.certs[*entry.ParentID]
		if !ok {
			return nil, common.NewInternalError("GetChainByHash | missing parent %s of %s",
				*entry.ParentID, entry.ID)
		}
		chain = append(chain, parent)
		entry = parent
	}
	return chain, nil
}

// Get returns the entry with the given ID, if present.
func (s *CertStore) Get(id common.SHA256Output) (*CertEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.certs[id]
	return entry, ok
}

// Contains returns true if either a certificate or a policy with that ID is stored.
func (s *CertStore) Contains(id *common.SHA256Output) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.certs[*id]; ok {
		return true
	}
	_, ok := s.policies[*id]
	return ok
}

// AddPolicyIfAbsent parses and stores a policy payload, keyed by the hash of its bytes.
func (s *CertStore) AddPolicyIfAbsent(raw []byte) (common.SHA256Output, *common.SP, error) {
	id := common.SHA256Hash32Bytes(raw)
	s.mu.RLock()
	sp, ok := s.policies[id]
	s.mu.RUnlock()
	if ok {
		return id, sp, nil
	}

	sp, err := common.SPFromJSON(raw)
	if err != nil {
		return id, nil, fmt.Errorf("AddPolicyIfAbsent | %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.policies[id]; ok {
		return id, existing, nil
	}
	s.policies[id] = sp
	return id, sp, nil
}

// GetPolicy returns the policy with the given ID, if present.
func (s *CertStore) GetPolicy(id common.SHA256Output) (*common.SP, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.policies[id]
	return sp, ok
}

// Len returns the number of certificates stored.
func (s *CertStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

// ParsedCertificates returns how many certificates were parsed since the store was created.
func (s *CertStore) ParsedCertificates() int64 {
	return s.parsed.Load()
}

// Reset removes all certificates and policies.
func (s *CertStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs = make(map[common.SHA256Output]*CertEntry)
	s.policies = make(map[common.SHA256Output]*common.SP)
}
