// Package mapserver is an HTTP map server for tests. It keeps its domain entries in an in-memory
// sparse Merkle tree and answers with proofs the prover accepts.
package mapserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/domain"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/tests"
	"github.com/netsec-ethz/fpki-validator/pkg/tests/smt"
	"github.com/netsec-ethz/fpki-validator/pkg/util"
)

// Server serves one query type. Its URL is the base address of the map server.
type Server struct {
	*httptest.Server
	queryType config.QueryType

	mu        sync.Mutex
	tree      *smt.Tree
	entries   map[string]*mapCommon.DomainEntry
	certIDs   map[string][]common.SHA256Output
	policyIDs map[string]map[string]common.SHA256Output // domain -> issuer -> ID
	payloads  map[common.SHA256Output][]byte
	hits      map[string]int

	requests     atomic.Int64
	delay        atomic.Duration
	failures     atomic.Int64
	omitPayloads atomic.Bool
	hook         func([]*mapCommon.MapServerResponse)
}

// New starts a map server speaking queryType. It is closed when the test finishes.
func New(t tests.T, queryType config.QueryType) *Server {
	s := &Server{
		queryType: queryType,
		tree:      smt.New(),
		entries:   make(map[string]*mapCommon.DomainEntry),
		certIDs:   make(map[string][]common.SHA256Output),
		policyIDs: make(map[string]map[string]common.SHA256Output),
		payloads:  make(map[common.SHA256Output][]byte),
		hits:      make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleEntries)
	mux.HandleFunc("/getproof", s.handleProofs)
	mux.HandleFunc("/getpayloads", s.handlePayloads)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// MapServer returns the configuration entry to reach this server.
func (s *Server) MapServer(identity string) config.MapServer {
	return config.MapServer{
		Identity:  identity,
		Domain:    s.URL,
		QueryType: s.queryType,
	}
}

// AddCert stores leaf and its chain (issuer first) under the affected domains of leaf.
func (s *Server) AddCert(t tests.T, leaf *ctx509.Certificate, chain ...*ctx509.Certificate) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range domain.ExtractAffectedDomains(util.ExtractCertDomains(leaf)) {
		entry := s.entry(name)
		if !entry.AddCert(leaf, chain) {
			continue
		}
		for _, c := range append([]*ctx509.Certificate{leaf}, chain...) {
			id := common.SHA256Hash32Bytes(c.Raw)
			s.payloads[id] = c.Raw
			s.certIDs[name] = appendUnique(s.certIDs[name], id)
		}
		s.updateLeaf(t, name)
	}
}

// AddPolicy stores sp under its subject, replacing the previous policy of the same issuer.
func (s *Server) AddPolicy(t tests.T, sp *common.SP) {
	t.Helper()
	raw, err := common.ToJSON(sp)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	name := sp.Subject()
	if !s.entry(name).AddPC(sp) {
		return
	}
	id := common.SHA256Hash32Bytes(raw)
	s.payloads[id] = raw
	if s.policyIDs[name] == nil {
		s.policyIDs[name] = make(map[string]common.SHA256Output)
	}
	s.policyIDs[name][sp.Issuer] = id
	s.updateLeaf(t, name)
}

// Root returns the current root of the tree.
func (s *Server) Root() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Root()
}

// SetDelay delays every response.
func (s *Server) SetDelay(d time.Duration) {
	s.delay.Store(d)
}

// FailNext makes the next n requests fail with an internal server error.
func (s *Server) FailNext(n int) {
	s.failures.Store(int64(n))
}

// OmitPayloads makes the payloads endpoint answer with an empty list.
func (s *Server) OmitPayloads(omit bool) {
	s.omitPayloads.Store(omit)
}

// SetResponseHook registers a function that may modify the responses before they are sent.
func (s *Server) SetResponseHook(hook func([]*mapCommon.MapServerResponse)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Requests returns the number of requests received.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Hits returns the number of requests received for path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) entry(name string) *mapCommon.DomainEntry {
	entry, ok := s.entries[name]
	if !ok {
		entry = &mapCommon.DomainEntry{DomainName: name}
		s.entries[name] = entry
	}
	return entry
}

// leafBytes returns what the leaf of name commits to, depending on the query type.
func (s *Server) leafBytes(name string) ([]byte, *mapCommon.DomainPayloadIDs, error) {
	if s.queryType == config.QueryTypeEntries {
		raw, err := mapCommon.SerializeDomainEntry(s.entries[name])
		return raw, nil, err
	}
	policies := make([]common.SHA256Output, 0, len(s.policyIDs[name]))
	for _, id := range s.policyIDs[name] {
		policies = append(policies, id)
	}
	sort.Slice(policies, func(i, j int) bool {
		return string(policies[i][:]) < string(policies[j][:])
	})
	ids := &mapCommon.DomainPayloadIDs{
		CertIDs:   common.IDsToBytes(s.certIDs[name]),
		PolicyIDs: common.IDsToBytes(policies),
	}
	raw, err := mapCommon.SerializeDomainPayloadIDs(ids)
	return raw, ids, err
}

func (s *Server) updateLeaf(t tests.T, name string) {
	raw, _, err := s.leafBytes(name)
	require.NoError(t, err)
	err = s.tree.Update(common.SHA256Hash([]byte(name)), common.SHA256Hash(raw))
	require.NoError(t, err)
}

// getDomainProof returns one response per domain between the E2LD and domainName.
func (s *Server) getDomainProof(domainName string) ([]*mapCommon.MapServerResponse, error) {
	domainList, err := domain.ParseDomainName(domainName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.tree.Root()
	responses := make([]*mapCommon.MapServerResponse, 0, len(domainList))
	for _, name := range domainList {
		ap, isPoP, proofKey, proofValue := s.tree.MerkleProof(common.SHA256Hash([]byte(name)))
		resp := &mapCommon.MapServerResponse{
			Domain: name,
			PoI: mapCommon.PoI{
				ProofType:  mapCommon.PoA,
				Proof:      ap,
				Root:       root,
				ProofKey:   proofKey,
				ProofValue: proofValue,
			},
		}
		if isPoP {
			raw, ids, err := s.leafBytes(name)
			if err != nil {
				return nil, err
			}
			resp.PoI.ProofType = mapCommon.PoP
			resp.DomainEntryBytes = raw
			resp.DomainEntry = ids
		}
		responses = append(responses, resp)
	}
	if s.hook != nil {
		s.hook(responses)
	}
	return responses, nil
}

// begin accounts for the request and applies the configured delay and failures.
// Returns false if the request was already answered.
func (s *Server) begin(w http.ResponseWriter, r *http.Request) bool {
	s.requests.Inc()
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	if d := s.delay.Load(); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return false
		}
	}
	if s.failures.Load() > 0 && s.failures.Dec() >= 0 {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return false
	}
	return true
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}
	if r.URL.Path != "/" || s.queryType != config.QueryTypeEntries {
		http.NotFound(w, r)
		return
	}
	s.writeProofs(w, r.URL.Query().Get("domain"))
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}
	if s.queryType != config.QueryTypeProofs {
		http.NotFound(w, r)
		return
	}
	s.writeProofs(w, r.URL.Query().Get("domain"))
}

func (s *Server) writeProofs(w http.ResponseWriter, domainName string) {
	responses, err := s.getDomainProof(domainName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, responses)
}

func (s *Server) handlePayloads(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}
	ids, err := common.HexToIDs(strings.TrimSpace(r.URL.Query().Get("ids")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payloads := []mapCommon.Payload{}
	if !s.omitPayloads.Load() {
		s.mu.Lock()
		for _, id := range ids {
			id := id
			if raw, ok := s.payloads[id]; ok {
				payloads = append(payloads, mapCommon.Payload{ID: id[:], Payload: raw})
			}
		}
		s.mu.Unlock()
	}
	writeJSON(w, payloads)
}

func writeJSON(w http.ResponseWriter, obj any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func appendUnique(ids []common.SHA256Output, id common.SHA256Output) []common.SHA256Output {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
