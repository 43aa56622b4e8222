package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	ctx509 "github.com/google/certificate-transparency-go/x509"

	"github.com/netsec-ethz/fpki-validator/pkg/cache"
	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/mapserver/prover"
)

// maxBodySize bounds what is read from a map server in a single response.
const maxBodySize = 64 << 20

// Querier retrieves the verified records of the domain hierarchy of a name from one map
// server. domains is the hierarchy, E2LD first.
type Querier interface {
	Records(ctx context.Context, name string, domains []string) ([]*mapCommon.DomainRecord, error)
}

// getter performs one GET and returns the body. Non-2xx statuses are network errors.
type getter func(ctx context.Context, u *url.URL) ([]byte, error)

// NewQuerier returns the querier for the query type of server.
func (f *Fetcher) NewQuerier(server config.MapServer) (Querier, error) {
	base, err := url.Parse(server.Domain)
	if err != nil {
		return nil, common.NewInvalidConfigError("map server %s: %s", server.Identity, err)
	}
	switch server.QueryType {
	case config.QueryTypeEntries:
		return &entriesQuerier{base: base, get: f.get}, nil
	case config.QueryTypeProofs:
		return &proofsQuerier{base: base, get: f.get, store: f.store}, nil
	}
	return nil, common.NewInvalidConfigError("map server %s: unknown query type %q",
		server.Identity, server.QueryType)
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, common.NewInternalError("get | NewRequest | %s", err)
	}
	f.networkCalls.Inc()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s | %w", common.ErrNetwork, u.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: get %s | read body | %w", common.ErrNetwork, u.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, common.NewNetworkError("get %s | status %s", u.Path, resp.Status)
	}
	return body, nil
}

func endpoint(base *url.URL, path string, query url.Values) *url.URL {
	u := base.JoinPath(path)
	u.RawQuery = query.Encode()
	return u
}

// getVerified queries path for name, and verifies the responses as a batch.
func getVerified(ctx context.Context, get getter, base *url.URL, path, name string,
	domains []string) ([]*mapCommon.MapServerResponse, error) {

	body, err := get(ctx, endpoint(base, path, url.Values{"domain": {name}}))
	if err != nil {
		return nil, err
	}
	responses, err := mapCommon.ParseResponses(body)
	if err != nil {
		return nil, err
	}
	if err := checkComplete(responses, domains); err != nil {
		return nil, err
	}
	if err := prover.VerifyAll(responses, domains...); err != nil {
		return nil, err
	}
	return responses, nil
}

// checkComplete requires exactly one response per domain of the hierarchy. A server omitting
// the parent domain would otherwise hide its policies.
func checkComplete(responses []*mapCommon.MapServerResponse, domains []string) error {
	seen := make(map[string]int, len(domains))
	for _, r := range responses {
		seen[r.Domain]++
	}
	for _, d := range domains {
		if seen[d] != 1 {
			return common.NewProofError("%d responses for %q", seen[d], d)
		}
	}
	return nil
}

// entriesQuerier gets the complete domain entries with their proofs in one request.
type entriesQuerier struct {
	base *url.URL
	get  getter
}

func (q *entriesQuerier) Records(ctx context.Context, name string, domains []string) (
	[]*mapCommon.DomainRecord, error) {

	responses, err := getVerified(ctx, q.get, q.base, "/", name, domains)
	if err != nil {
		return nil, err
	}
	records := make([]*mapCommon.DomainRecord, 0, len(responses))
	for _, resp := range responses {
		record, err := mapCommon.NewDomainRecord(resp)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// proofsQuerier gets the IDs of the payloads of each domain with their proofs, and then only the
// payloads missing in the certificate store.
type proofsQuerier struct {
	base  *url.URL
	get   getter
	store *cache.CertStore
}

type payloadIDs struct {
	certs    []common.SHA256Output
	policies []common.SHA256Output
}

func (q *proofsQuerier) Records(ctx context.Context, name string, domains []string) (
	[]*mapCommon.DomainRecord, error) {

	responses, err := getVerified(ctx, q.get, q.base, "/getproof", name, domains)
	if err != nil {
		return nil, err
	}

	// The IDs come from the proven bytes. The DomainEntry field is only an echo.
	perDomain := make([]*payloadIDs, len(responses))
	var missing []common.SHA256Output
	requested := make(map[common.SHA256Output]struct{})
	for i, resp := range responses {
		if resp.PoI.ProofType != mapCommon.PoP {
			continue
		}
		ids, err := mapCommon.DeserializeDomainPayloadIDs(resp.DomainEntryBytes)
		if err != nil {
			return nil, err
		}
		if resp.DomainEntry != nil && !resp.DomainEntry.Equal(ids) {
			return nil, common.NewNetworkError("Records | IDs of %q differ from the proven ones",
				resp.Domain)
		}
		certs, err := common.BytesToIDs(ids.CertIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: Records | %w", common.ErrNetwork, err)
		}
		policies, err := common.BytesToIDs(ids.PolicyIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: Records | %w", common.ErrNetwork, err)
		}
		perDomain[i] = &payloadIDs{certs: certs, policies: policies}
		for _, id := range append(certs, policies...) {
			id := id
			if _, ok := requested[id]; ok || q.store.Contains(&id) {
				continue
			}
			requested[id] = struct{}{}
			missing = append(missing, id)
		}
	}

	fetched, err := q.fetchPayloads(ctx, missing)
	if err != nil {
		return nil, err
	}

	records := make([]*mapCommon.DomainRecord, 0, len(responses))
	for i, resp := range responses {
		record := &mapCommon.DomainRecord{
			Domain:    resp.Domain,
			ProofType: resp.PoI.ProofType,
		}
		if ids := perDomain[i]; ids != nil {
			record.EntryHash = common.SHA256Hash32Bytes(resp.DomainEntryBytes)
			entry, err := q.buildEntry(resp.Domain, ids, fetched)
			if err != nil {
				return nil, err
			}
			record.Entries = entry.Authorities()
		}
		records = append(records, record)
	}
	return records, nil
}

// fetchPayloads requests ids and checks that every one is answered with content hashing to it.
func (q *proofsQuerier) fetchPayloads(ctx context.Context, ids []common.SHA256Output) (
	map[common.SHA256Output][]byte, error) {

	fetched := make(map[common.SHA256Output][]byte, len(ids))
	if len(ids) == 0 {
		return fetched, nil
	}
	body, err := q.get(ctx, endpoint(q.base, "/getpayloads",
		url.Values{"ids": {common.IDsToHex(ids)}}))
	if err != nil {
		return nil, err
	}
	payloads, err := mapCommon.ParsePayloads(body)
	if err != nil {
		return nil, err
	}
	for _, p := range payloads {
		id := common.SHA256Hash32Bytes(p.Payload)
		if !bytes.Equal(p.ID, id[:]) {
			return nil, common.NewNetworkError("fetchPayloads | payload does not hash to its ID %x",
				p.ID)
		}
		fetched[id] = p.Payload
	}
	for _, id := range ids {
		if _, ok := fetched[id]; !ok {
			return nil, common.NewNetworkError("fetchPayloads | payload %s missing", id)
		}
	}
	return fetched, nil
}

// buildEntry inserts the certificates and policies of a domain into the store and rebuilds its
// domain entry.
func (q *proofsQuerier) buildEntry(name string, ids *payloadIDs,
	fetched map[common.SHA256Output][]byte) (*mapCommon.DomainEntry, error) {

	certs := make([]*ctx509.Certificate, 0, len(ids.certs))
	for _, id := range ids.certs {
		if entry, ok := q.store.Get(id); ok {
			certs = append(certs, entry.Cert)
			continue
		}
		raw, ok := fetched[id]
		if !ok {
			return nil, common.NewNetworkError("buildEntry | %q: certificate %s not fetched", name, id)
		}
		cert, err := common.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: buildEntry | %q | %w", common.ErrNetwork, name, err)
		}
		certs = append(certs, cert)
	}

	entry := &mapCommon.DomainEntry{DomainName: name}
	leaves, chains := mapCommon.BuildChains(certs)
	for i, leaf := range leaves {
		raws := make([][]byte, len(chains[i]))
		for j, c := range chains[i] {
			raws[j] = c.Raw
		}
		if _, _, err := q.store.AddChainIfAbsent(leaf.Raw, raws); err != nil {
			return nil, fmt.Errorf("%w: buildEntry | %q | %w", common.ErrNetwork, name, err)
		}
		entry.AddCert(leaf, chains[i])
	}

	for _, id := range ids.policies {
		sp, ok := q.store.GetPolicy(id)
		if !ok {
			raw, ok := fetched[id]
			if !ok {
				return nil, common.NewNetworkError("buildEntry | %q: policy %s not fetched", name, id)
			}
			var err error
			if _, sp, err = q.store.AddPolicyIfAbsent(raw); err != nil {
				return nil, fmt.Errorf("%w: buildEntry | %q | %w", common.ErrNetwork, name, err)
			}
		}
		entry.AddPC(sp)
	}
	return entry, nil
}
