// Package validator is the entry point of the trust decision engine. The collaborator observing
// connections calls OnRequest as soon as a connection to a domain is about to start, which
// starts fetching the records of the domain, and OnHeadersReceived once the certificate chain is
// known, which decides on the connection.
package validator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/netsec-ethz/fpki-validator/pkg/cache"
	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/fetcher"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/trust"
)

// Request identifies one network exchange observed by the collaborator.
type Request struct {
	ID     string
	TabID  int
	Domain string
}

type requestState struct {
	domain  string
	tabID   int
	started time.Time
}

// Stats are counters of the validator and its caches.
type Stats struct {
	fetcher.Stats
	ParsedCertificates int64
	StoredCertificates int
	CachedDecisions    int
	PendingRequests    int // Requests seen by OnRequest and not yet checked.
}

type Validator struct {
	store    *cache.CertStore
	policies *cache.PolicyCache
	client   *http.Client
	now      func() time.Time

	mu         sync.RWMutex
	cfg        *config.Config
	fetcher    *fetcher.Fetcher
	resolver   *trust.Resolver
	decisions  *cache.LruCache[*trust.TrustDecision]
	generation uint64
	requests   map[string]requestState
	tabs       map[int][]*trust.TrustDecision
}

type Option func(*Validator)

// WithHTTPClient sets the client used to reach the map servers.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Validator) {
		v.client = client
	}
}

// WithClock sets the clock used for cache expiration.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// New validates cfg and returns a validator with empty caches.
func New(cfg *config.Config, opts ...Option) (*Validator, error) {
	v := &Validator{
		store:    cache.NewCertStore(),
		policies: cache.NewPolicyCache(),
		client:   http.DefaultClient,
		now:      time.Now,
		requests: make(map[string]requestState),
		tabs:     make(map[int][]*trust.TrustDecision),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.policies.WithClock(v.now)
	if err := v.setConfig(cfg); err != nil {
		return nil, err
	}
	return v, nil
}

// setConfig installs cfg and empties every cache.
func (v *Validator) setConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	decisions, err := cache.NewLruCache[*trust.TrustDecision](cfg.DecisionCacheSize)
	if err != nil {
		return common.NewInvalidConfigError("decision cache: %s", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = cfg
	v.fetcher = fetcher.New(cfg, v.store, v.policies, fetcher.WithHTTPClient(v.client))
	v.resolver = trust.NewResolver(cfg, v.store)
	v.decisions = decisions
	v.generation++
	v.tabs = make(map[int][]*trust.TrustDecision)
	v.requests = make(map[string]requestState)
	v.fetcher.Reset()
	v.store.Reset()
	return nil
}

// OnConfigReplaced installs a new configuration. The certificate store, the policy cache, the
// in-flight fetches and the decision cache are all emptied, since their content depends on the
// previous configuration. On error the previous configuration is kept.
func (v *Validator) OnConfigReplaced(cfg *config.Config) error {
	if err := v.setConfig(cfg); err != nil {
		return err
	}
	glog.Infof("configuration replaced, caches cleared")
	return nil
}

// Config returns the configuration in use.
func (v *Validator) Config() *config.Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

type snapshot struct {
	cfg        *config.Config
	fetcher    *fetcher.Fetcher
	resolver   *trust.Resolver
	decisions  *cache.LruCache[*trust.TrustDecision]
	generation uint64
}

func (v *Validator) snapshot() snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return snapshot{
		cfg:        v.cfg,
		fetcher:    v.fetcher,
		resolver:   v.resolver,
		decisions:  v.decisions,
		generation: v.generation,
	}
}

// OnRequest records the request and starts fetching the records of its domain from the queried
// map servers. The fetches use the connection setup time as slack, so that their results are
// still fresh when the chain arrives.
func (v *Validator) OnRequest(ctx context.Context, req Request) {
	name := normalize(req.Domain)
	s := v.snapshot()

	v.mu.Lock()
	v.requests[req.ID] = requestState{domain: name, tabID: req.TabID, started: v.now()}
	v.mu.Unlock()

	slack := s.cfg.MaxConnectionSetupTime.Duration
	for _, server := range s.cfg.QueriedMapServers() {
		server := server
		go func() {
			if _, err := s.fetcher.FetchRecords(ctx, name, server, slack); err != nil {
				glog.V(1).Infof("request %s: prefetching %s from %s: %s",
					req.ID, name, server.Identity, err)
			}
		}()
	}
}

// OnHeadersReceived decides on the connection of a request previously seen by OnRequest.
// chain is the presented certificate chain, leaf first, DER or PEM.
func (v *Validator) OnHeadersReceived(ctx context.Context, req Request, chain [][]byte) *trust.TrustDecision {
	name := normalize(req.Domain)

	v.mu.Lock()
	state, ok := v.requests[req.ID]
	delete(v.requests, req.ID)
	v.mu.Unlock()

	var decision *trust.TrustDecision
	switch {
	case !ok:
		decision = trust.NegativeDecision(name, common.SHA256Output{},
			common.NewInternalError("no state for request %s to %s", req.ID, name))
	case state.domain != name:
		decision = trust.NegativeDecision(name, common.SHA256Output{},
			common.NewInternalError("request %s was for %s, not %s", req.ID, state.domain, name))
	default:
		glog.V(2).Infof("request %s: chain of %s received after %s", req.ID, name,
			v.now().Sub(state.started))
		decision = v.Decide(ctx, name, chain)
	}
	if errors.Is(decision.Err, common.ErrInternal) {
		glog.Errorf("request %s: %s", req.ID, decision.Err)
	}

	v.mu.Lock()
	v.tabs[req.TabID] = append(v.tabs[req.TabID], decision)
	v.mu.Unlock()
	return decision
}

// Decide returns the decision for a connection to domainName presenting chain (leaf first).
// Decisions are cached per domain and leaf certificate until they expire.
func (v *Validator) Decide(ctx context.Context, domainName string, chain [][]byte) *trust.TrustDecision {
	name := normalize(domainName)
	s := v.snapshot()
	if len(chain) == 0 {
		return v.account(trust.NegativeDecision(name, common.SHA256Output{},
			common.NewInternalError("Decide | no certificate presented by %s", name)))
	}
	leafID, err := common.CertificateID(chain[0])
	if err != nil {
		return v.account(trust.NegativeDecision(name, common.SHA256Output{},
			common.NewInternalError("Decide | leaf presented by %s: %s", name, err)))
	}
	key := common.SHA256Hash32Bytes([]byte(name), leafID[:])
	if decision, ok := s.decisions.Get(key); ok {
		if v.now().Before(decision.ValidUntil) {
			decisionCacheHits.Inc()
			return decision
		}
		s.decisions.Remove(key)
	}

	decision := v.decide(ctx, s, name, chain)
	decision.LeafFingerprint = leafID
	v.account(decision)
	if cacheable(decision) {
		v.mu.RLock()
		if v.generation == s.generation {
			s.decisions.Add(key, decision)
		}
		v.mu.RUnlock()
	}
	return decision
}

func (v *Validator) decide(ctx context.Context, s snapshot, name string, chain [][]byte) *trust.TrustDecision {
	leafID, _, err := v.store.AddChainIfAbsent(chain[0], chain[1:])
	if err != nil {
		return trust.NegativeDecision(name, common.SHA256Output{},
			common.NewInternalError("Decide | chain presented by %s: %s", name, err))
	}
	entries, err := v.store.GetChainByHash(leafID)
	if err != nil {
		return trust.NegativeDecision(name, leafID, err)
	}

	records, err := queryServers(ctx, s, name)
	if err != nil {
		if errors.Is(err, common.ErrQuorum) {
			quorumFailures.Inc()
		}
		return trust.NegativeDecision(name, leafID, err)
	}

	decision := s.resolver.Resolve(name, entries, records)
	decision.ValidUntil = v.now().Add(s.cfg.CacheTimeout.Duration)
	if notAfter := entries[0].NotAfter; notAfter.Before(decision.ValidUntil) {
		decision.ValidUntil = notAfter
	}
	return decision
}

// queryServers fetches the records of name from every queried map server concurrently, and
// keeps those a quorum of servers agree on.
func queryServers(ctx context.Context, s snapshot, name string) ([]*mapCommon.DomainRecord, error) {
	servers := s.cfg.QueriedMapServers()
	results := make([][]*mapCommon.DomainRecord, len(servers))
	errs := make([]error, len(servers))

	// Failures are collected per server: one failing server does not cancel the others.
	var g errgroup.Group
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			results[i], errs[i] = s.fetcher.FetchRecords(ctx, name, server, 0)
			return nil
		})
	}
	_ = g.Wait()
	return selectByQuorum(s.cfg.MapServerQuorum, servers, results, errs)
}

// cacheable returns true for decisions that do not depend on transient failures.
func cacheable(d *trust.TrustDecision) bool {
	return !d.ValidUntil.IsZero() && (d.Err == nil || errors.Is(d.Err, common.ErrValidation))
}

func (v *Validator) account(d *trust.TrustDecision) *trust.TrustDecision {
	decisionsTotal.WithLabelValues(string(d.Outcome), d.Mode.String()).Inc()
	return d
}

// CachedDecisions returns the decisions taken for the requests of a tab.
func (v *Validator) CachedDecisions(tabID int) []*trust.TrustDecision {
	v.mu.RLock()
	defer v.mu.RUnlock()
	decisions := make([]*trust.TrustDecision, len(v.tabs[tabID]))
	copy(decisions, v.tabs[tabID])
	return decisions
}

// OnTabClosed forgets the decisions of a tab and its requests still waiting for a check.
func (v *Validator) OnTabClosed(tabID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tabs, tabID)
	for id, state := range v.requests {
		if state.tabID == tabID {
			delete(v.requests, id)
		}
	}
}

// Stats returns the counters of the validator.
func (v *Validator) Stats() Stats {
	s := v.snapshot()
	v.mu.RLock()
	pending := len(v.requests)
	v.mu.RUnlock()
	return Stats{
		Stats:              s.fetcher.Stats(),
		ParsedCertificates: v.store.ParsedCertificates(),
		StoredCertificates: v.store.Len(),
		CachedDecisions:    s.decisions.Len(),
		PendingRequests:    pending,
	}
}

func normalize(domainName string) string {
	return strings.TrimSuffix(strings.ToLower(domainName), ".")
}
