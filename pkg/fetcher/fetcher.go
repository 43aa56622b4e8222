// Package fetcher retrieves and verifies the records map servers publish for a domain. Fetches
// are cached per domain and map server, deduplicated while in flight, and retried on network
// failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/netsec-ethz/fpki-validator/pkg/cache"
	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/domain"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
)

// Stats are counters since the creation of the fetcher.
type Stats struct {
	Attempts     int64 // Fetch attempts, each with its own timeout.
	NetworkCalls int64 // HTTP requests sent.
}

type Fetcher struct {
	client   *http.Client
	store    *cache.CertStore
	policies *cache.PolicyCache
	pending  singleflight.Group

	cacheTimeout time.Duration
	timeout      time.Duration
	maxTries     int
	retryDelay   time.Duration

	attempts     atomic.Int64
	networkCalls atomic.Int64
}

type Option func(*Fetcher)

// WithHTTPClient sets the client used to reach the map servers.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// New creates a fetcher with the timeouts and retry parameters of cfg. Verified records are kept
// in policies; certificates and policies fetched by ID are stored in store.
func New(cfg *config.Config, store *cache.CertStore, policies *cache.PolicyCache,
	opts ...Option) *Fetcher {

	f := &Fetcher{
		client:       http.DefaultClient,
		store:        store,
		policies:     policies,
		cacheTimeout: cfg.CacheTimeout.Duration,
		timeout:      cfg.ProofFetchTimeout.Duration,
		maxTries:     cfg.ProofFetchMaxTries,
		retryDelay:   cfg.ProofFetchRetryDelay.Duration,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchRecords returns the verified records of the hierarchy of name (E2LD first) published by
// server. A cached entry is used if now - timestamp < cache timeout - slack. Concurrent calls
// for the same domain and server share one fetch. A waiter leaving because of ctx does not
// cancel the fetch for the others.
func (f *Fetcher) FetchRecords(ctx context.Context, name string, server config.MapServer,
	slack time.Duration) ([]*mapCommon.DomainRecord, error) {

	if entry, ok := f.policies.Fresh(name, server.Identity, f.cacheTimeout, slack); ok {
		policyCacheHits.Inc()
		return entry.Records, nil
	}
	querier, err := f.NewQuerier(server)
	if err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	ch := f.pending.DoChan(name+"|"+server.Identity, func() (any, error) {
		return f.fetch(detached, name, server, querier, slack)
	})
	select {
	case res := <-ch:
		if res.Shared {
			dedupJoins.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*mapCommon.DomainRecord), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: FetchRecords | %s from %s | %w",
			common.ErrNetwork, name, server.Identity, ctx.Err())
	}
}

// fetch runs the retry loop and stores the records with the time of the request.
func (f *Fetcher) fetch(ctx context.Context, name string, server config.MapServer,
	querier Querier, slack time.Duration) ([]*mapCommon.DomainRecord, error) {

	// Another flight may have finished between the cache check and this one starting.
	if entry, ok := f.policies.Fresh(name, server.Identity, f.cacheTimeout, slack); ok {
		policyCacheHits.Inc()
		return entry.Records, nil
	}
	domains, err := domain.ParseDomainName(name)
	if err != nil {
		return nil, fmt.Errorf("fetch | %q | %w", name, err)
	}
	generation := f.policies.Generation()
	requested := f.policies.Now()

	var records []*mapCommon.DomainRecord
	for try := 1; try <= f.maxTries; try++ {
		if try > 1 {
			if err := sleepWithContext(ctx, f.retryDelay); err != nil {
				return nil, fmt.Errorf("%w: fetch | %w", common.ErrNetwork, err)
			}
		}
		records, err = f.attempt(ctx, querier, name, domains)
		if err == nil {
			fetchAttempts.WithLabelValues(outcomeSuccess).Inc()
			break
		}
		if errors.Is(err, common.ErrProofVerification) {
			fetchAttempts.WithLabelValues(outcomeProof).Inc()
			glog.Warningf("map server %s: proofs for %s do not verify: %s", server.Identity, name, err)
			return nil, err
		}
		if errors.Is(err, common.ErrInvalidConfig) || errors.Is(err, common.ErrInternal) {
			return nil, err
		}
		fetchAttempts.WithLabelValues(outcomeNetwork).Inc()
		glog.V(1).Infof("map server %s: attempt %d/%d for %s failed: %s",
			server.Identity, try, f.maxTries, name, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch | %s from %s after %d attempts | %w",
			common.ErrNetwork, name, server.Identity, f.maxTries, err)
	}

	stored := f.policies.Append(name, generation, &cache.PolicyCacheEntry{
		Timestamp: requested,
		MapServer: server.Identity,
		Records:   records,
	})
	if !stored {
		glog.V(1).Infof("dropping records of %s from %s: caches were reset", name, server.Identity)
	}
	return records, nil
}

// attempt is one try, bounded by the fetch timeout.
func (f *Fetcher) attempt(ctx context.Context, querier Querier, name string, domains []string) (
	[]*mapCommon.DomainRecord, error) {

	f.attempts.Inc()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return querier.Records(ctx, name, domains)
}

// Stats returns the counters of the fetcher.
func (f *Fetcher) Stats() Stats {
	return Stats{
		Attempts:     f.attempts.Load(),
		NetworkCalls: f.networkCalls.Load(),
	}
}

// Reset removes all cached records. Fetches in flight finish, but their records are not stored.
func (f *Fetcher) Reset() {
	f.policies.Reset()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
