package fetcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsec-ethz/fpki-validator/pkg/cache"
	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/fetcher"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/tests"
	"github.com/netsec-ethz/fpki-validator/pkg/tests/mapserver"
	"github.com/netsec-ethz/fpki-validator/pkg/tests/random"
)

type testEnv struct {
	cfg      *config.Config
	server   *mapserver.Server
	store    *cache.CertStore
	policies *cache.PolicyCache
	fetcher  *fetcher.Fetcher
}

func newTestEnv(t *testing.T, queryType config.QueryType, modify func(*config.Config)) *testEnv {
	server := mapserver.New(t, queryType)
	cfg := config.DefaultConfig()
	cfg.MapServers = []config.MapServer{server.MapServer("test")}
	cfg.ProofFetchTimeout.Duration = 2 * time.Second
	cfg.ProofFetchRetryDelay.Duration = 10 * time.Millisecond
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())
	store := cache.NewCertStore()
	policies := cache.NewPolicyCache()
	return &testEnv{
		cfg:      cfg,
		server:   server,
		store:    store,
		policies: policies,
		fetcher:  fetcher.New(cfg, store, policies),
	}
}

func (e *testEnv) fetch(ctx context.Context, name string) ([]*mapCommon.DomainRecord, error) {
	return e.fetcher.FetchRecords(ctx, name, e.cfg.MapServers[0], 0)
}

func recordOf(t *testing.T, records []*mapCommon.DomainRecord, name string) *mapCommon.DomainRecord {
	for _, r := range records {
		if r.Domain == name {
			return r
		}
	}
	require.FailNow(t, "no record", name)
	return nil
}

// TestFetchRecords: both query types return verified records for the hierarchy.
func TestFetchRecords(t *testing.T) {
	cases := map[string]struct {
		queryType config.QueryType
		calls     int64
	}{
		"entries": {queryType: config.QueryTypeEntries, calls: 1},
		"proofs":  {queryType: config.QueryTypeProofs, calls: 2},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, tc.queryType, nil)
			root := random.NewRootCA(t, "Root")
			inter := root.IssueCA(t, "Intermediate")
			leaf := inter.IssueLeaf(t, "a.example.com", nil)
			env.server.AddCert(t, leaf, inter.Cert, root.Cert)
			sp := common.NewSP("a.example.com",
				common.DomainPolicy{AllowedSubdomains: []string{"x.a.example.com"}},
				time.Unix(100, 0), "pca", 1)
			env.server.AddPolicy(t, sp)

			records, err := env.fetch(context.Background(), "a.example.com")
			require.NoError(t, err)
			require.Len(t, records, 2)
			require.False(t, recordOf(t, records, "example.com").Present())

			record := recordOf(t, records, "a.example.com")
			require.True(t, record.Present())
			require.Len(t, record.Entries, 2)
			require.Equal(t, "CN=Root", record.Entries[0].Authority)
			require.Equal(t, [][]byte{leaf.Raw}, record.Entries[0].Certs)
			require.Equal(t, [][][]byte{{inter.Cert.Raw, root.Cert.Raw}}, record.Entries[0].Chains)
			policies := record.Policies()
			require.Len(t, policies, 1)
			require.Equal(t, "pca", policies[0].Authority)
			require.True(t, sp.Equal(*policies[0].Policy))

			require.Equal(t, tc.calls, env.fetcher.Stats().NetworkCalls)
			require.EqualValues(t, 1, env.fetcher.Stats().Attempts)
			require.Equal(t, 1, env.policies.Len())
		})
	}
}

// TestFetchRecordsDedup: concurrent fetches of the same domain result in one network call.
func TestFetchRecordsDedup(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeEntries, nil)
	env.server.SetDelay(200 * time.Millisecond)

	const N = 8
	results := make([][]*mapCommon.DomainRecord, N)
	tests.TestOrTimeout(t, func(t tests.T) {
		wg := sync.WaitGroup{}
		wg.Add(N)
		for i := 0; i < N; i++ {
			i := i
			go func() {
				defer wg.Done()
				records, err := env.fetch(context.Background(), "a.example.com")
				require.NoError(t, err)
				results[i] = records
			}()
		}
		wg.Wait()
	}, tests.WithTimeout(5*time.Second))
	require.EqualValues(t, 1, env.server.Requests())
	for i := 1; i < N; i++ {
		require.Equal(t, results[0], results[i])
	}

	// Once finished, a new call is answered from the cache.
	_, err := env.fetch(context.Background(), "a.example.com")
	require.NoError(t, err)
	require.EqualValues(t, 1, env.server.Requests())
}

// TestFetchRecordsFreshness: the cached records are used iff now - t0 < timeout - slack.
func TestFetchRecordsFreshness(t *testing.T) {
	cases := map[string]struct {
		elapsed time.Duration
		slack   time.Duration
		cached  bool
	}{
		"fresh":          {elapsed: 10 * time.Minute, cached: true},
		"expired":        {elapsed: 2 * time.Hour, cached: false},
		"at_timeout":     {elapsed: time.Hour, cached: false},
		"within_slack":   {elapsed: 59 * time.Minute, slack: time.Minute, cached: false},
		"before_slack":   {elapsed: 58 * time.Minute, slack: time.Minute, cached: true},
		"slack_too_long": {elapsed: 0, slack: 2 * time.Hour, cached: false},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.QueryTypeEntries, func(c *config.Config) {
				c.CacheTimeout.Duration = time.Hour
			})
			t0 := time.Unix(1000, 0)
			var mu sync.Mutex
			now := t0
			env.policies.WithClock(func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			})

			_, err := env.fetch(context.Background(), "a.example.com")
			require.NoError(t, err)
			require.EqualValues(t, 1, env.server.Requests())

			mu.Lock()
			now = t0.Add(tc.elapsed)
			mu.Unlock()
			_, err = env.fetcher.FetchRecords(context.Background(), "a.example.com",
				env.cfg.MapServers[0], tc.slack)
			require.NoError(t, err)
			expected := int64(2)
			if tc.cached {
				expected = 1
			}
			require.Equal(t, expected, env.server.Requests())
		})
	}
}

// TestFetchRecordsRetryExhaustion: every attempt times out, exactly maxTries attempts are made.
func TestFetchRecordsRetryExhaustion(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeEntries, func(c *config.Config) {
		c.ProofFetchTimeout.Duration = 50 * time.Millisecond
		c.ProofFetchMaxTries = 3
	})
	env.server.SetDelay(time.Second)

	_, err := env.fetch(context.Background(), "a.example.com")
	require.ErrorIs(t, err, common.ErrNetwork)
	require.EqualValues(t, 3, env.fetcher.Stats().Attempts)
	require.EqualValues(t, 3, env.fetcher.Stats().NetworkCalls)
	require.Equal(t, 0, env.policies.Len())
}

// TestFetchRecordsRetry: transient failures are retried.
func TestFetchRecordsRetry(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeEntries, func(c *config.Config) {
		c.ProofFetchMaxTries = 3
	})
	env.server.FailNext(2)

	records, err := env.fetch(context.Background(), "a.example.com")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.EqualValues(t, 3, env.fetcher.Stats().Attempts)
}

// TestFetchRecordsProofFailure: a batch that does not verify is not retried.
func TestFetchRecordsProofFailure(t *testing.T) {
	cases := map[string]func([]*mapCommon.MapServerResponse){
		"tampered_root": func(responses []*mapCommon.MapServerResponse) {
			root := append([]byte{}, responses[1].PoI.Root...)
			root[0] ^= 1
			responses[1].PoI.Root = root
		},
		"tampered_entry": func(responses []*mapCommon.MapServerResponse) {
			responses[1].DomainEntryBytes = []byte(`{"CAEntry":[]}`)
		},
		"missing_parent": func(responses []*mapCommon.MapServerResponse) {
			responses[0].Domain = responses[1].Domain
		},
		"unexpected_domain": func(responses []*mapCommon.MapServerResponse) {
			responses[0].Domain = "b.example.com"
		},
	}
	for name, hook := range cases {
		hook := hook
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.QueryTypeEntries, func(c *config.Config) {
				c.ProofFetchMaxTries = 3
			})
			root := random.NewRootCA(t, "Root")
			env.server.AddCert(t, root.IssueLeaf(t, "a.example.com", nil), root.Cert)
			env.server.AddCert(t, root.IssueLeaf(t, "example.com", nil), root.Cert)
			env.server.SetResponseHook(hook)

			_, err := env.fetch(context.Background(), "a.example.com")
			require.ErrorIs(t, err, common.ErrProofVerification)
			require.EqualValues(t, 1, env.fetcher.Stats().Attempts)
			require.Equal(t, 0, env.policies.Len())
		})
	}
}

// TestFetchRecordsPayloadsByID: only the payloads missing in the store are requested.
func TestFetchRecordsPayloadsByID(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeProofs, nil)
	root := random.NewRootCA(t, "Root")
	inter := root.IssueCA(t, "Intermediate")
	env.server.AddCert(t, inter.IssueLeaf(t, "a.example.com", nil), inter.Cert, root.Cert)
	env.server.AddCert(t, inter.IssueLeaf(t, "b.example.com", nil), inter.Cert, root.Cert)

	_, err := env.fetch(context.Background(), "a.example.com")
	require.NoError(t, err)
	require.Equal(t, 3, env.store.Len())
	require.Equal(t, 1, env.server.Hits("/getpayloads"))

	_, err = env.fetch(context.Background(), "b.example.com")
	require.NoError(t, err)
	require.Equal(t, 4, env.store.Len())
	require.Equal(t, 2, env.server.Hits("/getpayloads"))

	// Everything is already in the store: no payloads are requested.
	env.fetcher.Reset()
	records, err := env.fetch(context.Background(), "a.example.com")
	require.NoError(t, err)
	require.Equal(t, 2, env.server.Hits("/getpayloads"))
	require.Equal(t, 3, env.server.Hits("/getproof"))
	require.Len(t, recordOf(t, records, "a.example.com").Entries, 1)
}

// TestFetchRecordsMissingPayload: a server omitting a requested ID fails with a network error.
func TestFetchRecordsMissingPayload(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeProofs, func(c *config.Config) {
		c.ProofFetchMaxTries = 2
	})
	root := random.NewRootCA(t, "Root")
	env.server.AddCert(t, root.IssueLeaf(t, "a.example.com", nil), root.Cert)
	env.server.OmitPayloads(true)

	_, err := env.fetch(context.Background(), "a.example.com")
	require.ErrorIs(t, err, common.ErrNetwork)
	require.EqualValues(t, 2, env.fetcher.Stats().Attempts)
	require.Equal(t, 0, env.store.Len())
}

// TestFetchRecordsUnknownQueryType: the query type is checked before any network access.
func TestFetchRecordsUnknownQueryType(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeEntries, nil)
	server := env.cfg.MapServers[0]
	server.QueryType = "ftp"
	_, err := env.fetcher.FetchRecords(context.Background(), "a.example.com", server, 0)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
	require.EqualValues(t, 0, env.server.Requests())
}

// TestFetchRecordsWaiterLeaves: a waiter giving up does not cancel the shared fetch.
func TestFetchRecordsWaiterLeaves(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeEntries, nil)
	env.server.SetDelay(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.fetch(ctx, "a.example.com")
	require.ErrorIs(t, err, common.ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return env.policies.Len() == 1 },
		2*time.Second, 10*time.Millisecond)
	_, err = env.fetch(context.Background(), "a.example.com")
	require.NoError(t, err)
	require.EqualValues(t, 1, env.server.Requests())
}

// TestFetchRecordsReset: records of a fetch started before a reset are not stored.
func TestFetchRecordsReset(t *testing.T) {
	env := newTestEnv(t, config.QueryTypeEntries, nil)
	_, err := env.fetch(context.Background(), "a.example.com")
	require.NoError(t, err)
	require.Equal(t, 1, env.policies.Len())

	env.fetcher.Reset()
	require.Equal(t, 0, env.policies.Len())

	env.server.SetDelay(100 * time.Millisecond)
	done := make(chan error)
	go func() {
		_, err := env.fetch(context.Background(), "a.example.com")
		done <- err
	}()
	require.Eventually(t, func() bool { return env.server.Requests() == 2 },
		time.Second, 5*time.Millisecond)
	env.fetcher.Reset()
	require.NoError(t, <-done)
	require.Equal(t, 0, env.policies.Len())
}
