package trust_test

import (
	"crypto"
	"testing"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/stretchr/testify/require"

	"github.com/netsec-ethz/fpki-validator/pkg/cache"
	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/tests/random"
	"github.com/netsec-ethz/fpki-validator/pkg/trust"
)

// connection adds the presented chain to the store and returns it, leaf first.
func connection(t *testing.T, store *cache.CertStore, leaf *ctx509.Certificate,
	chain ...*ctx509.Certificate) []*cache.CertEntry {

	id, _, err := store.AddChainIfAbsent(leaf.Raw, random.RawChain(chain...))
	require.NoError(t, err)
	entries, err := store.GetChainByHash(id)
	require.NoError(t, err)
	return entries
}

func certEntry(leaf *ctx509.Certificate, chain ...*ctx509.Certificate) mapCommon.AuthorityEntry {
	return mapCommon.AuthorityEntry{
		Authority: mapCommon.RootSubject(leaf, chain),
		Certs:     [][]byte{leaf.Raw},
		Chains:    [][][]byte{random.RawChain(chain...)},
	}
}

func policyEntry(subject, pca string, policy common.DomainPolicy) mapCommon.AuthorityEntry {
	return mapCommon.AuthorityEntry{
		Authority: pca,
		Policy:    common.NewSP(subject, policy, time.Unix(100, 0), pca, 1),
	}
}

func record(domainName string, entries ...mapCommon.AuthorityEntry) *mapCommon.DomainRecord {
	r := &mapCommon.DomainRecord{Domain: domainName, ProofType: mapCommon.PoA}
	if len(entries) > 0 {
		r.ProofType = mapCommon.PoP
		r.Entries = entries
	}
	return r
}

// TestScenarioA: no preference and no records, the connection is accepted without checks.
func TestScenarioA(t *testing.T) {
	cfg := config.DefaultConfig()
	store := cache.NewCertStore()
	root := random.NewRootCA(t, "Some Root")
	chain := connection(t, store, root.IssueLeaf(t, "a.example.com", nil), root.Cert)

	decision := trust.NewResolver(cfg, store).Resolve("a.example.com", chain,
		[]*mapCommon.DomainRecord{record("example.com"), record("a.example.com")})
	require.True(t, decision.Positive())
	require.Equal(t, trust.ModeLegacy, decision.Mode)
	require.Empty(t, decision.Evaluations)
	require.NoError(t, decision.Err)
	require.Equal(t, chain[0].ID, decision.LeafFingerprint)
}

// TestScenarioB: a certificate issued under a more trusted CA reveals the connection.
func TestScenarioB(t *testing.T) {
	cases := map[string]struct {
		connectionRoot string
		sameKey        bool
		positive       bool
		evaluations    int
	}{
		"different_key": {
			connectionRoot: "Evil Root",
			positive:       false,
			evaluations:    1,
		},
		"same_key": {
			connectionRoot: "Evil Root",
			sameKey:        true,
			positive:       true,
			evaluations:    1,
		},
		"connection_equally_trusted": {
			connectionRoot: "High Root",
			positive:       true,
			evaluations:    0,
		},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			cfg.CASets = map[string][]string{"HighAssuranceCA": {"CN=High Root"}}
			cfg.LegacyTrustPreference = config.Preferences{
				"*.bank.com": {{CASet: "HighAssuranceCA", Level: 5}},
			}
			require.NoError(t, cfg.Validate())
			store := cache.NewCertStore()

			high := random.NewRootCA(t, "High Root")
			connRoot := high
			if tc.connectionRoot != "High Root" {
				connRoot = random.NewRootCA(t, tc.connectionRoot)
			}
			key := random.NewKey(t)
			connLeaf := connRoot.IssueLeaf(t, "pay.bank.com", key)
			var otherKey crypto.Signer
			if tc.sameKey {
				otherKey = key
			}
			onFile := high.IssueLeaf(t, "pay.bank.com", otherKey)

			chain := connection(t, store, connLeaf, connRoot.Cert)
			records := []*mapCommon.DomainRecord{
				record("bank.com"),
				record("pay.bank.com", certEntry(onFile, high.Cert)),
			}
			decision := trust.NewResolver(cfg, store).Resolve("pay.bank.com", chain, records)
			require.Equal(t, tc.positive, decision.Positive())
			require.Equal(t, trust.ModeLegacy, decision.Mode)
			require.Len(t, decision.Evaluations, tc.evaluations)
			if tc.positive {
				require.NoError(t, decision.Err)
				return
			}
			require.ErrorIs(t, decision.Err, common.ErrValidation)
			var legacyErr *common.LegacyValidationError
			require.ErrorAs(t, decision.Err, &legacyErr)
			require.Len(t, legacyErr.Violations, 1)
			v := legacyErr.Violations[0]
			require.Equal(t, trust.ReasonHigherTrustCA, v.Reason)
			require.Equal(t, "CN=High Root", v.Subject)
			require.Equal(t, "HighAssuranceCA", v.Authority)
			require.Equal(t, 5, v.Level)
		})
	}
}

// TestLegacyIgnoresOtherNames: certificates on file for other names of the hierarchy do not
// count.
func TestLegacyIgnoresOtherNames(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CASets = map[string][]string{"HighAssuranceCA": {"CN=High Root"}}
	cfg.LegacyTrustPreference = config.Preferences{
		"*.bank.com": {{CASet: "HighAssuranceCA", Level: 5}},
	}
	store := cache.NewCertStore()
	high := random.NewRootCA(t, "High Root")
	evil := random.NewRootCA(t, "Evil Root")
	chain := connection(t, store, evil.IssueLeaf(t, "pay.bank.com", nil), evil.Cert)

	records := []*mapCommon.DomainRecord{
		record("bank.com", certEntry(high.IssueLeaf(t, "bank.com", nil), high.Cert)),
		record("pay.bank.com"),
	}
	decision := trust.NewResolver(cfg, store).Resolve("pay.bank.com", chain, records)
	require.True(t, decision.Positive())

	// A wildcard certificate of the parent covers the domain.
	records[0] = record("bank.com", certEntry(high.IssueLeaf(t, "*.bank.com", nil), high.Cert))
	decision = trust.NewResolver(cfg, store).Resolve("pay.bank.com", chain, records)
	require.False(t, decision.Positive())
}

// TestScenarioC: the parent domain restricts its subdomains.
func TestScenarioC(t *testing.T) {
	cases := map[string]struct {
		allowed  []string
		positive bool
	}{
		"allowed":     {allowed: []string{"x.y.com"}, positive: true},
		"not_allowed": {allowed: []string{"z.y.com"}, positive: false},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			store := cache.NewCertStore()
			root := random.NewRootCA(t, "Root")
			chain := connection(t, store, root.IssueLeaf(t, "x.y.com", nil), root.Cert)

			records := []*mapCommon.DomainRecord{
				record("y.com", policyEntry("y.com", "pca",
					common.DomainPolicy{AllowedSubdomains: tc.allowed})),
				record("x.y.com"),
			}
			decision := trust.NewResolver(cfg, store).Resolve("x.y.com", chain, records)
			require.Equal(t, tc.positive, decision.Positive())
			require.Equal(t, trust.ModePolicy, decision.Mode)
			require.Len(t, decision.Evaluations, 1)
			require.Equal(t, trust.CheckAllowedSubdomains, decision.Evaluations[0].Check)
			if tc.positive {
				require.NoError(t, decision.Err)
				return
			}
			var policyErr *common.PolicyValidationError
			require.ErrorAs(t, decision.Err, &policyErr)
			require.ErrorIs(t, decision.Err, common.ErrValidation)
			require.Len(t, policyErr.Violations, 1)
			require.Equal(t, "domain not allowed: x.y.com", policyErr.Violations[0].Reason)
			require.Equal(t, "pca", policyErr.Violations[0].Authority)
		})
	}
}

// TestTrustedCA: the policy of the domain restricts the CAs of the connection.
func TestTrustedCA(t *testing.T) {
	root := random.NewRootCA(t, "Root")
	inter := root.IssueCA(t, "Intermediate")
	leaf := inter.IssueLeaf(t, "x.y.com", nil)

	cases := map[string]struct {
		trusted  []string
		chain    []*ctx509.Certificate
		positive bool
	}{
		"root":              {trusted: []string{"CN=Root"}, chain: []*ctx509.Certificate{inter.Cert, root.Cert}, positive: true},
		"root_not_sent":     {trusted: []string{"CN=Root"}, chain: []*ctx509.Certificate{inter.Cert}, positive: true},
		"intermediate":      {trusted: []string{"CN=Intermediate"}, chain: []*ctx509.Certificate{inter.Cert, root.Cert}, positive: false},
		"root_and_inter":    {trusted: []string{"CN=Intermediate", "CN=Root"}, chain: []*ctx509.Certificate{inter.Cert, root.Cert}, positive: true},
		"other_ca":          {trusted: []string{"CN=Other"}, chain: []*ctx509.Certificate{inter.Cert, root.Cert}, positive: false},
		"several_trusted":   {trusted: []string{"CN=Other", "CN=Root"}, chain: []*ctx509.Certificate{inter.Cert, root.Cert}, positive: true},
		"leaf_subject_only": {trusted: []string{"CN=x.y.com"}, chain: []*ctx509.Certificate{inter.Cert, root.Cert}, positive: false},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			store := cache.NewCertStore()
			chain := connection(t, store, leaf, tc.chain...)
			records := []*mapCommon.DomainRecord{
				record("y.com"),
				record("x.y.com", policyEntry("x.y.com", "pca",
					common.DomainPolicy{TrustedCA: tc.trusted})),
			}
			decision := trust.NewResolver(cfg, store).Resolve("x.y.com", chain, records)
			require.Equal(t, tc.positive, decision.Positive())
			require.Equal(t, trust.ModePolicy, decision.Mode)
			require.Len(t, decision.Evaluations, 1)
			if !tc.positive {
				require.Equal(t, trust.ReasonUntrustedCA, decision.Violations()[0].Reason)
				require.Equal(t, "CN=Root", decision.Violations()[0].Subject)
			}
		})
	}
}

// TestTrustedCAUntrustedRoot: a trusted intermediate does not make a chain under an untrusted
// root acceptable.
func TestTrustedCAUntrustedRoot(t *testing.T) {
	root := random.NewRootCA(t, "UntrustedRoot")
	inter := root.IssueCA(t, "Intermediate")
	leaf := inter.IssueLeaf(t, "x.y.com", nil)

	store := cache.NewCertStore()
	chain := connection(t, store, leaf, inter.Cert, root.Cert)
	records := []*mapCommon.DomainRecord{
		record("y.com"),
		record("x.y.com", policyEntry("x.y.com", "pca",
			common.DomainPolicy{TrustedCA: []string{"CN=Intermediate"}})),
	}
	decision := trust.NewResolver(config.DefaultConfig(), store).Resolve("x.y.com", chain, records)
	require.False(t, decision.Positive())
	require.Equal(t, trust.ModePolicy, decision.Mode)
	require.Len(t, decision.Violations(), 1)
	require.Equal(t, "CN=UntrustedRoot", decision.Violations()[0].Subject)
	require.ErrorIs(t, decision.Err, common.ErrValidation)
}

// TestPolicyLevels: only the PCAs with the highest level apply, PCAs without preference never.
func TestPolicyLevels(t *testing.T) {
	root := random.NewRootCA(t, "Root")
	leaf := root.IssueLeaf(t, "x.y.com", nil)
	restrictive := common.DomainPolicy{TrustedCA: []string{"CN=Other"}}
	permissive := common.DomainPolicy{TrustedCA: []string{"CN=Root"}}

	cases := map[string]struct {
		prefs    config.Preferences
		mode     trust.Mode
		checks   int
		positive bool
	}{
		"high_level_wins": {
			prefs: config.Preferences{
				"*":         {{PCA: "low", Level: 1}},
				"*.y.com":   {{PCA: "high", Level: 2}},
				"other.com": {{PCA: "low", Level: 9}},
			},
			mode:     trust.ModePolicy,
			checks:   1,
			positive: true,
		},
		"same_level_all_apply": {
			prefs: config.Preferences{
				"*": {{PCA: "low", Level: 1}, {PCA: "high", Level: 1}},
			},
			mode:     trust.ModePolicy,
			checks:   2,
			positive: false,
		},
		"low_level_more_specific": {
			prefs: config.Preferences{
				"*":       {{PCA: "high", Level: 2}},
				"x.y.com": {{PCA: "low", Level: 3}},
			},
			mode:     trust.ModePolicy,
			checks:   1,
			positive: false,
		},
		"unconfigured_pcas": {
			prefs:    config.Preferences{"*": {{PCA: "pca", Level: 1}}},
			mode:     trust.ModeLegacy,
			checks:   0,
			positive: true,
		},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			cfg.PolicyTrustPreference = tc.prefs
			store := cache.NewCertStore()
			chain := connection(t, store, leaf, root.Cert)
			records := []*mapCommon.DomainRecord{
				record("y.com"),
				record("x.y.com",
					policyEntry("x.y.com", "low", restrictive),
					policyEntry("x.y.com", "high", permissive)),
			}
			decision := trust.NewResolver(cfg, store).Resolve("x.y.com", chain, records)
			require.Equal(t, tc.mode, decision.Mode)
			require.Len(t, decision.Evaluations, tc.checks)
			require.Equal(t, tc.positive, decision.Positive())
		})
	}
}

// TestPolicyPrecedence: when policy mode has a check, legacy mode is not evaluated.
func TestPolicyPrecedence(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CASets = map[string][]string{"HighAssuranceCA": {"CN=High Root"}}
	cfg.LegacyTrustPreference = config.Preferences{
		"*": {{CASet: "HighAssuranceCA", Level: 5}},
	}
	store := cache.NewCertStore()
	high := random.NewRootCA(t, "High Root")
	root := random.NewRootCA(t, "Root")
	chain := connection(t, store, root.IssueLeaf(t, "x.y.com", nil), root.Cert)

	records := []*mapCommon.DomainRecord{
		record("y.com", policyEntry("y.com", "pca",
			common.DomainPolicy{AllowedSubdomains: []string{"x.y.com"}})),
		record("x.y.com", certEntry(high.IssueLeaf(t, "x.y.com", nil), high.Cert)),
	}
	decision := trust.NewResolver(cfg, store).Resolve("x.y.com", chain, records)
	require.True(t, decision.Positive())
	require.Equal(t, trust.ModePolicy, decision.Mode)

	// Without the policy, legacy mode finds the more trusted certificate.
	records[0] = record("y.com")
	decision = trust.NewResolver(cfg, store).Resolve("x.y.com", chain, records)
	require.False(t, decision.Positive())
	require.Equal(t, trust.ModeLegacy, decision.Mode)
}

// TestResolveErrors: unusable inputs yield negative decisions carrying the error.
func TestResolveErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	store := cache.NewCertStore()
	decision := trust.NewResolver(cfg, store).Resolve("a.com", nil, nil)
	require.False(t, decision.Positive())
	require.ErrorIs(t, decision.Err, common.ErrInternal)

	root := random.NewRootCA(t, "Root")
	chain := connection(t, store, root.IssueLeaf(t, "a.com", nil), root.Cert)
	records := []*mapCommon.DomainRecord{
		record("a.com", mapCommon.AuthorityEntry{Authority: "CN=Root", Certs: [][]byte{[]byte("garbage")}}),
	}
	decision = trust.NewResolver(cfg, store).Resolve("a.com", chain, records)
	require.False(t, decision.Positive())
	require.ErrorIs(t, decision.Err, common.ErrNetwork)
}
