// Package trust decides whether the certificate chain presented by a domain is acceptable,
// given the records map servers publish for the domain and the trust preferences of the user.
//
// Two modes exist. Policy mode applies the policies of trusted PCAs: the CAs allowed to issue
// for the domain, and the subdomains its parent allows. Legacy mode looks for certificates of
// the domain issued under CAs more trusted than the one of the connection. Policy mode takes
// precedence whenever it has at least one applicable check.
package trust

import (
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/netsec-ethz/fpki-validator/pkg/cache"
	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/domain"
	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
	"github.com/netsec-ethz/fpki-validator/pkg/util"
)

type Resolver struct {
	cfg   *config.Config
	store *cache.CertStore
}

// NewResolver returns a resolver using the preferences and CA sets of cfg. Certificates found
// in the records are added to store.
func NewResolver(cfg *config.Config, store *cache.CertStore) *Resolver {
	return &Resolver{
		cfg:   cfg,
		store: store,
	}
}

// Resolve decides on the connection to domainName presenting chain (leaf first). records are
// the verified records of the hierarchy of domainName.
func (r *Resolver) Resolve(domainName string, chain []*cache.CertEntry,
	records []*mapCommon.DomainRecord) *TrustDecision {

	if len(chain) == 0 {
		return NegativeDecision(domainName, common.SHA256Output{},
			common.NewInternalError("Resolve | empty chain for %s", domainName))
	}
	decision := &TrustDecision{
		Domain:          domainName,
		LeafFingerprint: chain[0].ID,
		Mode:            ModePolicy,
	}

	evaluations := r.policyValidate(domainName, chain, records)
	if len(evaluations) == 0 {
		decision.Mode = ModeLegacy
		var err error
		if evaluations, err = r.legacyValidate(domainName, chain, records); err != nil {
			decision.Outcome = OutcomeNegative
			decision.Err = err
			return decision
		}
	}
	decision.Evaluations = evaluations

	violations := decision.Violations()
	switch {
	case len(violations) == 0:
		decision.Outcome = OutcomePositive
	case decision.Mode == ModePolicy:
		decision.Outcome = OutcomeNegative
		decision.Err = &common.PolicyValidationError{Violations: violations}
	default:
		decision.Outcome = OutcomeNegative
		decision.Err = &common.LegacyValidationError{Violations: violations}
	}
	glog.V(2).Infof("decision: %s", decision)
	return decision
}

// RootSubject returns the subject of the root CA of the chain (leaf first). If the root is not
// part of the chain, the issuer of the top certificate is returned.
func RootSubject(chain []*cache.CertEntry) string {
	top := chain[len(chain)-1].Cert
	if common.IsSelfIssued(top) {
		return common.SubjectString(top)
	}
	return common.IssuerString(top)
}

// policyValidate applies the policies of the PCAs with the highest level for domainName.
// Policies of PCAs without a configured preference are ignored. Returns the applicable checks.
func (r *Resolver) policyValidate(domainName string, chain []*cache.CertEntry,
	records []*mapCommon.DomainRecord) []Evaluation {

	var evaluations []Evaluation

	// Policies of the domain itself: the root CA of the connection must be trusted.
	// Intermediates named in TrustedCA do not count.
	if record := findRecord(records, domainName); record != nil {
		root := RootSubject(chain)
		for _, p := range r.topPolicies(record, domainName) {
			trusted := p.Policy.Policies.TrustedCA
			if len(trusted) == 0 {
				continue
			}
			eval := Evaluation{
				Domain:    record.Domain,
				Check:     CheckTrustedCA,
				Authority: p.Authority,
				Level:     p.level,
			}
			if !slices.Contains(trusted, root) {
				eval.Violation = &common.Violation{
					Domain:    domainName,
					Subject:   root,
					Authority: p.Authority,
					Level:     p.level,
					Reason:    ReasonUntrustedCA,
				}
			}
			evaluations = append(evaluations, eval)
		}
	}

	// Policy of the direct parent: the domain must be an allowed subdomain.
	if parent, ok := domain.Parent(domainName); ok {
		if record := findRecord(records, parent); record != nil {
			if top := r.topPolicies(record, domainName); len(top) > 0 {
				p := top[0]
				allowed := p.Policy.Policies.AllowedSubdomains
				if len(allowed) > 0 {
					eval := Evaluation{
						Domain:    record.Domain,
						Check:     CheckAllowedSubdomains,
						Authority: p.Authority,
						Level:     p.level,
					}
					if !slices.Contains(allowed, domainName) {
						eval.Violation = &common.Violation{
							Domain:    parent,
							Subject:   domainName,
							Authority: p.Authority,
							Level:     p.level,
							Reason:    ReasonNotAllowed(domainName),
						}
					}
					evaluations = append(evaluations, eval)
				}
			}
		}
	}
	return evaluations
}

type leveledPolicy struct {
	mapCommon.AuthorityEntry
	level int
}

// topPolicies returns the policies of record whose PCA has the highest level for domainName.
func (r *Resolver) topPolicies(record *mapCommon.DomainRecord, domainName string) []leveledPolicy {
	var top []leveledPolicy
	for _, entry := range record.Policies() {
		level, ok := LevelFor(r.cfg.PolicyTrustPreference, entry.Authority, domainName)
		if !ok {
			continue
		}
		switch {
		case len(top) == 0 || level > top[0].level:
			top = []leveledPolicy{{AuthorityEntry: entry, level: level}}
		case level == top[0].level:
			top = append(top, leveledPolicy{AuthorityEntry: entry, level: level})
		}
	}
	return top
}

type candidate struct {
	record *mapCommon.DomainRecord
	cert   *cache.CertEntry
	root   string
	level  int
	caSet  string
}

// legacyValidate looks for certificates covering domainName issued under a CA more trusted
// than the root of the connection. Such a certificate is a violation unless it certifies the
// same public key as the connection.
func (r *Resolver) legacyValidate(domainName string, chain []*cache.CertEntry,
	records []*mapCommon.DomainRecord) ([]Evaluation, error) {

	connLevel, _ := SubjectLevel(r.cfg, RootSubject(chain), domainName)

	candidates, err := r.candidates(domainName, records)
	if err != nil {
		return nil, err
	}
	maxLevel := 0
	for _, c := range candidates {
		if c.level > maxLevel {
			maxLevel = c.level
		}
	}
	if maxLevel <= connLevel {
		return nil, nil
	}

	var evaluations []Evaluation
	leaf := chain[0]
	for _, c := range candidates {
		if c.level != maxLevel {
			continue
		}
		eval := Evaluation{
			Domain:    c.record.Domain,
			Check:     CheckHigherTrustCA,
			Authority: c.caSet,
			Level:     c.level,
		}
		if c.cert.PublicKeyHash != leaf.PublicKeyHash {
			eval.Violation = &common.Violation{
				Domain:    domainName,
				Subject:   c.root,
				Authority: c.caSet,
				Level:     c.level,
				Reason:    ReasonHigherTrustCA,
			}
		}
		evaluations = append(evaluations, eval)
	}
	return evaluations, nil
}

// candidates returns the certificates of the records that cover domainName, with the level of
// the CA they were issued under.
func (r *Resolver) candidates(domainName string, records []*mapCommon.DomainRecord) (
	[]candidate, error) {

	var candidates []candidate
	for _, record := range records {
		for _, entry := range record.Entries {
			for i, raw := range entry.Certs {
				var chain [][]byte
				if i < len(entry.Chains) {
					chain = entry.Chains[i]
				}
				id, _, err := r.store.AddChainIfAbsent(raw, chain)
				if err != nil {
					return nil, fmt.Errorf("%w: legacyValidate | certificate %d of %s in %s | %w",
						common.ErrNetwork, i, entry.Authority, record.Domain, err)
				}
				cert, ok := r.store.Get(id)
				if !ok {
					// The store was reset concurrently.
					return nil, common.NewInternalError("legacyValidate | certificate %s vanished", id)
				}
				if !coversDomain(cert, domainName) {
					continue
				}
				level, caSet := SubjectLevel(r.cfg, entry.Authority, domainName)
				candidates = append(candidates, candidate{
					record: record,
					cert:   cert,
					root:   entry.Authority,
					level:  level,
					caSet:  caSet,
				})
			}
		}
	}
	return candidates, nil
}

func coversDomain(cert *cache.CertEntry, domainName string) bool {
	return slices.ContainsFunc(util.ExtractCertDomains(cert.Cert), func(name string) bool {
		return domain.CertNameMatches(name, domainName)
	})
}

func findRecord(records []*mapCommon.DomainRecord, domainName string) *mapCommon.DomainRecord {
	for _, r := range records {
		if r.Domain == domainName {
			return r
		}
	}
	return nil
}
