package domain

import (
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ValidatePattern checks a trust preference pattern: "*", "*.suffix" or an exact domain.
// A wildcard anywhere but the single leading label is rejected.
func ValidatePattern(pattern string) error {
	if pattern == Wildcard {
		return nil
	}
	base := removeWildCard(pattern)
	if strings.Contains(base, "*") || !IsValidDomain(pattern) {
		return fmt.Errorf("%w: pattern %q", InvalidDomainNameErr, pattern)
	}
	return nil
}

// MatchPattern returns true if pattern applies to domain. "*.suffix" matches both the
// subdomains of suffix and suffix itself.
func MatchPattern(pattern, domain string) bool {
	switch {
	case pattern == Wildcard:
		return true
	case pattern == domain:
		return true
	case IsWildcard(pattern):
		base := pattern[2:]
		return domain == base || strings.HasSuffix(domain, "."+base)
	}
	return false
}

// Specificity ranks patterns: an exact domain is more specific than its wildcard form, which
// is more specific than any pattern for a parent domain. "*" ranks lowest.
func Specificity(pattern string) int {
	if pattern == Wildcard {
		return 0
	}
	labels := strings.Count(removeWildCard(pattern), ".") + 1
	if IsWildcard(pattern) {
		return 2 * labels
	}
	return 2*labels + 1
}

// Hierarchy returns the patterns from which domain inherits preferences, most specific
// first: the domain, its wildcard form, then each ancestor and its wildcard form, stopping
// before the public suffix, and finally "*".
// eg: x.y.com -> x.y.com *.x.y.com y.com *.y.com *
func Hierarchy(domain string) []string {
	var patterns []string
	cur := domain
	if IsWildcard(domain) {
		patterns = append(patterns, domain)
		cur = domain[2:]
	}
	for cur != "" && !isPublicSuffix(cur) {
		patterns = append(patterns, cur)
		if w := "*." + cur; w != domain {
			patterns = append(patterns, w)
		}
		cur = parentOf(cur)
	}
	return append(patterns, Wildcard)
}

// Parent returns the direct parent of domain, unless it is a public suffix.
func Parent(domain string) (string, bool) {
	p := parentOf(removeWildCard(domain))
	if p == "" || isPublicSuffix(p) {
		return "", false
	}
	return p, true
}

// CertNameMatches returns true if a certificate name (DNS SAN or common name) covers domain.
// A wildcard name covers exactly one extra label.
func CertNameMatches(name, domain string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	domain = strings.ToLower(domain)
	if name == domain {
		return true
	}
	if !IsWildcard(name) {
		return false
	}
	i := strings.IndexByte(domain, '.')
	return i > 0 && domain[i+1:] == name[2:]
}

func parentOf(domain string) string {
	i := strings.IndexByte(domain, '.')
	if i < 0 {
		return ""
	}
	return domain[i+1:]
}

func isPublicSuffix(domain string) bool {
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return suffix == domain
}
