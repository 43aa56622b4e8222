package util

import (
	"strings"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ExtractCertDomains returns the names a certificate is issued for: its common name and its
// DNS SANs, lowercased, without trailing dot, deduplicated and sorted.
func ExtractCertDomains(cert *ctx509.Certificate) []string {
	names := make(map[string]struct{}, len(cert.DNSNames)+1)
	for _, name := range append([]string{cert.Subject.CommonName}, cert.DNSNames...) {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if name != "" {
			names[name] = struct{}{}
		}
	}
	result := maps.Keys(names)
	slices.Sort(result)
	return result
}
