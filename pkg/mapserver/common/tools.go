package common

import (
	"bytes"

	"github.com/google/certificate-transparency-go/x509"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
)

func findCertificateChain(cert *x509.Certificate, certChain []*x509.Certificate) (chain []*x509.Certificate) {
	chain = append(chain, cert)
	// each certificate occurs at most once in the certificate chain thus we have to find the issuer certificate at most as often as the length of the chain
	for i := 0; i < len(certChain); i++ {
		last := chain[len(chain)-1]
		// check for self-signed certificates
		if common.IssuerString(last) == common.SubjectString(last) {
			// we arrived at a self-signed certificate, so we can stop searching for issuer certificates
			break
		}

		// find issuer certificate
		found := false
		for _, c := range certChain {
			if c != last && common.IssuerString(last) == common.SubjectString(c) {
				chain = append(chain, c)
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return chain
}

func getRootCertificateSubject(cert *x509.Certificate, certChain []*x509.Certificate) string {
	constructedCertChain := findCertificateChain(cert, certChain)
	rootCert := constructedCertChain[len(constructedCertChain)-1]
	return common.IssuerString(rootCert)
}

// RootSubject returns the subject of the root CA of the chain that starts at cert. If the root
// itself is not part of certChain, the issuer of the top-most certificate is returned.
func RootSubject(cert *x509.Certificate, certChain []*x509.Certificate) string {
	return getRootCertificateSubject(cert, certChain)
}

// BuildChains finds the leaves among certs (certificates that issued no other certificate of
// the set) and returns, per leaf, the issuers towards its root. Used to rebuild the chains of a
// domain whose payloads were fetched by ID.
func BuildChains(certs []*x509.Certificate) (leaves []*x509.Certificate, chains [][]*x509.Certificate) {
	isIssuer := make(map[*x509.Certificate]bool, len(certs))
	for _, c := range certs {
		for _, p := range certs {
			if c != p && common.IssuerString(c) == common.SubjectString(p) {
				isIssuer[p] = true
			}
		}
	}
	for _, c := range certs {
		if isIssuer[c] {
			continue
		}
		leaves = append(leaves, c)
		chains = append(chains, findCertificateChain(c, certs)[1:])
	}
	return leaves, chains
}

// AddCert: add a x509 cert to one domain entry. Return whether the domain entry is updated.
func (domainEntry *DomainEntry) AddCert(cert *x509.Certificate, certChain []*x509.Certificate) bool {
	caName := getRootCertificateSubject(cert, certChain)

	// convert the certificate chain into an array of raw bytes and append them to the same CA Entry in the same order
	rawCertChain := make([][]byte, 0, len(certChain))
	for _, certChainItem := range certChain {
		rawCertChain = append(rawCertChain, certChainItem.Raw)
	}

	// iterate CAEntry list, find if the target CA list exists
	for i := range domainEntry.CAEntry {
		if domainEntry.CAEntry[i].CAName == caName {
			// check whether this certificate is already registered
			for _, certRaw := range domainEntry.CAEntry[i].DomainCerts {
				if bytes.Equal(certRaw, cert.Raw) {
					// cert already exists
					return false
				}
			}
			// if not, append the raw of the certificate
			domainEntry.CAEntry[i].DomainCerts = append(domainEntry.CAEntry[i].DomainCerts, cert.Raw)
			domainEntry.CAEntry[i].DomainCertChains = append(domainEntry.CAEntry[i].DomainCertChains, rawCertChain)
			return true
		}
	}

	// if CA list is not found, add a new CA list
	domainEntry.CAEntry = append(domainEntry.CAEntry, CAEntry{
		DomainCerts:      [][]byte{cert.Raw},
		DomainCertChains: [][][]byte{rawCertChain},
		CAName:           caName,
		CAHash:           common.SHA256Hash([]byte(caName))})
	return true
}

// AddPC: add a policy certificate to a domain entry. Return whether the domain entry is updated.
func (domainEntry *DomainEntry) AddPC(pc *common.SP) bool {
	caName := pc.Issuer

	// iterate CAEntry list, find if the target CA list exists
	for i := range domainEntry.CAEntry {
		if domainEntry.CAEntry[i].CAName == caName {
			current := domainEntry.CAEntry[i].CurrentPC
			if current == nil || !current.Equal(*pc) {
				domainEntry.CAEntry[i].CurrentPC = pc
				return true
			}
			return false
		}
	}

	// if CA list is not found, add a new CA list
	domainEntry.CAEntry = append(domainEntry.CAEntry, CAEntry{
		CAName:    caName,
		CAHash:    common.SHA256Hash([]byte(caName)),
		CurrentPC: pc,
	})
	return true
}
