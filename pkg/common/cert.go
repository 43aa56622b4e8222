package common

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"os"

	ctx509 "github.com/google/certificate-transparency-go/x509"
)

var pemPrefix = []byte("-----BEGIN")

// CanonicalCertBytes returns the DER body of a certificate given either in PEM or DER form.
// It does not parse the certificate, so it is cheap enough to be used before any lookup.
func CanonicalCertBytes(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, pemPrefix) {
		return raw, nil
	}
	block, _ := pem.Decode(trimmed)
	switch {
	case block == nil:
		return nil, fmt.Errorf("CanonicalCertBytes | no pem block")
	case block.Type != "CERTIFICATE":
		return nil, fmt.Errorf("CanonicalCertBytes | pem block of type %s", block.Type)
	}
	return block.Bytes, nil
}

// CertificateID is the content address of a certificate: the SHA256 of its DER body.
func CertificateID(raw []byte) (SHA256Output, error) {
	der, err := CanonicalCertBytes(raw)
	if err != nil {
		return SHA256Output{}, err
	}
	return SHA256Hash32Bytes(der), nil
}

// ParseCertificate parses a PEM or DER certificate. Certificates with non-fatal errors
// (e.g. unknown critical extensions) are still returned.
func ParseCertificate(raw []byte) (*ctx509.Certificate, error) {
	der, err := CanonicalCertBytes(raw)
	if err != nil {
		return nil, err
	}
	cert, err := ctx509.ParseCertificate(der)
	if err != nil {
		if _, ok := err.(ctx509.NonFatalErrors); !ok || cert == nil {
			return nil, fmt.Errorf("ParseCertificate | %w", err)
		}
	}
	return cert, nil
}

// PublicKeyHash returns the SHA256 of the SubjectPublicKeyInfo of the certificate.
func PublicKeyHash(cert *ctx509.Certificate) SHA256Output {
	return SHA256Hash32Bytes(cert.RawSubjectPublicKeyInfo)
}

// SubjectString returns the canonical string of the certificate subject, the identifier
// used in CA sets and in the map server entries.
func SubjectString(cert *ctx509.Certificate) string {
	return cert.Subject.ToRDNSequence().String()
}

// IssuerString returns the canonical string of the certificate issuer.
func IssuerString(cert *ctx509.Certificate) string {
	return cert.Issuer.ToRDNSequence().String()
}

// IsSelfIssued returns true if subject and issuer of the certificate coincide.
func IsSelfIssued(cert *ctx509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

// CTX509CertFromFile: read a x509 certificate from a PEM file
func CTX509CertFromFile(fileName string) (*ctx509.Certificate, error) {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("CTX509CertFromFile | failed to read %s: %w", fileName, err)
	}
	return ParseCertificate(content)
}

// PEMChainFromFile reads all CERTIFICATE blocks of a PEM file, returning their DER bodies
// in file order.
func PEMChainFromFile(fileName string) ([][]byte, error) {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("PEMChainFromFile | failed to read %s: %w", fileName, err)
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, content = pem.Decode(content)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("PEMChainFromFile | no certificates in %s", fileName)
	}
	return chain, nil
}
