package random

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"math/big"
	"math/rand"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509/pkix"
	"github.com/stretchr/testify/require"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
	"github.com/netsec-ethz/fpki-validator/pkg/tests"
)

func RandomBytesForTest(t tests.T, size int) []byte {
	buff := make([]byte, size)
	n, err := rand.Read(buff)
	require.NoError(t, err)
	require.Equal(t, size, n)
	return buff
}

func RandomIDsForTest(t tests.T, size int) []common.SHA256Output {
	IDs := make([]common.SHA256Output, size)
	for i := range IDs {
		IDs[i] = common.SHA256Hash32Bytes(RandomBytesForTest(t, 32))
	}
	return IDs
}

// Issuer is a certificate together with the private key that signed it, able to issue
// further certificates.
type Issuer struct {
	Cert *ctx509.Certificate
	Key  crypto.Signer
}

// NewKey generates a new P256 key.
func NewKey(t tests.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)
	return key
}

// NewRootCA creates a self signed CA certificate with the given common name.
func NewRootCA(t tests.T, commonName string) *Issuer {
	t.Helper()
	key := NewKey(t)
	template := caTemplate(commonName)
	der, err := ctx509.CreateCertificate(crand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := common.ParseCertificate(der)
	require.NoError(t, err)
	return &Issuer{Cert: cert, Key: key}
}

// IssueCA creates an intermediate CA certificate signed by this issuer.
func (i *Issuer) IssueCA(t tests.T, commonName string) *Issuer {
	t.Helper()
	key := NewKey(t)
	der, err := ctx509.CreateCertificate(crand.Reader, caTemplate(commonName), i.Cert,
		key.Public(), i.Key)
	require.NoError(t, err)
	cert, err := common.ParseCertificate(der)
	require.NoError(t, err)
	return &Issuer{Cert: cert, Key: key}
}

// IssueLeaf creates a leaf certificate for domain signed by this issuer. If key is nil, a
// new one is generated.
func (i *Issuer) IssueLeaf(t tests.T, domain string, key crypto.Signer) *ctx509.Certificate {
	t.Helper()
	if key == nil {
		key = NewKey(t)
	}
	template := &ctx509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     ctx509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []ctx509.ExtKeyUsage{ctx509.ExtKeyUsageServerAuth},
	}
	der, err := ctx509.CreateCertificate(crand.Reader, template, i.Cert, key.Public(), i.Key)
	require.NoError(t, err)
	cert, err := common.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// RawChain returns the DER bodies of the certificates, in the same order.
func RawChain(certs ...*ctx509.Certificate) [][]byte {
	raw := make([][]byte, len(certs))
	for i, c := range certs {
		raw[i] = c.Raw
	}
	return raw
}

func caTemplate(commonName string) *ctx509.Certificate {
	return &ctx509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              ctx509.KeyUsageCertSign | ctx509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

func randomSerial() *big.Int {
	return big.NewInt(rand.Int63())
}

func RandomIDPtrsForTest(t tests.T, size int) []*common.SHA256Output {
	IDs := RandomIDsForTest(t, size)
	ptrs := make([]*common.SHA256Output, size)
	for i := range IDs {
		ptrs[i] = &IDs[i]
	}
	return ptrs
}
