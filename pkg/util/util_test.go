package util_test

import (
	"testing"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/stretchr/testify/require"

	"github.com/netsec-ethz/fpki-validator/pkg/tests/random"
	"github.com/netsec-ethz/fpki-validator/pkg/util"
)

func TestExtractCertDomains(t *testing.T) {
	root := random.NewRootCA(t, "Root")
	leaf := root.IssueLeaf(t, "b.com", nil)
	leaf.DNSNames = append(leaf.DNSNames, "a.com", "b.com", "A.COM.", "")
	require.Equal(t, []string{"a.com", "b.com"}, util.ExtractCertDomains(leaf))
	require.Equal(t, []string{"root"}, util.ExtractCertDomains(root.Cert))
}

func TestPublicKeyDERBase64(t *testing.T) {
	key := random.NewKey(t)
	s, err := util.PublicKeyToDERBase64(key.Public())
	require.NoError(t, err)
	back, err := util.DERBase64ToPublicKey(s)
	require.NoError(t, err)
	der1, err := ctx509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)
	der2, err := ctx509.MarshalPKIXPublicKey(back)
	require.NoError(t, err)
	require.Equal(t, der1, der2)

	_, err = util.DERBase64ToPublicKey("not base64!")
	require.Error(t, err)
}
