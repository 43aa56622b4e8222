package util

import (
	"crypto"
	"encoding/base64"
	"fmt"

	ctx509 "github.com/google/certificate-transparency-go/x509"
)

// PublicKeyToDERBase64 encodes a public key as base64 of its PKIX DER form.
func PublicKeyToDERBase64(pubKey crypto.PublicKey) (string, error) {
	derBytes, err := ctx509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("Failed to convert public key to DER format: %s", err)
	}
	return base64.StdEncoding.EncodeToString(derBytes), nil
}

// DERBase64ToPublicKey is the inverse of PublicKeyToDERBase64.
func DERBase64ToPublicKey(base64PubKey string) (crypto.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(base64PubKey)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode base64 public key: %s", err)
	}
	key, err := ctx509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse public key: %s", err)
	}
	return key, nil
}
