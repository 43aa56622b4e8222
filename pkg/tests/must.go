package tests

import (
	"encoding/base64"
	"encoding/hex"
	"os"

	"github.com/stretchr/testify/require"
)

// MustDecodeString decodes a hex string or fails the test.
func MustDecodeString(t T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// MustDecodeBase64 decodes a standard base64 string or fails the test.
func MustDecodeBase64(t T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

// MustWriteFile writes data to a file readable by everyone, or fails the test.
func MustWriteFile(t T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0644))
}
