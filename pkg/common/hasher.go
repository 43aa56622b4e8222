package common

import (
	"encoding/hex"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

const SHA256Size = 32

// SHA256Output is the content address of certificates, policies and domain entries.
type SHA256Output [SHA256Size]byte

func SHA256Hash(data ...[]byte) []byte {
	hash := sha256.New()
	for i := 0; i < len(data); i++ {
		hash.Write(data[i])
	}
	return hash.Sum(nil)
}

func SHA256Hash32Bytes(data ...[]byte) SHA256Output {
	output := SHA256Hash(data...) // will never be empty, will always be 32 bytes.
	ptr := (*SHA256Output)(output)
	return *ptr
}

func (id SHA256Output) String() string {
	return hex.EncodeToString(id[:])
}

// IDFromHex parses a 64 characters hexadecimal string into an ID.
func IDFromHex(s string) (SHA256Output, error) {
	var id SHA256Output
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("IDFromHex | DecodeString | %w", err)
	}
	if len(b) != SHA256Size {
		return id, fmt.Errorf("IDFromHex | wrong length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}
