package common

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

// BytesToIDs takes a sequence of bytes and returns a slice of IDs, where the byte sequence
// is a set of N blocks of ID size.
// The function returns an error if the sequence is not a multiple of the ID size.
func BytesToIDs(buff []byte) ([]SHA256Output, error) {
	if len(buff)%SHA256Size != 0 {
		return nil, fmt.Errorf("BytesToIDs | length %d is not a multiple of %d",
			len(buff), SHA256Size)
	}
	N := len(buff) / SHA256Size
	IDs := make([]SHA256Output, N)
	for i := 0; i < N; i++ {
		IDs[i] = *(*SHA256Output)(buff[i*SHA256Size : (i+1)*SHA256Size])
	}
	return IDs, nil
}

func IDsToBytes(IDs []SHA256Output) []byte {
	gluedIDs := make([]byte, SHA256Size*len(IDs))
	for i, id := range IDs {
		copy(gluedIDs[i*SHA256Size:], id[:])
	}
	return gluedIDs
}

// IDsToHex glues the IDs and encodes them as one hexadecimal string, as expected by the
// payloads endpoint of the map server.
func IDsToHex(IDs []SHA256Output) string {
	return hex.EncodeToString(IDsToBytes(IDs))
}

// HexToIDs is the inverse of IDsToHex.
func HexToIDs(s string) ([]SHA256Output, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("HexToIDs | DecodeString | %w", err)
	}
	return BytesToIDs(b)
}

// SortIDsAndGlue takes a sequence of IDs, sorts them alphabetically, and glues every byte of
// them together.
// The IDs are expected to be unique.
func SortIDsAndGlue(IDs []SHA256Output) []byte {
	// Copy slice to avoid mutating of the original.
	ids := append(IDs[:0:0], IDs...)
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) == -1
	})
	return IDsToBytes(ids)
}
