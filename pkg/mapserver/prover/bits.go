package prover

// bitIsSet returns the i-th bit of bits, most significant bit of the first byte first.
func bitIsSet(bits []byte, i int) bool {
	return bits[i/8]&(1<<uint(7-i%8)) != 0
}
