package dap

import "crypto/subtle"

// ConstantTimeEqual reports whether a and b hold the same bytes, in time
// independent of where the first mismatch falls. Used wherever a MAC,
// bearer token, or checksum comparison occurs so that an attacker timing
// the comparison cannot learn which prefix matched.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
