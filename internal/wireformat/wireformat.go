// Package wireformat implements the JSON↔hex conversion contract at the
// Crypto Engine boundary (spec §4.1): payloads travel the wire as UTF-8 JSON
// and cross into/out of the engine as hex-encoded strings. It also owns the
// scalar-identifier padding rule that backs the endianness contract: secp256k1
// round-2 recipient keys are big-endian (value at the right), Ed25519 keys
// are little-endian (value at the left).
package wireformat

import (
	"encoding/hex"
	"fmt"
)

// ToHex hex-encodes a JSON payload for passage across the engine boundary.
func ToHex(jsonPayload []byte) string {
	return hex.EncodeToString(jsonPayload)
}

// FromHex decodes a hex string back into its JSON payload. Passing raw JSON
// where hex is expected fails here with an encoding/hex error (an invalid
// byte such as the leading '{'), matching the fatal-error behavior spec'd
// in §4.1.
func FromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wireformat: not valid hex (got raw JSON where hex was expected?): %w", err)
	}
	return b, nil
}

// ScalarIDBigEndian renders a 1-based participant index as the 32-byte
// big-endian scalar identifier secp256k1 round-2 maps key by: the index
// value occupies the low-order (rightmost) bytes, leading bytes are zero.
func ScalarIDBigEndian(index int) []byte {
	out := make([]byte, 32)
	out[31] = byte(index)
	out[30] = byte(index >> 8)
	return out
}

// ScalarIDLittleEndian renders a 1-based participant index as the 32-byte
// little-endian scalar identifier Ed25519 round-2 maps key by: the index
// value occupies the low-order (leftmost) bytes, trailing bytes are zero.
func ScalarIDLittleEndian(index int) []byte {
	out := make([]byte, 32)
	out[0] = byte(index)
	out[1] = byte(index >> 8)
	return out
}
