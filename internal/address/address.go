// Package address derives blockchain-specific addresses from a FROST group
// public key. Address encoding is explicitly out of scope for the Crypto
// Engine (spec §1: "address encoding beyond what FROST produces"), so it
// lives here as a small downstream helper exercised by the end-to-end DKG
// scenarios in spec §8.
package address

import (
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// Ethereum derives the checksum-free, lowercase-hex Ethereum address from an
// uncompressed secp256k1 public key's 64-byte X||Y coordinate encoding
// (grounded on the teacher's dkg_tss.go publicKeyToAddress, which also
// Keccak256-hashes a 64-byte coordinate pair and takes the last 20 bytes).
func Ethereum(uncompressedXY []byte) (string, error) {
	if len(uncompressedXY) != 64 {
		return "", fmt.Errorf("address: expected 64-byte X||Y coordinates, got %d bytes", len(uncompressedXY))
	}
	hash := sha3.NewLegacyKeccak256()
	hash.Write(uncompressedXY)
	digest := hash.Sum(nil)
	return fmt.Sprintf("0x%x", digest[12:]), nil
}

// Solana encodes a 32-byte Ed25519 group public key as a base58 Solana
// address.
func Solana(groupPublicKey []byte) (string, error) {
	if len(groupPublicKey) != 32 {
		return "", fmt.Errorf("address: expected 32-byte ed25519 public key, got %d bytes", len(groupPublicKey))
	}
	return base58.Encode(groupPublicKey), nil
}
