package dkg

import (
	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/curve"
	"github.com/collider/mpc-coordcore/internal/wireformat"
)

// lookupRound2Package extracts the round-2 package addressed to recipient
// from the map the Crypto Engine's GenerateRound2 returned. Spec §4.1 fixes
// secp256k1 round-2 map keys as big-endian and Ed25519 as little-endian, but
// §4.5 asks implementations to try both formats to absorb library-version
// differences; this probes the curve's expected format first and falls back
// to the other, logging when the fallback is what actually hit so an
// operator can tell whether the probe is still earning its keep (spec §9
// open question).
func lookupRound2Package(log *zap.Logger, packages map[string]string, recipient int, c curve.Curve) (string, bool) {
	big := string(wireformat.ScalarIDBigEndian(recipient))
	little := string(wireformat.ScalarIDLittleEndian(recipient))

	expected, fallback := big, little
	if c == curve.Ed25519 {
		expected, fallback = little, big
	}

	if v, ok := packages[expected]; ok {
		return v, true
	}
	if v, ok := packages[fallback]; ok {
		log.Warn("round2 package found under fallback endianness",
			zap.Int("recipient_index", recipient),
			zap.String("curve", c.String()),
		)
		return v, true
	}
	return "", false
}
