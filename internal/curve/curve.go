// Package curve provides the curve-parametrized group.Group implementations
// the Crypto Engine is built on, and the tagged Curve variant that every
// wallet is bound to for its lifetime (spec §3, Data Model: Curve).
package curve

import (
	"fmt"

	"github.com/f3rmion/fy/group"
)

// Curve is the tagged variant a wallet is bound to for its lifetime.
type Curve int

const (
	// Secp256k1 backs Ethereum-compatible wallets.
	Secp256k1 Curve = iota + 1
	// Ed25519 backs Solana-compatible wallets.
	Ed25519
)

func (c Curve) String() string {
	switch c {
	case Secp256k1:
		return "secp256k1"
	case Ed25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

// ParseCurve parses the on-disk / wire curve tag used by the keystore and
// transport frames (spec §6 keystore format: "secp256k1" | "ed25519").
func ParseCurve(s string) (Curve, error) {
	switch s {
	case "secp256k1":
		return Secp256k1, nil
	case "ed25519":
		return Ed25519, nil
	default:
		return 0, fmt.Errorf("unknown curve tag %q", s)
	}
}

// Group returns the group.Group implementation backing this curve. The DKG
// and Signing Coordinators never see this directly; only the Crypto Engine
// (internal/crypto) is parametrized over it, per the "dynamic dispatch over
// curves" design note: the engine facade is the only place curve-specific
// types are allowed to leak, and only for the endianness rule.
func (c Curve) Group() (group.Group, error) {
	switch c {
	case Secp256k1:
		return &Secp256k1Group{}, nil
	case Ed25519:
		return &Ed25519Group{}, nil
	default:
		return nil, fmt.Errorf("curve: unsupported variant %d", c)
	}
}
