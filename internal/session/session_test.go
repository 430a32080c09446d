package session

import (
	"testing"

	"github.com/collider/mpc-coordcore/internal/coreerr"
	"github.com/collider/mpc-coordcore/internal/curve"
)

func TestNewValidatesThreshold(t *testing.T) {
	parts := []ParticipantID{"mpc-1", "mpc-2", "mpc-3"}
	if _, err := New("s1", parts, 0, curve.Secp256k1, "ethereum"); !coreerr.Is(err, coreerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation for threshold 0, got %v", err)
	}
	if _, err := New("s1", parts, 1, curve.Secp256k1, "ethereum"); !coreerr.Is(err, coreerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation for threshold 1 (FROST requires t >= 2), got %v", err)
	}
	if _, err := New("s1", parts, 4, curve.Secp256k1, "ethereum"); !coreerr.Is(err, coreerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation for threshold > n, got %v", err)
	}
	if _, err := New("s1", parts, 2, curve.Secp256k1, "ethereum"); err != nil {
		t.Fatalf("unexpected error for valid threshold: %v", err)
	}
}

func TestNewRejectsDuplicateParticipants(t *testing.T) {
	parts := []ParticipantID{"mpc-1", "mpc-1", "mpc-3"}
	if _, err := New("s1", parts, 2, curve.Secp256k1, "ethereum"); !coreerr.Is(err, coreerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation for duplicate participant, got %v", err)
	}
}

func TestIndexOfAndParticipantAt(t *testing.T) {
	parts := []ParticipantID{"mpc-1", "mpc-2", "mpc-3"}
	d, err := New("s1", parts, 2, curve.Secp256k1, "ethereum")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, ok := d.IndexOf("mpc-2")
	if !ok || idx != 2 {
		t.Fatalf("expected index 2 for mpc-2, got %d ok=%v", idx, ok)
	}

	id, ok := d.ParticipantAt(3)
	if !ok || id != "mpc-3" {
		t.Fatalf("expected mpc-3 at index 3, got %q ok=%v", id, ok)
	}

	if !d.ContainsOwn("mpc-1") {
		t.Fatalf("expected ContainsOwn true for mpc-1")
	}
	if d.ContainsOwn("mpc-9") {
		t.Fatalf("expected ContainsOwn false for unknown participant")
	}
}
