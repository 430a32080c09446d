package crypto

import (
	"crypto/sha256"
	"testing"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/coreerr"
	curvepkg "github.com/collider/mpc-coordcore/internal/curve"
)

func newTestEngines(t *testing.T, c curvepkg.Curve, n, threshold int) []*Engine {
	t.Helper()
	log := zap.NewNop()
	engines := make([]*Engine, n)
	for i := 1; i <= n; i++ {
		e, err := New(log, c)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := e.InitDKG(i, n, threshold); err != nil {
			t.Fatalf("InitDKG(%d): %v", i, err)
		}
		engines[i-1] = e
	}
	return engines
}

func runDKG(t *testing.T, engines []*Engine) [][]byte {
	t.Helper()
	n := len(engines)

	round1 := make([]string, n)
	for i, e := range engines {
		pkg, err := e.GenerateRound1()
		if err != nil {
			t.Fatalf("GenerateRound1(%d): %v", i+1, err)
		}
		round1[i] = pkg
	}

	for i, e := range engines {
		ownIdx := i + 1
		for j := 0; j < n; j++ {
			senderIdx := j + 1
			if senderIdx == ownIdx {
				continue
			}
			if err := e.AddRound1Package(senderIdx, round1[j]); err != nil {
				t.Fatalf("AddRound1Package(%d<-%d): %v", ownIdx, senderIdx, err)
			}
		}
		if !e.CanStartRound2() {
			t.Fatalf("engine %d: expected CanStartRound2 true", ownIdx)
		}
	}

	round2 := make([]map[string]string, n)
	for i, e := range engines {
		m, err := e.GenerateRound2()
		if err != nil {
			t.Fatalf("GenerateRound2(%d): %v", i+1, err)
		}
		round2[i] = m
	}

	for i, e := range engines {
		ownIdx := i + 1
		for j := 0; j < n; j++ {
			senderIdx := j + 1
			if senderIdx == ownIdx {
				continue
			}
			pkg, ok := findRecipientPackage(round2[j], e.scalarID(ownIdx))
			if !ok {
				t.Fatalf("no round2 package from %d addressed to %d", senderIdx, ownIdx)
			}
			if err := e.AddRound2Package(senderIdx, pkg); err != nil {
				t.Fatalf("AddRound2Package(%d<-%d): %v", ownIdx, senderIdx, err)
			}
		}
		if !e.CanFinalize() {
			t.Fatalf("engine %d: expected CanFinalize true", ownIdx)
		}
	}

	groupKeys := make([][]byte, n)
	for i, e := range engines {
		gk, err := e.FinalizeDKG()
		if err != nil {
			t.Fatalf("FinalizeDKG(%d): %v", i+1, err)
		}
		groupKeys[i] = gk
	}
	return groupKeys
}

func findRecipientPackage(m map[string]string, key []byte) (string, bool) {
	v, ok := m[string(key)]
	return v, ok
}

func TestDKGAgreementSecp256k1(t *testing.T) {
	engines := newTestEngines(t, curvepkg.Secp256k1, 3, 2)
	groupKeys := runDKG(t, engines)
	for i := 1; i < len(groupKeys); i++ {
		if string(groupKeys[i]) != string(groupKeys[0]) {
			t.Fatalf("group public key mismatch between participant 1 and %d", i+1)
		}
	}
}

func TestDKGAgreementEd25519(t *testing.T) {
	engines := newTestEngines(t, curvepkg.Ed25519, 3, 2)
	groupKeys := runDKG(t, engines)
	for i := 1; i < len(groupKeys); i++ {
		if string(groupKeys[i]) != string(groupKeys[0]) {
			t.Fatalf("group public key mismatch between participant 1 and %d", i+1)
		}
	}
}

func TestSigningAfterDKG(t *testing.T) {
	engines := newTestEngines(t, curvepkg.Secp256k1, 3, 2)
	runDKG(t, engines)

	signers := []*Engine{engines[0], engines[1]}
	subset := []int{1, 2}
	message := sha256.Sum256([]byte("hello"))

	commitments := make([]string, len(signers))
	for i, e := range signers {
		c, err := e.SigningCommit(subset)
		if err != nil {
			t.Fatalf("SigningCommit(%d): %v", i+1, err)
		}
		commitments[i] = c
	}
	for i, e := range signers {
		for j, c := range commitments {
			if i == j {
				continue
			}
			if err := e.AddSigningCommitment(subset[j], c); err != nil {
				t.Fatalf("AddSigningCommitment: %v", err)
			}
		}
	}

	shares := make([]string, len(signers))
	for i, e := range signers {
		s, err := e.Sign(message[:])
		if err != nil {
			t.Fatalf("Sign(%d): %v", i+1, err)
		}
		shares[i] = s
	}
	for i, e := range signers {
		for j, s := range shares {
			if i == j {
				continue
			}
			if err := e.AddSignatureShare(subset[j], s); err != nil {
				t.Fatalf("AddSignatureShare: %v", err)
			}
		}
	}

	sig, err := signers[0].AggregateSignature(message[:])
	if err != nil {
		t.Fatalf("AggregateSignature: %v", err)
	}
	if sig == "" {
		t.Fatalf("expected non-empty signature")
	}

	signers[0].ClearSigningState()
	signers[1].ClearSigningState()
}

func TestNoSelfIngest(t *testing.T) {
	engines := newTestEngines(t, curvepkg.Secp256k1, 3, 2)
	e := engines[0]
	pkg, err := e.GenerateRound1()
	if err != nil {
		t.Fatalf("GenerateRound1: %v", err)
	}
	err = e.AddRound1Package(1, pkg)
	if !coreerr.Is(err, coreerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation for self-ingest, got %v", err)
	}
}

func TestDuplicatePackageRejected(t *testing.T) {
	engines := newTestEngines(t, curvepkg.Secp256k1, 3, 2)
	round1 := make([]string, 3)
	for i, e := range engines {
		pkg, err := e.GenerateRound1()
		if err != nil {
			t.Fatalf("GenerateRound1: %v", err)
		}
		round1[i] = pkg
	}
	e := engines[0]
	if err := e.AddRound1Package(2, round1[1]); err != nil {
		t.Fatalf("AddRound1Package: %v", err)
	}
	err := e.AddRound1Package(2, round1[1])
	if !coreerr.Is(err, coreerr.DuplicatePackage) {
		t.Fatalf("expected DuplicatePackage, got %v", err)
	}
}

func TestSigningSessionExclusivity(t *testing.T) {
	engines := newTestEngines(t, curvepkg.Secp256k1, 3, 2)
	runDKG(t, engines)

	e := engines[0]
	subset := []int{1, 2}
	if _, err := e.SigningCommit(subset); err != nil {
		t.Fatalf("SigningCommit: %v", err)
	}
	_, err := e.SigningCommit(subset)
	if !coreerr.Is(err, coreerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation for concurrent signing session (Sg1), got %v", err)
	}
}
