package keystore

import (
	"testing"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/coreerr"
)

// TestPostgresKeystoreEncryptDecryptRoundTrip exercises P6 for the Postgres
// backend's encryption scheme (encrypt/decrypt are pure functions of the
// Record and password; they never touch ps.db, so this runs without a live
// database connection — matching the teacher's own practice of never
// standing up a database in its test suite for this storage backend).
func TestPostgresKeystoreEncryptDecryptRoundTrip(t *testing.T) {
	ps := &PostgresKeystore{log: zap.NewNop()}
	rec := sampleRecord()

	encrypted, err := ps.encrypt(rec, "correct-password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := ps.decrypt(encrypted, "correct-password")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !recordsEqual(rec, got) {
		t.Fatalf("round-tripped record mismatch: got %+v, want %+v", got, rec)
	}
}

// TestPostgresKeystoreWrongPasswordFails exercises P6's
// decrypt(...,pw') fails with IntegrityFailure half for the Postgres backend.
func TestPostgresKeystoreWrongPasswordFails(t *testing.T) {
	ps := &PostgresKeystore{log: zap.NewNop()}

	encrypted, err := ps.encrypt(sampleRecord(), "correct-password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = ps.decrypt(encrypted, "wrong-password")
	if !coreerr.Is(err, coreerr.IntegrityFailure) {
		t.Fatalf("expected IntegrityFailure for wrong password, got %v", err)
	}
}
