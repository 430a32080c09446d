package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/collider/mpc-coordcore/internal/coreerr"
)

// PostgresKeystore persists encrypted Records in PostgreSQL, using the same
// PBKDF2+AES-256-GCM scheme as FileKeystore. Grounded directly on the
// teacher's internal/storage/postgres.go, with the share-specific columns
// replaced by an opaque encrypted blob (the Record carries its own shape).
type PostgresKeystore struct {
	log *zap.Logger
	db  *sql.DB
	mu  sync.RWMutex
}

// NewPostgresKeystore connects to databaseURL and ensures the backing table
// exists, following the teacher's sslmode-disable-for-internal-networks
// fallback and CREATE TABLE IF NOT EXISTS pattern.
func NewPostgresKeystore(log *zap.Logger, databaseURL string) (*PostgresKeystore, error) {
	if !strings.Contains(databaseURL, "sslmode=") {
		if strings.Contains(databaseURL, "?") {
			databaseURL += "&sslmode=disable"
		} else {
			databaseURL += "?sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to connect to keystore database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to ping keystore database")
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mpc_keystore_records (
			wallet_id VARCHAR(128) PRIMARY KEY,
			encrypted_data BYTEA NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create keystore table")
	}

	return &PostgresKeystore{log: log, db: db}, nil
}

func (ps *PostgresKeystore) encrypt(rec *Record, password string) ([]byte, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to serialize record")
	}

	salt := make([]byte, nativeSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to generate salt")
	}
	key := pbkdf2.Key([]byte(password), salt, nativePBKDF2Iterations, nativeKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create GCM")
	}
	nonce := make([]byte, nativeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to generate nonce")
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return json.Marshal(nativeEnvelope{
		Version:    nativeVersion,
		KDFIters:   nativePBKDF2Iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
}

func (ps *PostgresKeystore) decrypt(data []byte, password string) (*Record, error) {
	var envelope nativeEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to parse keystore envelope")
	}
	key := pbkdf2.Key([]byte(password), envelope.Salt, envelope.KDFIters, nativeKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create GCM")
	}
	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IntegrityFailure, err, "decryption failed")
	}
	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to deserialize record")
	}
	return &rec, nil
}

// Save upserts the encrypted record for walletID. Postgres's row-level
// atomicity on a single-row upsert stands in for the temp-file-then-rename
// atomicity FileKeystore implements at the filesystem level.
func (ps *PostgresKeystore) Save(walletID string, rec *Record, password string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	encrypted, err := ps.encrypt(rec, password)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO mpc_keystore_records (wallet_id, encrypted_data, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (wallet_id) DO UPDATE SET
			encrypted_data = EXCLUDED.encrypted_data,
			updated_at = NOW()
	`, walletID, encrypted)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to save keystore record for %q", walletID)
	}
	ps.log.Info("keystore record saved", zap.String("wallet_id", walletID))
	return nil
}

// Load reads and decrypts the record for walletID.
func (ps *PostgresKeystore) Load(walletID string, password string) (*Record, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var encrypted []byte
	err := ps.db.QueryRowContext(ctx,
		"SELECT encrypted_data FROM mpc_keystore_records WHERE wallet_id = $1", walletID,
	).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return nil, coreerr.New(coreerr.IOError, "no keystore record for %q", walletID)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to query keystore record for %q", walletID)
	}
	return ps.decrypt(encrypted, password)
}

// Delete removes the row for walletID.
func (ps *PostgresKeystore) Delete(walletID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ps.db.ExecContext(ctx, "DELETE FROM mpc_keystore_records WHERE wallet_id = $1", walletID); err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to delete keystore record for %q", walletID)
	}
	return nil
}

// List returns all wallet ids with a persisted row.
func (ps *PostgresKeystore) List() ([]string, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := ps.db.QueryContext(ctx, "SELECT wallet_id FROM mpc_keystore_records")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to list keystore records")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, coreerr.Wrap(coreerr.IOError, err, "failed to scan wallet_id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the database connection.
func (ps *PostgresKeystore) Close() error {
	return ps.db.Close()
}
