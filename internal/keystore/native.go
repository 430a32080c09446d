package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/collider/mpc-coordcore/internal/coreerr"
)

const (
	nativePBKDF2Iterations = 100000
	nativeKeySize          = 32 // AES-256
	nativeSaltSize         = 32
	nativeNonceSize        = 12 // GCM standard
	nativeVersion          = "native-v1"
)

// nativeEnvelope is the on-disk wrapper around one encrypted Record,
// matching the layout spec §4.2 describes for the native format. Go's
// cipher.AEAD.Seal appends the authentication tag to the ciphertext, so
// "ciphertext" below carries both.
type nativeEnvelope struct {
	Version    string `json:"version"`
	KDFIters   int    `json:"kdf_iters"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// FileKeystore is the native (default) keystore backend: PBKDF2-HMAC-SHA256
// derived AES-256-GCM encryption, one file per wallet, written atomically via
// write-to-temp-then-rename (spec §5, §7 IOError contract). Grounded on the
// teacher's FileStorage in internal/storage/storage.go.
type FileKeystore struct {
	log      *zap.Logger
	basePath string
	mu       sync.RWMutex
}

// NewFileKeystore constructs a FileKeystore rooted at basePath, creating the
// directory if necessary.
func NewFileKeystore(log *zap.Logger, basePath string) (*FileKeystore, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create keystore directory %q", basePath)
	}
	return &FileKeystore{log: log, basePath: basePath}, nil
}

func (ks *FileKeystore) pathFor(walletID string) string {
	return filepath.Join(ks.basePath, fmt.Sprintf("%s.json", walletID))
}

// Save encrypts rec and writes it atomically: the ciphertext is written to a
// temp file in the same directory, then renamed over the target path, so a
// crash mid-write can never leave a truncated or corrupt keystore file.
func (ks *FileKeystore) Save(walletID string, rec *Record, password string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to serialize record")
	}

	salt := make([]byte, nativeSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to generate salt")
	}
	key := pbkdf2.Key([]byte(password), salt, nativePBKDF2Iterations, nativeKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to create GCM")
	}
	nonce := make([]byte, nativeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to generate nonce")
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	envelope := nativeEnvelope{
		Version:    nativeVersion,
		KDFIters:   nativePBKDF2Iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to serialize envelope")
	}

	target := ks.pathFor(walletID)
	tmp, err := os.CreateTemp(ks.basePath, ".tmp-*")
	if err != nil {
		return coreerr.Wrap(coreerr.IOError, err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(envelopeJSON); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return coreerr.Wrap(coreerr.IOError, err, "failed to write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return coreerr.Wrap(coreerr.IOError, err, "failed to close temp file")
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return coreerr.Wrap(coreerr.IOError, err, "failed to chmod temp file")
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return coreerr.Wrap(coreerr.IOError, err, "failed to rename temp file into place")
	}

	ks.log.Info("keystore record saved", zap.String("wallet_id", walletID))
	return nil
}

// Load reads and decrypts the record for walletID. An AEAD tag mismatch
// (wrong password or corrupted file) surfaces as IntegrityFailure.
func (ks *FileKeystore) Load(walletID string, password string) (*Record, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	raw, err := os.ReadFile(ks.pathFor(walletID))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to read keystore file for %q", walletID)
	}
	var envelope nativeEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to parse keystore envelope for %q", walletID)
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
		return nil, coreerr.Wrap(coreerr.IntegrityFailure, err, "decryption failed for %q", walletID)
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to deserialize record for %q", walletID)
	}
	return &rec, nil
}

// Delete removes the wallet's keystore file. Ordinary housekeeping only —
// this core does not implement key rotation (non-goal, spec §1).
func (ks *FileKeystore) Delete(walletID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if err := os.Remove(ks.pathFor(walletID)); err != nil && !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.IOError, err, "failed to delete keystore file for %q", walletID)
	}
	return nil
}

// List returns the wallet ids with a persisted keystore file.
func (ks *FileKeystore) List() ([]string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	entries, err := os.ReadDir(ks.basePath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to read keystore directory")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}
