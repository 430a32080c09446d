package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/collider/mpc-coordcore/internal/coreerr"
)

// Argon2id parameters for the interop format. Explicit, not the package
// defaults, since the on-disk format in spec §6 carries them alongside the
// ciphertext so any sibling implementation can reproduce the derivation.
const (
	interopArgon2Time    = 3
	interopArgon2MemKiB  = 64 * 1024
	interopArgon2Threads = 4
	interopKeySize       = 32
	interopSaltSize      = 16
	interopNonceSize     = 12
	interopVersion       = "interop-v1"
)

type interopKDFParams struct {
	Time    uint32 `json:"time"`
	MemKiB  uint32 `json:"mem_kib"`
	Threads uint8  `json:"threads"`
	Salt    string `json:"salt"` // hex
}

type interopEncrypted struct {
	KDF       string           `json:"kdf"`
	KDFParams interopKDFParams `json:"kdf_params"`
	Nonce     string           `json:"nonce"`      // hex
	Ciphertext string          `json:"ciphertext"` // hex
	Tag       string           `json:"tag"`        // hex; Go's GCM appends it to the sealed output, ExportInterop splits it off into this field
}

// interopDocument is the bit-level on-disk format from spec §6.
type interopDocument struct {
	Version            string            `json:"version"`
	Curve              string            `json:"curve"`
	Threshold          int               `json:"threshold"`
	TotalParticipants  int               `json:"total_participants"`
	ParticipantIndex   int               `json:"participant_index"`
	GroupPublicKey     string            `json:"group_public_key"`
	SessionID          string            `json:"session_id"`
	KeyPackage         string            `json:"key_package"`
	PublicKeyPackage   string            `json:"public_key_package"`
	Encrypted          interopEncrypted  `json:"encrypted"`
}

func interopDeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, interopArgon2Time, interopArgon2MemKiB, interopArgon2Threads, interopKeySize)
}

// ExportInterop encrypts rec's cryptographically meaningful fields and
// serializes the spec §6 on-disk document. key_package/public_key_package
// are always re-hex-normalized on export, regardless of how they were
// classified on import (spec §4.2: "Exports always emit the hex-encoded
// form").
func ExportInterop(rec *Record, password string) ([]byte, error) {
	keyPackageHex, err := reHexEncodeJSON(rec.KeyPackage)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "key_package")
	}
	publicKeyPackageHex, err := reHexEncodeJSON(rec.PublicKeyPackage)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "public_key_package")
	}

	salt := make([]byte, interopSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to generate salt")
	}
	key := interopDeriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create GCM")
	}
	nonce := make([]byte, interopNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to generate nonce")
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to serialize record")
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	doc := interopDocument{
		Version:           interopVersion,
		Curve:             rec.Curve,
		Threshold:         rec.Threshold,
		TotalParticipants: rec.TotalParticipants,
		ParticipantIndex:  rec.ParticipantIndex,
		GroupPublicKey:    rec.GroupPublicKey,
		SessionID:         rec.SessionID,
		KeyPackage:        keyPackageHex,
		PublicKeyPackage:  publicKeyPackageHex,
		Encrypted: interopEncrypted{
			KDF: "argon2id",
			KDFParams: interopKDFParams{
				Time:    interopArgon2Time,
				MemKiB:  interopArgon2MemKiB,
				Threads: interopArgon2Threads,
				Salt:    hex.EncodeToString(salt),
			},
			Nonce:      hex.EncodeToString(nonce),
			Ciphertext: hex.EncodeToString(ciphertext),
			Tag:        hex.EncodeToString(tag),
		},
	}
	return json.Marshal(doc)
}

// ImportInterop decrypts and parses an interop-format blob into a Record.
// key_package/public_key_package are classified per the Import contract
// (spec §4.2): all-hex decodes as hex(JSON); anything else is treated as
// already being JSON.
func ImportInterop(blob []byte, password string) (*Record, error) {
	var doc interopDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "failed to parse interop document")
	}
	if doc.Encrypted.KDF != "argon2id" {
		return nil, coreerr.New(coreerr.MalformedPackage, "unsupported interop kdf %q", doc.Encrypted.KDF)
	}

	salt, err := hex.DecodeString(doc.Encrypted.KDFParams.Salt)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "invalid kdf salt")
	}
	nonce, err := hex.DecodeString(doc.Encrypted.Nonce)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "invalid nonce")
	}
	ciphertext, err := hex.DecodeString(doc.Encrypted.Ciphertext)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "invalid ciphertext")
	}
	tag, err := hex.DecodeString(doc.Encrypted.Tag)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "invalid tag")
	}

	key := argon2.IDKey([]byte(password), salt, doc.Encrypted.KDFParams.Time, doc.Encrypted.KDFParams.MemKiB, doc.Encrypted.KDFParams.Threads, interopKeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IOError, err, "failed to create GCM")
	}

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IntegrityFailure, err, "interop decryption failed")
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "failed to deserialize interop record")
	}

	keyPackage, err := reHexEncodeJSON(doc.KeyPackage)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "key_package")
	}
	publicKeyPackage, err := reHexEncodeJSON(doc.PublicKeyPackage)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "public_key_package")
	}
	rec.KeyPackage = keyPackage
	rec.PublicKeyPackage = publicKeyPackage
	rec.Curve = doc.Curve
	rec.Threshold = doc.Threshold
	rec.TotalParticipants = doc.TotalParticipants
	rec.ParticipantIndex = doc.ParticipantIndex
	rec.GroupPublicKey = doc.GroupPublicKey
	rec.SessionID = doc.SessionID

	return &rec, nil
}
