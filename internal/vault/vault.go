package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// EnvelopeVersion is written into every envelope this package produces.
// Decrypt rejects envelopes carrying any other version.
const EnvelopeVersion = "v1"

const (
	// MinMasterKeyLength is enforced at construction time. A short master
	// key is a deployment configuration error, not a runtime job error.
	MinMasterKeyLength = 32

	keyIterations = 100000
	keyLength     = 32
)

// Envelope is the persisted representation of an encrypted credential set.
type Envelope struct {
	Version    string `json:"version"`
	CreatedAt  string `json:"created_at"`
	Checksum   string `json:"checksum"`
	Ciphertext string `json:"ciphertext"`
}

// Vault encrypts and decrypts provider credential maps. The derived key and
// salt are immutable after construction, so a single instance is safe for
// concurrent use by multiple jobs.
type Vault struct {
	key  []byte
	salt []byte
}

// Config holds the deployment secrets the vault derives its key from.
type Config struct {
	MasterKey string
	Salt      string
}

// New derives the symmetric key and returns a ready vault. Key rotation is
// done by constructing a new Vault with the same salt and a new master key;
// envelopes written under the old key stay readable only through the old
// instance.
func New(cfg Config) (*Vault, error) {
	if len(cfg.MasterKey) < MinMasterKeyLength {
		return nil, &KeyError{Reason: fmt.Sprintf("master key must be at least %d characters", MinMasterKeyLength)}
	}
	if cfg.Salt == "" {
		return nil, &KeyError{Reason: "salt must not be empty"}
	}

	key := pbkdf2.Key([]byte(cfg.MasterKey), []byte(cfg.Salt), keyIterations, keyLength, sha256.New)
	return &Vault{key: key, salt: []byte(cfg.Salt)}, nil
}

// Encrypt serializes plaintext to canonical JSON, encrypts it with AES-GCM
// and wraps the result in a versioned, checksummed envelope.
func (v *Vault) Encrypt(plaintext map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to serialize credentials: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, canonical, nil)
	sum := sha256.Sum256(canonical)

	envelope := Envelope{
		Version:    EnvelopeVersion,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Checksum:   hex.EncodeToString(sum[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return string(out), nil
}

// Decrypt opens an envelope produced by Encrypt. It fails closed: any
// authentication failure or checksum mismatch is an IntegrityError, and a
// malformed or unknown-version envelope is a FormatError.
func (v *Vault) Decrypt(ciphertext string) (map[string]interface{}, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(ciphertext), &envelope); err != nil {
		return nil, &FormatError{Reason: "envelope is not valid JSON"}
	}
	if envelope.Version != EnvelopeVersion {
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported envelope version %q", envelope.Version)}
	}
	if envelope.Ciphertext == "" || envelope.Checksum == "" {
		return nil, &FormatError{Reason: "envelope is missing ciphertext or checksum"}
	}

	sealed, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, &FormatError{Reason: "ciphertext is not valid base64"}
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, &IntegrityError{Reason: "ciphertext shorter than nonce"}
	}

	nonce, data := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	canonical, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, &IntegrityError{Reason: "authentication failed"}
	}

	// Catches both corruption and key-rotation mismatches that happen to
	// survive AEAD authentication of a stale envelope copy.
	sum := sha256.Sum256(canonical)
	if hex.EncodeToString(sum[:]) != envelope.Checksum {
		return nil, &IntegrityError{Reason: "plaintext checksum mismatch"}
	}

	var plaintext map[string]interface{}
	if err := json.Unmarshal(canonical, &plaintext); err != nil {
		return nil, &IntegrityError{Reason: "decrypted payload is not valid JSON"}
	}
	return plaintext, nil
}

// canonicalJSON produces the sorted-keys JSON form the checksum is computed
// over. encoding/json already sorts map keys, which keeps the checksum
// stable across encrypt calls for equal maps.
func canonicalJSON(m map[string]interface{}) ([]byte, error) {
	return json.Marshal(m)
}
