// Package vault encrypts per-owner secret maps (SMTP, SFTP, cloud keys)
// at rest. Each encryption derives a fresh key from the master secret and
// a random salt, so the same secrets never produce the same blob and no
// cipher object is shared across calls.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/pbkdf2"

	"reportflow/internal/domain"
)

const (
	saltLen    = 16
	keyLen     = 32 // AES-256
	iterations = 100_000
)

// BlobStore persists opaque encrypted blobs keyed by owner.
type BlobStore interface {
	PutBlob(ctx context.Context, ownerID, blob string) error
	GetBlob(ctx context.Context, ownerID string) (string, error)
}

// Vault encrypts and decrypts secret maps. Safe for concurrent use;
// it holds no per-call state.
type Vault struct {
	master []byte
	store  BlobStore
}

// New creates a Vault around the master key. The key must be non-empty.
func New(masterKey []byte, store BlobStore) (*Vault, error) {
	if len(masterKey) == 0 {
		return nil, errors.Mark(errors.New("vault: empty master key"), domain.ErrSecurity)
	}
	return &Vault{master: masterKey, store: store}, nil
}

// Store encrypts secrets and persists the blob for ownerID.
func (v *Vault) Store(ctx context.Context, ownerID string, secrets map[string]string) error {
	blob, err := v.Encrypt(secrets)
	if err != nil {
		return err
	}
	return v.store.PutBlob(ctx, ownerID, blob)
}

// Retrieve loads and decrypts the secrets for ownerID.
func (v *Vault) Retrieve(ctx context.Context, ownerID string) (map[string]string, error) {
	blob, err := v.store.GetBlob(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return v.Decrypt(blob)
}

// Encrypt produces base64(salt ‖ nonce ‖ ciphertext) with a freshly
// generated salt per call.
func (v *Vault) Encrypt(secrets map[string]string) (string, error) {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return "", errors.Wrap(err, "vault: marshal secrets")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "vault: generate salt")
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "vault: generate nonce")
	}

	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Wrong key material, truncation, or tampering
// all surface as a SecurityError without leaking plaintext.
func (v *Vault) Decrypt(blob string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errors.Mark(errors.New("vault: malformed blob"), domain.ErrSecurity)
	}
	if len(raw) < saltLen {
		return nil, errors.Mark(errors.New("vault: blob too short"), domain.ErrSecurity)
	}
	salt, rest := raw[:saltLen], raw[saltLen:]

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, errors.Mark(errors.New("vault: blob too short"), domain.ErrSecurity)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Mark(errors.New("vault: decryption failed"), domain.ErrSecurity)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, errors.Mark(errors.New("vault: corrupt payload"), domain.ErrSecurity)
	}
	return secrets, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.master, salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "vault: cipher init")
	}
	return cipher.NewGCM(block)
}
