/**
 * @description
 * Package secretbox encrypts short secrets (webhook signing keys) at rest.
 * Ciphertexts are `v1:` followed by base64(nonce || sealed) using
 * XChaCha20-Poly1305 with a key derived from the configured master key via HKDF-SHA256.
 *
 * @notes
 * - Values without the `v1:` prefix are legacy plaintext. Decrypt reports them with
 *   ErrLegacy instead of passing them through; only MigrateLegacy accepts them.
 */
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	versionPrefix = "v1:"
	hkdfInfo      = "pixgate webhook secret v1"
)

var (
	// ErrDecrypt is returned for tampered, truncated or wrongly keyed ciphertexts.
	ErrDecrypt = errors.New("secretbox: decryption failed")
	// ErrLegacy is returned by Decrypt for values stored before encryption was introduced.
	ErrLegacy = errors.New("secretbox: legacy plaintext value")
	// ErrEmptyKey is returned when no master key is configured.
	ErrEmptyKey = errors.New("secretbox: empty master key")
)

// Box seals and opens secrets with a single derived key.
type Box struct {
	key []byte
}

// New derives the encryption key from masterKey.
func New(masterKey string) (*Box, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, ErrEmptyKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}
	return &Box{key: key}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return "", ErrLegacy
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, versionPrefix))
	if err != nil {
		return "", ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// MigrateLegacy encrypts a legacy plaintext value. Values that are already
// encrypted are returned unchanged with migrated=false.
func (b *Box) MigrateLegacy(stored string) (value string, migrated bool, err error) {
	if IsEncrypted(stored) {
		return stored, false, nil
	}
	enc, err := b.Encrypt(stored)
	if err != nil {
		return "", false, err
	}
	return enc, true, nil
}

// IsEncrypted reports whether value carries the current envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, versionPrefix)
}

// Hint returns a short non-reversible prefix for display.
func Hint(secret string) string {
	const visible = 10
	if len(secret) <= visible {
		if len(secret) <= 4 {
			return "****"
		}
		return secret[:4] + "****"
	}
	return secret[:visible] + "****"
}
