// Package pii encrypts personally identifiable data (national identity
// documents) before it reaches Postgres. Lookups never touch plaintext:
// they go through a SHA-256 digest of the normalized document.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100000
	keyLength     = 32
)

// keySalt is fixed so every instance derives the same key from the shared
// application secret. Rotating the secret re-encrypts nothing; old tokens
// become unreadable.
var keySalt = []byte("loan_pii_salt_v1")

var ErrInvalidToken = errors.New("pii: invalid ciphertext token")

// Codec seals and opens PII values with a key derived from the application
// secret. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives an AES-256-GCM key from secret via PBKDF2-SHA256.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("pii: empty secret")
	}
	key := pbkdf2.Key([]byte(secret), keySalt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pii: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pii: gcm init: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt returns a base64url token of nonce||ciphertext. Empty input passes
// through unchanged.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pii: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Empty input passes through unchanged.
func (c *Codec) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrInvalidToken
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(plain), nil
}

// HashDocument produces the deduplication digest for a national document:
// SHA-256 over UPPER(country:document) with separators removed. The digest
// is a stable lookup key; changing it breaks historical lookups.
func HashDocument(document, countryCode string) string {
	sum := sha256.Sum256([]byte(
		strings.ToUpper(strings.TrimSpace(countryCode)) + ":" + NormalizeDocument(document)))
	return hex.EncodeToString(sum[:])
}

// NormalizeDocument strips separators and uppercases.
func NormalizeDocument(document string) string {
	r := strings.NewReplacer(" ", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(document))
}

// MaskDocument keeps the last four characters visible for display to roles
// without PII access.
func MaskDocument(document string) string {
	n := len(document)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	return strings.Repeat("*", n-4) + document[n-4:]
}
