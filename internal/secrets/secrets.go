// Package secrets covers the two credential rules the rest of the code
// relies on: operator passwords are stored only as salted PBKDF2 hashes,
// and remote server credentials are sealed with AES-256-GCM before they
// touch the metadata store.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes = 32
	keyBytes  = 32
	hashBytes = 32
)

var ErrInvalidKey = errors.New("encryption key must be 32 hex-encoded bytes")

// NewSalt returns a fresh random hex salt for password hashing.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword derives a PBKDF2-SHA256 hash of password under salt.
func HashPassword(password, salt string, iterations int) string {
	sum := pbkdf2.Key([]byte(password), []byte(salt), iterations, hashBytes, sha256.New)
	return hex.EncodeToString(sum)
}

// VerifyPassword reports whether password matches the stored hash, in
// constant time.
func VerifyPassword(password, salt, storedHash string, iterations int) bool {
	computed := HashPassword(password, salt, iterations)
	return hmac.Equal([]byte(computed), []byte(storedHash))
}

// Box seals and opens small secrets (server passwords, directory bind
// credentials) with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a hex-encoded 32-byte key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keyBytes {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 token (nonce || ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal.
func (b *Box) Open(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("malformed secret token: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("secret token too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to open secret: %w", err)
	}
	return string(plain), nil
}
