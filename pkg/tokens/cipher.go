// Package tokens stores OAuth credentials for external services. Access and
// refresh tokens are sealed with ChaCha20-Poly1305 before they touch the
// database, so a leaked dump exposes only ciphertext.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals and opens token strings with a process-wide symmetric key.
type Cipher struct {
	key []byte
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// NewCipherFromEnv reads the key from the named environment variable.
// Accepts 64 hex characters or standard base64 of 32 bytes. Missing or
// malformed keys are a startup failure: running with plaintext tokens is
// not an option.
func NewCipherFromEnv(envVar string) (*Cipher, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", envVar)
	}

	if key, err := hex.DecodeString(raw); err == nil && len(key) == chacha20poly1305.KeySize {
		return NewCipher(key)
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == chacha20poly1305.KeySize {
		return NewCipher(key)
	}
	return nil, fmt.Errorf("%s must be 32 bytes encoded as hex or base64", envVar)
}

// Seal encrypts a token string. The random nonce is prepended to the
// ciphertext so each column is self-contained.
func (c *Cipher) Seal(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed token.
func (c *Cipher) Open(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to build cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("sealed token too short (%d bytes)", len(sealed))
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed token: %w", err)
	}
	return string(plaintext), nil
}
