// Package secrets encrypts user environment variable values at rest with
// AES-256-GCM under a key supplied by configuration.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES key size in bytes (AES-256).
const KeySize = 32

// valuePrefix tags ciphertext so plaintext rows from before encryption was
// configured still decode.
const valuePrefix = "enc:v1:"

// Cipher seals and opens env var values. A Cipher built from an empty key
// passes values through unchanged.
type Cipher struct {
	key []byte
}

// NewCipher builds a cipher from a base64-encoded 32-byte key. An empty key
// yields a passthrough cipher.
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return &Cipher{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// Enabled reports whether values are actually encrypted.
func (c *Cipher) Enabled() bool { return len(c.key) == KeySize }

// EncryptString seals a value as base64(nonce||ciphertext) with a version tag.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return valuePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a sealed value. Untagged values are returned as-is so
// rows written before a key was configured keep working.
func (c *Cipher) DecryptString(stored string) (string, error) {
	if !strings.HasPrefix(stored, valuePrefix) {
		return stored, nil
	}
	if !c.Enabled() {
		return "", fmt.Errorf("encrypted value present but no encryption key configured")
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, valuePrefix))
	if err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("value too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
