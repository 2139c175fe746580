// Package vault encrypts provider credentials at rest using AES-256-GCM.
// Ciphertexts carry a versioned envelope so the key can be rotated without
// re-encrypting every stored secret up front: decryption tries the current
// key first and falls back to the previous key on authentication failure.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const envelopePrefix = "enc:v1:"

var (
	// ErrConfigMissing is returned when an encrypted value is presented but
	// no encryption key is configured.
	ErrConfigMissing = errors.New("vault: encryption key not configured")
	// ErrCryptoAuth is returned when a ciphertext fails authentication under
	// every configured key.
	ErrCryptoAuth = errors.New("vault: ciphertext authentication failed")
)

// Vault performs authenticated encryption with key rotation support.
type Vault struct {
	current  cipher.AEAD
	previous cipher.AEAD
}

// New builds a Vault from a 32-byte current key and an optional previous key.
// Both may be nil, in which case the vault passes plaintext through and fails
// only when asked to decrypt an encrypted value.
func New(currentKey, previousKey []byte) (*Vault, error) {
	v := &Vault{}
	var err error
	if len(currentKey) > 0 {
		if v.current, err = newAEAD(currentKey); err != nil {
			return nil, err
		}
	}
	if len(previousKey) > 0 {
		if v.previous, err = newAEAD(previousKey); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current key and returns the envelope
// string. Without a configured key the value is returned unchanged, which
// keeps dev setups working with plaintext secrets.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v.current == nil {
		return plaintext, nil
	}
	nonce := make([]byte, v.current.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.current.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Legacy plaintext values
// (no envelope prefix) pass through untouched.
func (v *Vault) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, envelopePrefix) {
		return value, nil
	}
	if v.current == nil && v.previous == nil {
		return "", ErrConfigMissing
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("vault: decode envelope: %w", err)
	}

	for _, aead := range []cipher.AEAD{v.current, v.previous} {
		if aead == nil {
			continue
		}
		if len(raw) < aead.NonceSize() {
			continue
		}
		nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrCryptoAuth
}

// IsEncrypted reports whether value carries the vault envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}
