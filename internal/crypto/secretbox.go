// Package crypto provides the gateway's cryptographic primitives:
// symmetric encryption of secrets at rest, JWT minting and verification,
// and password hashing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

const keySize = 32 // AES-256

// ErrKeyFile indicates the encryption key file could not be loaded or created.
var ErrKeyFile = errors.New("encryption key file unavailable")

// SecretBox performs AES-256-GCM encryption of arbitrary byte strings.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a SecretBox from a raw 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// LoadOrCreateKey reads the hex-encoded key from path, creating a fresh
// random key with owner-only permissions on first start. A key file with
// group or world access is rejected.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if runtime.GOOS != "windows" {
			info, statErr := os.Stat(path)
			if statErr == nil && info.Mode().Perm()&0077 != 0 {
				return nil, fmt.Errorf("%w: %s has too-open permissions %04o, want 0600",
					ErrKeyFile, path, info.Mode().Perm())
			}
		}
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("%w: %s does not contain a valid key", ErrKeyFile, path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyFile, path, err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrKeyFile, err)
	}
	encoded := hex.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrKeyFile, path, err)
	}
	return key, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal output.
func (b *SecretBox) Open(sealed []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
