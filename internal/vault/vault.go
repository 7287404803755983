// Package vault seals platform credentials at rest. Plaintext exists only
// in memory between a decrypt and the outbound API call; the persistence
// layer stores nothing but the sealed blob.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeyMissing means the key environment variable is unset or empty.
	ErrKeyMissing = errors.New("vault key missing")
	// ErrInvalidKey means the key material has the wrong length or encoding.
	ErrInvalidKey = errors.New("invalid vault key")
	// ErrDecryptFailed means the blob is corrupt or sealed under another key.
	ErrDecryptFailed = errors.New("credential decrypt failed")
)

// Credentials is the plaintext shape sealed into a connection row.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Vault seals and opens credential blobs with XChaCha20-Poly1305.
type Vault struct {
	key []byte
}

// New builds a Vault from 32 bytes of key material.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	out := make([]byte, chacha20poly1305.KeySize)
	copy(out, key)
	return &Vault{key: out}, nil
}

// FromEnv reads a base64url key from the named environment variable.
func FromEnv(envVar string) (*Vault, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrKeyMissing, envVar)
	}
	key, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidKey, envVar, err)
	}
	return New(key)
}

// GenerateKey returns fresh key material in the encoding FromEnv expects.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate vault key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Seal encrypts the credentials. The blob layout is nonce || ciphertext.
func (v *Vault) Seal(creds Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(blob []byte) (Credentials, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return Credentials{}, fmt.Errorf("init aead: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return Credentials{}, fmt.Errorf("%w: blob too short", ErrDecryptFailed)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credentials{}, ErrDecryptFailed
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: unmarshal: %v", ErrDecryptFailed, err)
	}
	return creds, nil
}
