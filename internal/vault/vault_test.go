package vault_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/basket/altcap/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	v, err := vault.New(raw)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestVault_SealOpenRoundTrip(t *testing.T) {
	v := testVault(t)
	creds := vault.Credentials{
		AccessToken:  "token-abc",
		RefreshToken: "refresh-xyz",
		ClientID:     "client",
		ClientSecret: "hunter2",
	}

	blob, err := v.Seal(creds)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, []byte("token-abc")) {
		t.Fatalf("plaintext visible in sealed blob")
	}

	got, err := v.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != creds {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestVault_SealIsNonDeterministic(t *testing.T) {
	v := testVault(t)
	creds := vault.Credentials{AccessToken: "token"}
	a, err := v.Seal(creds)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := v.Seal(creds)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext must differ")
	}
}

func TestVault_WrongKeyFails(t *testing.T) {
	blob, err := testVault(t).Seal(vault.Credentials{AccessToken: "token"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	other := testVault(t)
	if _, err := other.Open(blob); !errors.Is(err, vault.ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestVault_TamperDetected(t *testing.T) {
	v := testVault(t)
	blob, err := v.Seal(vault.Credentials{AccessToken: "token"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	if _, err := v.Open(blob); !errors.Is(err, vault.ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestVault_TruncatedBlob(t *testing.T) {
	v := testVault(t)
	if _, err := v.Open([]byte("short")); !errors.Is(err, vault.ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestVault_FromEnv(t *testing.T) {
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("ALTCAP_TEST_VAULT_KEY", key)
	if _, err := vault.FromEnv("ALTCAP_TEST_VAULT_KEY"); err != nil {
		t.Fatalf("from env: %v", err)
	}

	t.Setenv("ALTCAP_TEST_VAULT_KEY", "")
	if _, err := vault.FromEnv("ALTCAP_TEST_VAULT_KEY"); !errors.Is(err, vault.ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}

	t.Setenv("ALTCAP_TEST_VAULT_KEY", "!!!not-base64!!!")
	if _, err := vault.FromEnv("ALTCAP_TEST_VAULT_KEY"); !errors.Is(err, vault.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestVault_RejectsShortKey(t *testing.T) {
	if _, err := vault.New([]byte("short")); !errors.Is(err, vault.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
