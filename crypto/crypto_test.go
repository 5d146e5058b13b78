package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newKey(t *testing.T) string {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(k)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || enc == nil {
				t.Fatalf("NewAESEncryptor() = %v, %v", enc, err)
			}
		})
	}
}

func TestAESEncryptorTamperDetected(t *testing.T) {
	enc, err := NewAESEncryptor(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := enc.Encrypt([]byte("page-token"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
	if _, err := enc.Decrypt(ct[:5]); err == nil {
		t.Fatal("expected truncated ciphertext to fail")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	for _, plain := range []string{"a", "EAAB-long-lived-token", strings.Repeat("x", 4096), "ünïcødé"} {
		stored, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if !IsCiphered(stored) {
			t.Fatalf("Encrypt(%q) = %q, missing prefix", plain, stored)
		}
		got, err := c.Decrypt(stored)
		if err != nil || got != plain {
			t.Fatalf("Decrypt(Encrypt(%q)) = %q, %v", plain, got, err)
		}
	}
}

func TestCipherFreshNonce(t *testing.T) {
	c, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same value must differ")
	}
}

func TestCipherEmptyAndDisabled(t *testing.T) {
	c, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Encrypt(""); got != "" {
		t.Fatalf("Encrypt(\"\") = %q, want empty", got)
	}

	off, err := NewCipher(CipherConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := off.Encrypt("plain"); got != "plain" {
		t.Fatalf("disabled Encrypt = %q, want plaintext", got)
	}

	var nilCipher *Cipher
	if got, _ := nilCipher.Encrypt("plain"); got != "plain" {
		t.Fatalf("nil Encrypt = %q", got)
	}
	if got, err := nilCipher.Decrypt("legacy"); err != nil || got != "legacy" {
		t.Fatalf("nil Decrypt = %q, %v", got, err)
	}
}

func TestCipherLegacyPlaintextPassesThrough(t *testing.T) {
	c, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decrypt("EAAB-legacy")
	if err != nil || got != "EAAB-legacy" {
		t.Fatalf("Decrypt(legacy) = %q, %v", got, err)
	}
}

func TestCipherPreviousKeyRotation(t *testing.T) {
	oldKey, newK := newKey(t), newKey(t)
	before, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: oldKey})
	if err != nil {
		t.Fatal(err)
	}
	stored, err := before.Encrypt("rotate-me")
	if err != nil {
		t.Fatal(err)
	}

	after, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: newK, OldKeyBase64: oldKey})
	if err != nil {
		t.Fatal(err)
	}
	got, err := after.Decrypt(stored)
	if err != nil || got != "rotate-me" {
		t.Fatalf("Decrypt with previous key = %q, %v", got, err)
	}
	if !after.NeedsRotation(stored) {
		t.Fatal("value sealed under the previous key should need rotation")
	}
	fresh, _ := after.Encrypt("rotate-me")
	if after.NeedsRotation(fresh) {
		t.Fatal("value sealed under the current key should not need rotation")
	}
	if !after.NeedsRotation("plaintext") {
		t.Fatal("plaintext should need rotation while encryption is enabled")
	}
}

func TestCipherUnknownKeyFails(t *testing.T) {
	a, _ := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	b, _ := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t)})
	stored, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Decrypt(stored)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("Decrypt with wrong key error = %v, want ErrDecryption", err)
	}
	var de *DecryptionError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecryptionError, got %T", err)
	}

	off, _ := NewCipher(CipherConfig{})
	if _, err := off.Decrypt(stored); !errors.Is(err, ErrDecryption) {
		t.Fatalf("Decrypt without keys error = %v, want ErrDecryption", err)
	}
}

func TestNewCipherRequiresKeyWhenEnabled(t *testing.T) {
	if _, err := NewCipher(CipherConfig{Enabled: true}); err == nil {
		t.Fatal("expected error when enabled without key")
	}
	if _, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: "short"}); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

// sealTagFirst lays a GCM payload out as nonce || tag || ciphertext.
func sealTagFirst(t *testing.T, keyB64, plain string) string {
	t.Helper()
	key, _ := base64.StdEncoding.DecodeString(keyB64)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-aead.Overhead()], sealed[len(sealed)-aead.Overhead():]
	raw := append(append(append([]byte{}, nonce...), tag...), ct...)
	return Prefix + base64.StdEncoding.EncodeToString(raw)
}

func TestCipherOpensTagFirstLayout(t *testing.T) {
	key := newKey(t)
	c, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: key})
	if err != nil {
		t.Fatal(err)
	}
	stored := sealTagFirst(t, key, "page-token")
	got, err := c.Decrypt(stored)
	if err != nil || got != "page-token" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
	if !c.NeedsRotation(stored) {
		t.Fatal("tag-first value should need rotation")
	}
	resealed, err := c.Encrypt(got)
	if err != nil {
		t.Fatal(err)
	}
	if c.NeedsRotation(resealed) {
		t.Fatal("native value reported as needing rotation")
	}

	// tag-first under the previous key opens too
	rotating, err := NewCipher(CipherConfig{Enabled: true, KeyBase64: newKey(t), OldKeyBase64: key})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := rotating.Decrypt(stored); err != nil || got != "page-token" {
		t.Fatalf("Decrypt with previous key = %q, %v", got, err)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abc"); got != "••••••" {
		t.Fatalf("Mask(short) = %q", got)
	}
	if got := Mask("EAABtoken1234"); got != "***1234" {
		t.Fatalf("Mask(long) = %q", got)
	}
}
