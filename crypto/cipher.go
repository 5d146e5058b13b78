package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Prefix marks a value sealed by Cipher.
const Prefix = "enc:gcm:"

// ErrDecryption is the errors.Is target for every DecryptionError.
var ErrDecryption = errors.New("secret decryption failed")

// DecryptionError reports a ciphered value that no configured key opens.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string { return "decrypt secret: " + e.Reason }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Cipher encrypts with the current key and decrypts with the current key,
// then the previous one. A nil *Cipher behaves as a disabled cipher.
type Cipher struct {
	enabled  bool
	current  Encryptor
	previous Encryptor
}

// CipherConfig describes the keys used to build a Cipher.
type CipherConfig struct {
	Enabled      bool
	KeyBase64    string
	OldKeyBase64 string
}

// NewCipher builds a Cipher. Encryption enabled without a current key is a
// configuration error; an old key alone is accepted for read-only rotation.
func NewCipher(cfg CipherConfig) (*Cipher, error) {
	c := &Cipher{enabled: cfg.Enabled}
	if cfg.KeyBase64 != "" {
		enc, err := NewAESEncryptor(cfg.KeyBase64)
		if err != nil {
			return nil, fmt.Errorf("LIVE_SECRET_KEY_BASE64: %w", err)
		}
		c.current = enc
	}
	if cfg.OldKeyBase64 != "" {
		enc, err := NewAESEncryptor(cfg.OldKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("LIVE_SECRET_KEY_BASE64_OLD: %w", err)
		}
		c.previous = enc
	}
	if c.enabled && c.current == nil {
		return nil, fmt.Errorf("encryption enabled but LIVE_SECRET_KEY_BASE64 is not set")
	}
	return c, nil
}

// Enabled reports whether Encrypt produces ciphered output.
func (c *Cipher) Enabled() bool { return c != nil && c.enabled && c.current != nil }

// IsCiphered reports whether s carries the ciphered marker.
func IsCiphered(s string) bool { return strings.HasPrefix(s, Prefix) }

// Encrypt seals plain. Empty input stays empty and a disabled cipher returns
// plain unchanged.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if !c.Enabled() {
		return plain, nil
	}
	body, err := EncryptString(c.current, plain)
	if err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}
	return Prefix + body, nil
}

// Decrypt opens a stored value. Values without the marker are legacy
// plaintext and are returned as-is.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !IsCiphered(stored) {
		return stored, nil
	}
	if c == nil || (c.current == nil && c.previous == nil) {
		return "", &DecryptionError{Reason: "ciphered value but no key configured"}
	}
	body := strings.TrimPrefix(stored, Prefix)
	for _, enc := range []Encryptor{c.current, c.previous} {
		if enc == nil {
			continue
		}
		if pt, err := DecryptString(enc, body); err == nil {
			return pt, nil
		}
	}
	return "", &DecryptionError{Reason: "no configured key authenticates the value"}
}

// NeedsRotation reports whether a stored value should be re-encrypted under
// the current key: plaintext while encryption is enabled, a ciphered value
// only the previous key opens, or one in the tag-first layout.
func (c *Cipher) NeedsRotation(stored string) bool {
	if stored == "" || !c.Enabled() {
		return false
	}
	if !IsCiphered(stored) {
		return true
	}
	body := strings.TrimPrefix(stored, Prefix)
	if _, err := DecryptString(c.current, body); err != nil {
		return true
	}
	if a, ok := c.current.(*AESEncryptor); ok {
		raw, err := base64.StdEncoding.DecodeString(body)
		return err == nil && a.TagFirst(raw)
	}
	return false
}

// Mask hides a secret for logs and listings, keeping a short tail.
func Mask(s string) string {
	if len(s) <= 6 {
		return "••••••"
	}
	return "***" + s[len(s)-4:]
}
