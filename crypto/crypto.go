// Package crypto protects secrets at rest (credential tokens, page tokens and
// secret settings) with AES-256-GCM. Stored values carry a version marker so
// legacy plaintext rows keep working and keys can be rotated.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encryptor is an authenticated (AEAD) byte encryptor.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with: openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns nonce || ciphertext || tag.
// A fresh random nonce is drawn on every call.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt, or one stored tag-first as
// nonce || tag || ciphertext. It fails when the payload is truncated or the
// authentication tag does not verify in either layout.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, _, err := e.open(ciphertext)
	return pt, err
}

// TagFirst reports whether ciphertext opens only in the tag-first layout.
func (e *AESEncryptor) TagFirst(ciphertext []byte) bool {
	_, tagFirst, err := e.open(ciphertext)
	return err == nil && tagFirst
}

func (e *AESEncryptor) open(ciphertext []byte) ([]byte, bool, error) {
	ns, ts := e.aead.NonceSize(), e.aead.Overhead()
	if len(ciphertext) < ns+ts {
		return nil, false, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns+ts, len(ciphertext))
	}
	nonce := ciphertext[:ns]
	if pt, err := e.aead.Open(nil, nonce, ciphertext[ns:], nil); err == nil {
		return pt, false, nil
	}
	if len(ciphertext) > ns+ts {
		sealed := make([]byte, 0, len(ciphertext)-ns)
		sealed = append(sealed, ciphertext[ns+ts:]...)
		sealed = append(sealed, ciphertext[ns:ns+ts]...)
		if pt, err := e.aead.Open(nil, nonce, sealed, nil); err == nil {
			return pt, true, nil
		}
	}
	return nil, false, fmt.Errorf("decryption failed: authentication or integrity check failed")
}

// EncryptString encrypts s and base64-encodes the sealed bytes.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, b64 string) (string, error) {
	if b64 == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
