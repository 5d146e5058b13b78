package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/settings"
)

// Settings is a static key/value view satisfying the consumers' settings
// interfaces.
type Settings map[string]string

func (s Settings) String(_ context.Context, key, def string) (string, error) {
	if v, ok := s[key]; ok {
		return v, nil
	}
	return def, nil
}

func (s Settings) Int(_ context.Context, key string, def int) (int, error) {
	if v, ok := s[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
	}
	return def, nil
}

func (s Settings) Bool(_ context.Context, key string, def bool) (bool, error) {
	if v, ok := s[key]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b, nil
		}
	}
	return def, nil
}

func (s Settings) Duration(_ context.Context, key string, def time.Duration) (time.Duration, error) {
	if d, ok := settings.ParseDuration(s[key]); ok {
		return d, nil
	}
	return def, nil
}

func (s Settings) List(_ context.Context, key string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s[key], ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// NewCipher returns an enabled cipher under a random key.
func NewCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	c, err := crypto.NewCipher(crypto.CipherConfig{Enabled: true, KeyBase64: base64.StdEncoding.EncodeToString(key)})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// MustEncrypt ciphers plain or fails the test.
func MustEncrypt(t *testing.T, c *crypto.Cipher, plain string) string {
	t.Helper()
	s, err := c.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
