package settings

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/models"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]models.ConfigEntry
	gets int
	err  error
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]models.ConfigEntry{}} }

func (f *fakeStore) GetSetting(_ context.Context, key string) (models.ConfigEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return models.ConfigEntry{}, false, f.err
	}
	e, ok := f.rows[key]
	return e, ok, nil
}

func (f *fakeStore) UpsertSetting(_ context.Context, e models.ConfigEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.Key] = e
	return nil
}

func (f *fakeStore) ListSettings(context.Context) ([]models.ConfigEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConfigEntry
	for _, e := range f.rows {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) DeleteSetting(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, key)
	return nil
}

func testCipher(t *testing.T, seed byte) *crypto.Cipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed
	}
	c, err := crypto.NewCipher(crypto.CipherConfig{Enabled: true, KeyBase64: base64.StdEncoding.EncodeToString(key)})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func noEnv(string) (string, bool) { return "", false }

func TestGetFallsBackToEnvThenDefault(t *testing.T) {
	env := map[string]string{KeyGraphVersion: "v19.0"}
	c := New(newFakeStore(), nil, WithEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
	ctx := context.Background()

	if got, _ := c.Get(ctx, KeyGraphVersion, DefaultGraphVersion); got != "v19.0" {
		t.Fatalf("Get env fallback = %q", got)
	}
	if got, _ := c.Get(ctx, KeyYouTubeStreamTitle, "def"); got != "def" {
		t.Fatalf("Get default = %q", got)
	}
}

func TestGetCachesWithinTTL(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(store, nil, WithEnv(noEnv), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_ = c.Set(ctx, Update{Key: KeyGraphVersion, Value: "v20.0"})

	for i := 0; i < 3; i++ {
		if got, _ := c.Get(ctx, KeyGraphVersion, ""); got != "v20.0" {
			t.Fatalf("Get = %q", got)
		}
	}
	if store.gets != 1 {
		t.Fatalf("store gets = %d, want 1", store.gets)
	}

	now = now.Add(31 * time.Second)
	_, _ = c.Get(ctx, KeyGraphVersion, "")
	if store.gets != 2 {
		t.Fatalf("store gets after TTL = %d, want 2", store.gets)
	}
}

func TestSetInvalidatesCache(t *testing.T) {
	c := New(newFakeStore(), nil, WithEnv(noEnv))
	ctx := context.Background()
	if err := c.Set(ctx, Update{Key: KeyGraphVersion, Value: "v20.0"}); err != nil {
		t.Fatal(err)
	}
	_, _ = c.Get(ctx, KeyGraphVersion, "")
	if err := c.Set(ctx, Update{Key: KeyGraphVersion, Value: "v21.0"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Get(ctx, KeyGraphVersion, ""); got != "v21.0" {
		t.Fatalf("Get after Set = %q, want v21.0", got)
	}
}

func TestSetValidation(t *testing.T) {
	c := New(newFakeStore(), nil, WithEnv(noEnv))
	ctx := context.Background()
	tests := []struct {
		key, value string
		want       error
	}{
		{KeyGraphVersion, "24.0", ErrInvalid},
		{KeyGraphVersion, "v24", ErrInvalid},
		{KeyGraphVersion, "v24.0", nil},
		{KeyBusyWindowMS, "-1", ErrInvalid},
		{KeyBusyWindowMS, "abc", ErrInvalid},
		{KeyBusyWindowMS, "0", nil},
		{KeyCrossProviderExclusive, "maybe", ErrInvalid},
		{KeyCrossProviderExclusive, "yes", nil},
		{KeyFacebookPermalinkDelay, "soon", ErrInvalid},
		{KeyFacebookPermalinkDelay, "-5ms", ErrInvalid},
		{KeyFacebookPermalinkDelay, "2s", nil},
		{KeyFacebookCommentModeration, "slow,shouting", ErrInvalid},
		{KeyFacebookCommentModeration, "slow, no_hyperlink", nil},
		{KeyEncryption, "0", ErrImmutable},
		{KeySecretKey, "abc", ErrImmutable},
		{KeySecretKeyOld, "abc", ErrImmutable},
	}
	for _, tt := range tests {
		err := c.Set(ctx, Update{Key: tt.key, Value: tt.value})
		if tt.want == nil {
			if err != nil {
				t.Errorf("Set(%s=%q) unexpected error %v", tt.key, tt.value, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("Set(%s=%q) error = %v, want %v", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestEnvOnlyKeysIgnoreStore(t *testing.T) {
	store := newFakeStore()
	store.rows[KeyEncryption] = models.ConfigEntry{Key: KeyEncryption, Value: "0"}
	c := New(store, nil, WithEnv(func(k string) (string, bool) {
		if k == KeyEncryption {
			return "1", true
		}
		return "", false
	}))
	on, err := c.Bool(context.Background(), KeyEncryption, false)
	if err != nil || !on {
		t.Fatalf("Bool(LIVE_ENCRYPTION) = %v, %v; want env value", on, err)
	}
	if store.gets != 0 {
		t.Fatalf("store consulted for env-only key")
	}
}

func TestSecretsEncryptedAndDecrypted(t *testing.T) {
	store := newFakeStore()
	c := New(store, testCipher(t, 7), WithEnv(noEnv))
	ctx := context.Background()
	if err := c.Set(ctx, Update{Key: KeyFacebookAppSecret, Value: "s3cr3t", UpdatedBy: "ops"}); err != nil {
		t.Fatal(err)
	}
	row := store.rows[KeyFacebookAppSecret]
	if !row.IsSecret || !crypto.IsCiphered(row.Value) {
		t.Fatalf("stored row = %+v, want ciphered secret", row)
	}
	if got, err := c.Get(ctx, KeyFacebookAppSecret, ""); err != nil || got != "s3cr3t" {
		t.Fatalf("Get(secret) = %q, %v", got, err)
	}

	listed, err := c.ListMasked(ctx)
	if err != nil || len(listed) != 1 || listed[0].Value != Mask {
		t.Fatalf("ListMasked = %+v, %v", listed, err)
	}
}

func TestEmptyValueIsNeverSecret(t *testing.T) {
	store := newFakeStore()
	c := New(store, testCipher(t, 7), WithEnv(noEnv))
	if err := c.Set(context.Background(), Update{Key: KeyFacebookAppSecret, Value: "  ", IsSecret: true}); err != nil {
		t.Fatal(err)
	}
	if row := store.rows[KeyFacebookAppSecret]; row.IsSecret || row.Value != "" {
		t.Fatalf("row = %+v, want empty non-secret", row)
	}
}

func TestDecryptionFailurePropagates(t *testing.T) {
	store := newFakeStore()
	writer := New(store, testCipher(t, 1), WithEnv(noEnv))
	if err := writer.Set(context.Background(), Update{Key: KeyGoogleClientSecret, Value: "abc"}); err != nil {
		t.Fatal(err)
	}
	reader := New(store, testCipher(t, 2), WithEnv(func(string) (string, bool) { return "env-value", true }))
	_, err := reader.String(context.Background(), KeyGoogleClientSecret, "def")
	if !errors.Is(err, crypto.ErrDecryption) {
		t.Fatalf("error = %v, want ErrDecryption", err)
	}
	if _, err := reader.Int(context.Background(), KeyGoogleClientSecret, 1); !errors.Is(err, crypto.ErrDecryption) {
		t.Fatalf("Int error = %v, want ErrDecryption", err)
	}
}

func TestCSVNormalization(t *testing.T) {
	store := newFakeStore()
	c := New(store, nil, WithEnv(noEnv))
	ctx := context.Background()
	if err := c.Set(ctx, Update{Key: KeyGoogleRedirectURI, Value: " https://a/cb , ,https://b/cb ,"}); err != nil {
		t.Fatal(err)
	}
	if got := store.rows[KeyGoogleRedirectURI].Value; got != "https://a/cb,https://b/cb" {
		t.Fatalf("stored = %q", got)
	}
	list, _ := c.List(ctx, KeyGoogleRedirectURI)
	if strings.Join(list, "|") != "https://a/cb|https://b/cb" {
		t.Fatalf("List = %v", list)
	}
}

func TestCommentModerationNormalized(t *testing.T) {
	store := newFakeStore()
	c := New(store, nil, WithEnv(noEnv))
	if err := c.Set(context.Background(), Update{Key: KeyFacebookCommentModeration, Value: " slow , ,no_hyperlink"}); err != nil {
		t.Fatal(err)
	}
	if got := store.rows[KeyFacebookCommentModeration].Value; got != "SLOW,NO_HYPERLINK" {
		t.Fatalf("stored = %q", got)
	}
}

func TestDuration(t *testing.T) {
	store := newFakeStore()
	store.rows["X_DUR"] = models.ConfigEntry{Key: "X_DUR", Value: "2s"}
	store.rows["X_MS"] = models.ConfigEntry{Key: "X_MS", Value: "250"}
	store.rows["X_BAD"] = models.ConfigEntry{Key: "X_BAD", Value: "later"}
	store.rows["X_NEG"] = models.ConfigEntry{Key: "X_NEG", Value: "-1s"}
	c := New(store, nil, WithEnv(noEnv))
	ctx := context.Background()

	tests := []struct {
		key  string
		want time.Duration
	}{
		{"X_DUR", 2 * time.Second},
		{"X_MS", 250 * time.Millisecond},
		{"X_BAD", time.Minute},
		{"X_NEG", time.Minute},
		{"X_MISSING", time.Minute},
	}
	for _, tt := range tests {
		got, err := c.Duration(ctx, tt.key, time.Minute)
		if err != nil || got != tt.want {
			t.Errorf("Duration(%s) = %v, %v; want %v", tt.key, got, err, tt.want)
		}
	}
}

func TestTypedAccessorsFallBackOnMalformed(t *testing.T) {
	store := newFakeStore()
	store.rows["X_INT"] = models.ConfigEntry{Key: "X_INT", Value: "12x"}
	store.rows["X_BOOL"] = models.ConfigEntry{Key: "X_BOOL", Value: "Yes"}
	store.rows["X_JSON"] = models.ConfigEntry{Key: "X_JSON", Value: "{bad"}
	c := New(store, nil, WithEnv(noEnv))
	ctx := context.Background()

	if n, err := c.Int(ctx, "X_INT", 5); err != nil || n != 5 {
		t.Fatalf("Int = %d, %v", n, err)
	}
	if b, err := c.Bool(ctx, "X_BOOL", false); err != nil || !b {
		t.Fatalf("Bool = %v, %v", b, err)
	}
	dst := map[string]int{"keep": 1}
	if err := c.JSON(ctx, "X_JSON", &dst); err != nil || dst["keep"] != 1 {
		t.Fatalf("JSON = %v, %v", dst, err)
	}
}

func TestDeleteFallsBack(t *testing.T) {
	c := New(newFakeStore(), nil, WithEnv(noEnv))
	ctx := context.Background()
	_ = c.Set(ctx, Update{Key: KeyGraphVersion, Value: "v20.0"})
	_, _ = c.Get(ctx, KeyGraphVersion, "")
	if err := c.Delete(ctx, KeyGraphVersion); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Get(ctx, KeyGraphVersion, DefaultGraphVersion); got != DefaultGraphVersion {
		t.Fatalf("Get after delete = %q", got)
	}
	if err := c.Delete(ctx, KeySecretKey); !errors.Is(err, ErrImmutable) {
		t.Fatalf("Delete(env-only) = %v", err)
	}
}

func TestStoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("db down")
	c := New(store, nil, WithEnv(noEnv))
	if _, err := c.Get(context.Background(), KeyGraphVersion, "v1.0"); err == nil {
		t.Fatal("expected store error")
	}
}
