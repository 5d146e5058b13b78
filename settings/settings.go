// Package settings is the read-through cache for runtime configuration.
// Values resolve from the settings store, then the process environment, then
// the caller's default. Secret rows are decrypted before caching, so callers
// only ever see plaintext.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/models"
)

// DefaultTTL is how long a resolved value is served from memory.
const DefaultTTL = 30 * time.Second

// Mask replaces secret values in listings.
const Mask = "••••••"

// Store persists configuration rows. Values of secret rows are ciphered.
type Store interface {
	GetSetting(ctx context.Context, key string) (models.ConfigEntry, bool, error)
	UpsertSetting(ctx context.Context, e models.ConfigEntry) error
	ListSettings(ctx context.Context) ([]models.ConfigEntry, error)
	DeleteSetting(ctx context.Context, key string) error
}

var (
	ErrImmutable = errors.New("setting is immutable at runtime")
	ErrInvalid   = errors.New("invalid setting value")
)

// ImmutableError is returned when writing an ENV-only key.
type ImmutableError struct{ Key string }

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("%s can only be set through the environment", e.Key)
}

func (e *ImmutableError) Is(target error) bool { return target == ErrImmutable }

// ValidationError is returned when a value fails per-key validation.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason) }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

type cached struct {
	value   string
	found   bool
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	store     Store
	cipher    *crypto.Cipher
	ttl       time.Duration
	now       func() time.Time
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]cached
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithEnv injects the environment lookup.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(c *Cache) { c.lookupEnv = lookup }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New returns a Cache reading from store. A nil cipher stores secrets in
// plaintext.
func New(store Store, cipher *crypto.Cipher, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		cipher:    cipher,
		ttl:       DefaultTTL,
		now:       time.Now,
		lookupEnv: os.LookupEnv,
		logger:    slog.Default(),
		entries:   make(map[string]cached),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(slog.String("component", "settings"))
	return c
}

// Get resolves key. Decryption and store failures are returned, never
// replaced by the default.
func (c *Cache) Get(ctx context.Context, key, def string) (string, error) {
	if envOnly[key] {
		return c.envOr(key, def), nil
	}
	if v, found, ok := c.fromCache(key); ok {
		if found {
			return v, nil
		}
		return c.envOr(key, def), nil
	}

	e, found, err := c.store.GetSetting(ctx, key)
	if err != nil {
		return "", fmt.Errorf("settings get %s: %w", key, err)
	}
	value := ""
	if found {
		value = e.Value
		if e.IsSecret && value != "" {
			value, err = c.cipher.Decrypt(value)
			if err != nil {
				return "", fmt.Errorf("settings get %s: %w", key, err)
			}
		}
	}
	c.mu.Lock()
	c.entries[key] = cached{value: value, found: found, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	if found {
		return value, nil
	}
	return c.envOr(key, def), nil
}

func (c *Cache) fromCache(key string) (string, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return "", false, false
	}
	return e.value, e.found, true
}

func (c *Cache) envOr(key, def string) string {
	if v, ok := c.lookupEnv(key); ok {
		return v
	}
	return def
}

// String is Get under the accessor naming used by consumers.
func (c *Cache) String(ctx context.Context, key, def string) (string, error) {
	return c.Get(ctx, key, def)
}

// Bool interprets 1/true/yes as true and 0/false/no as false; anything else
// yields def.
func (c *Cache) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := c.Get(ctx, key, "")
	if err != nil {
		return def, err
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	}
	return def, nil
}

// Int parses an integer value, returning def when unset or malformed.
func (c *Cache) Int(ctx context.Context, key string, def int) (int, error) {
	v, err := c.Get(ctx, key, "")
	if err != nil {
		return def, err
	}
	n, perr := strconv.Atoi(strings.TrimSpace(v))
	if perr != nil {
		return def, nil
	}
	return n, nil
}

// ParseDuration accepts a Go duration ("1.5s") or a bare integer of
// milliseconds. Negative and malformed values report false.
func ParseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, false
		}
		return time.Duration(ms) * time.Millisecond, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// Duration parses the value with ParseDuration, returning def when unset or
// malformed.
func (c *Cache) Duration(ctx context.Context, key string, def time.Duration) (time.Duration, error) {
	v, err := c.Get(ctx, key, "")
	if err != nil {
		return def, err
	}
	if d, ok := ParseDuration(v); ok {
		return d, nil
	}
	return def, nil
}

// List splits a comma separated value, dropping blanks.
func (c *Cache) List(ctx context.Context, key string) ([]string, error) {
	v, err := c.Get(ctx, key, "")
	if err != nil {
		return nil, err
	}
	return splitCSV(v), nil
}

// JSON unmarshals the value into dst. Malformed JSON leaves dst untouched.
func (c *Cache) JSON(ctx context.Context, key string, dst any) error {
	v, err := c.Get(ctx, key, "")
	if err != nil {
		return err
	}
	if v == "" {
		return nil
	}
	if jerr := json.Unmarshal([]byte(v), dst); jerr != nil {
		c.logger.Warn("malformed JSON setting ignored", slog.String("key", key), slog.Any("err", jerr))
	}
	return nil
}

// Update is a write request.
type Update struct {
	Key       string
	Value     string
	IsSecret  bool
	UpdatedBy string
}

var graphVersionRe = regexp.MustCompile(`^v\d+\.\d+$`)

// Normalize applies per-key normalization and validation and reports
// whether the value must be stored as a secret.
func Normalize(key, value string, isSecret bool) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, &ValidationError{Key: key, Reason: "key is required"}
	}
	if envOnly[key] {
		return "", false, &ImmutableError{Key: key}
	}
	value = strings.TrimSpace(value)
	if csvKeys[key] {
		value = strings.Join(splitCSV(value), ",")
	}
	switch {
	case key == KeyGraphVersion && value != "":
		if !graphVersionRe.MatchString(value) {
			return "", false, &ValidationError{Key: key, Reason: `must look like "v24.0"`}
		}
	case nonNegativeIntKeys[key] && value != "":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return "", false, &ValidationError{Key: key, Reason: "must be a non-negative integer"}
		}
	case key == KeyFacebookPermalinkDelay && value != "":
		if _, ok := ParseDuration(value); !ok {
			return "", false, &ValidationError{Key: key, Reason: `must be a duration like "1500ms"`}
		}
	case key == KeyFacebookCommentModeration && value != "":
		value = strings.ToUpper(value)
		for _, mode := range splitCSV(value) {
			if !CommentModerationModes[mode] {
				return "", false, &ValidationError{Key: key, Reason: "unknown moderation mode " + mode}
			}
		}
	case key == KeyCrossProviderExclusive && value != "":
		switch strings.ToLower(value) {
		case "1", "true", "yes", "0", "false", "no":
		default:
			return "", false, &ValidationError{Key: key, Reason: "must be a boolean"}
		}
	}
	if sensitive[key] {
		isSecret = true
	}
	if value == "" {
		isSecret = false
	}
	return value, isSecret, nil
}

// Set validates, encrypts when secret, persists and invalidates the entry.
func (c *Cache) Set(ctx context.Context, u Update) error {
	value, isSecret, err := Normalize(u.Key, u.Value, u.IsSecret)
	if err != nil {
		return err
	}
	key := strings.TrimSpace(u.Key)
	stored := value
	if isSecret {
		stored, err = c.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("settings set %s: %w", key, err)
		}
	}
	now := c.now().UTC()
	if err := c.store.UpsertSetting(ctx, models.ConfigEntry{
		Key:       key,
		Value:     stored,
		IsSecret:  isSecret,
		UpdatedBy: u.UpdatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("settings set %s: %w", key, err)
	}
	c.Invalidate(key)
	c.logger.Info("setting updated", slog.String("key", key), slog.Bool("secret", isSecret), slog.String("by", u.UpdatedBy))
	return nil
}

// Delete removes a row so the key falls back to env/default.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if envOnly[key] {
		return &ImmutableError{Key: key}
	}
	if err := c.store.DeleteSetting(ctx, key); err != nil {
		return fmt.Errorf("settings delete %s: %w", key, err)
	}
	c.Invalidate(key)
	return nil
}

// Listed is a setting as exposed to operators.
type Listed struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"isSecret"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListMasked returns every stored row with secret values masked.
func (c *Cache) ListMasked(ctx context.Context) ([]Listed, error) {
	rows, err := c.store.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings list: %w", err)
	}
	out := make([]Listed, 0, len(rows))
	for _, r := range rows {
		v := r.Value
		if r.IsSecret && v != "" {
			v = Mask
		}
		out = append(out, Listed{Key: r.Key, Value: v, IsSecret: r.IsSecret, UpdatedBy: r.UpdatedBy, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// Invalidate drops one cached key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every cached key.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cached)
	c.mu.Unlock()
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
