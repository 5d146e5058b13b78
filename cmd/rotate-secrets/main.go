// Package main provides a CLI tool that re-encrypts stored secrets under the
// current key.
//
// Every secret column is visited: credential access and refresh tokens,
// secret or sensitive runtime settings, ledger user and page tokens, and the page token
// cached in eligible Facebook channel meta. A value is rewritten when it is
// plaintext while encryption is enabled, or when only the previous key opens
// it.
//
// Usage:
//
//	rotate-secrets [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string
//	LIVE_ENCRYPTION: Must be true for anything to be rotated
//	LIVE_SECRET_KEY_BASE64: Current base64-encoded 32-byte key
//	LIVE_SECRET_KEY_BASE64_OLD: Previous key, needed to open old values
//
// Example:
//
//	export LIVE_SECRET_KEY_BASE64_OLD="$LIVE_SECRET_KEY_BASE64"
//	export LIVE_SECRET_KEY_BASE64="$(openssl rand -base64 32)"
//	./rotate-secrets --dry-run
//	./rotate-secrets
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-router/config"
	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/db"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/settings"
)

// Store is the slice of db.Store the rotation touches.
type Store interface {
	ListCredentials(ctx context.Context) ([]models.Credential, error)
	UpdateCredentialTokens(ctx context.Context, id, access, refresh string, expiresAt *time.Time) error
	ListSettings(ctx context.Context) ([]models.ConfigEntry, error)
	UpsertSetting(ctx context.Context, e models.ConfigEntry) error
	ListPageTokens(ctx context.Context) ([]models.PageToken, error)
	UpsertPageToken(ctx context.Context, p models.PageToken) error
	ListEligibleChannels(ctx context.Context, providers []models.Provider) ([]models.Channel, error)
	UpdateChannelMeta(ctx context.Context, id string, meta models.ChannelMeta, checkedAt time.Time) error
}

// Report counts rotated rows per table.
type Report struct {
	Credentials int
	Settings    int
	PageTokens  int
	Channels    int
	Errors      int
}

func (r Report) total() int { return r.Credentials + r.Settings + r.PageTokens + r.Channels }

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be rotated without making changes")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if !cfg.EncryptionEnabled {
		slog.Error("LIVE_ENCRYPTION is disabled; nothing to rotate")
		os.Exit(1)
	}
	cipher, err := crypto.NewCipher(crypto.CipherConfig{
		Enabled:      true,
		KeyBase64:    cfg.SecretKey,
		OldKeyBase64: cfg.SecretKeyOld,
	})
	if err != nil {
		slog.Error("failed to initialize cipher", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	rep, err := rotate(ctx, db.New(database), cipher, *dryRun)
	slog.Info("rotation summary",
		slog.Int("credentials", rep.Credentials),
		slog.Int("settings", rep.Settings),
		slog.Int("page_tokens", rep.PageTokens),
		slog.Int("channels", rep.Channels),
		slog.Int("errors", rep.Errors),
		slog.Bool("dry_run", *dryRun))
	if err != nil {
		slog.Error("rotation failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("rotation completed successfully")
}

// rotate re-encrypts every value that needs it. Row failures are logged and
// counted; the walk continues and a summary error is returned at the end.
func rotate(ctx context.Context, store Store, c *crypto.Cipher, dryRun bool) (Report, error) {
	var rep Report
	if err := rotateCredentials(ctx, store, c, dryRun, &rep); err != nil {
		return rep, err
	}
	if err := rotateSettings(ctx, store, c, dryRun, &rep); err != nil {
		return rep, err
	}
	if err := rotatePageTokens(ctx, store, c, dryRun, &rep); err != nil {
		return rep, err
	}
	if err := rotateChannels(ctx, store, c, dryRun, &rep); err != nil {
		return rep, err
	}
	if rep.total() == 0 && rep.Errors == 0 {
		slog.Info("no secrets need rotation")
	}
	if rep.Errors > 0 {
		return rep, fmt.Errorf("rotation completed with %d errors", rep.Errors)
	}
	return rep, nil
}

// reseal decrypts stored and encrypts it again under the current key.
func reseal(c *crypto.Cipher, stored string) (string, error) {
	if !c.NeedsRotation(stored) {
		return stored, nil
	}
	plain, err := c.Decrypt(stored)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plain)
}

func rotateCredentials(ctx context.Context, store Store, c *crypto.Cipher, dryRun bool, rep *Report) error {
	creds, err := store.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	for _, cred := range creds {
		if !c.NeedsRotation(cred.AccessToken) && !c.NeedsRotation(cred.RefreshToken) {
			continue
		}
		logger := slog.With(slog.String("credential_id", cred.ID), slog.String("provider", string(cred.Provider)))
		if dryRun {
			logger.Info("would rotate credential (dry-run)")
			rep.Credentials++
			continue
		}
		access, err := reseal(c, cred.AccessToken)
		if err == nil {
			var refresh string
			if refresh, err = reseal(c, cred.RefreshToken); err == nil {
				err = store.UpdateCredentialTokens(ctx, cred.ID, access, refresh, cred.ExpiresAt)
			}
		}
		if err != nil {
			logger.Error("failed to rotate credential", slog.Any("error", err))
			rep.Errors++
			continue
		}
		rep.Credentials++
	}
	return nil
}

func rotateSettings(ctx context.Context, store Store, c *crypto.Cipher, dryRun bool, rep *Report) error {
	rows, err := store.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("list settings: %w", err)
	}
	for _, e := range rows {
		// sensitive keys written outside the cache may lack the secret flag
		if !e.IsSecret && !settings.IsSensitive(e.Key) {
			continue
		}
		if e.Value == "" || !c.NeedsRotation(e.Value) {
			continue
		}
		logger := slog.With(slog.String("key", e.Key))
		if dryRun {
			logger.Info("would rotate setting (dry-run)")
			rep.Settings++
			continue
		}
		v, err := reseal(c, e.Value)
		if err == nil {
			e.Value, e.IsSecret = v, true
			e.UpdatedAt = time.Now().UTC()
			e.UpdatedBy = "rotate-secrets"
			err = store.UpsertSetting(ctx, e)
		}
		if err != nil {
			logger.Error("failed to rotate setting", slog.Any("error", err))
			rep.Errors++
			continue
		}
		rep.Settings++
	}
	return nil
}

func rotatePageTokens(ctx context.Context, store Store, c *crypto.Cipher, dryRun bool, rep *Report) error {
	recs, err := store.ListPageTokens(ctx)
	if err != nil {
		return fmt.Errorf("list page tokens: %w", err)
	}
	for _, p := range recs {
		if !c.NeedsRotation(p.LongUserToken) && !c.NeedsRotation(p.Token) {
			continue
		}
		logger := slog.With(slog.String("page_id", p.PageID))
		if dryRun {
			logger.Info("would rotate page token (dry-run)")
			rep.PageTokens++
			continue
		}
		lut, err := reseal(c, p.LongUserToken)
		if err == nil {
			var tok string
			if tok, err = reseal(c, p.Token); err == nil {
				p.LongUserToken, p.Token = lut, tok
				err = store.UpsertPageToken(ctx, p)
			}
		}
		if err != nil {
			logger.Error("failed to rotate page token", slog.Any("error", err))
			rep.Errors++
			continue
		}
		rep.PageTokens++
	}
	return nil
}

func rotateChannels(ctx context.Context, store Store, c *crypto.Cipher, dryRun bool, rep *Report) error {
	chans, err := store.ListEligibleChannels(ctx, []models.Provider{models.ProviderFacebook})
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range chans {
		fm := ch.Meta.Facebook
		if fm == nil || !c.NeedsRotation(fm.PageToken) {
			continue
		}
		logger := slog.With(slog.String("channel_id", ch.ID))
		if dryRun {
			logger.Info("would rotate channel page token (dry-run)")
			rep.Channels++
			continue
		}
		tok, err := reseal(c, fm.PageToken)
		if err == nil {
			meta := ch.Meta
			next := *fm
			next.PageToken = tok
			meta.Facebook = &next
			checked := time.Now().UTC()
			if ch.LastCheckedAt != nil {
				checked = *ch.LastCheckedAt
			}
			err = store.UpdateChannelMeta(ctx, ch.ID, meta, checked)
		}
		if err != nil {
			logger.Error("failed to rotate channel page token", slog.Any("error", err))
			rep.Errors++
			continue
		}
		rep.Channels++
	}
	return nil
}
