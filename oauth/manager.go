// Package oauth keeps Facebook page tokens usable. PageTokenManager owns the
// per-page ledger seeded from long-lived user tokens; ChannelTokenResolver
// derives page tokens for channels from their owners' credentials; Scheduler
// sweeps the ledger on a cron schedule.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/facebookapi"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/telemetry"
)

// Graph is the subset of the Graph API used for token lifecycle.
type Graph interface {
	DebugToken(ctx context.Context, token string) (facebookapi.TokenInfo, error)
	ListPages(ctx context.Context, userToken string) ([]facebookapi.Page, error)
	GetPage(ctx context.Context, userToken, pageID string) (facebookapi.Page, error)
}

// Ledger stores per-page token records.
type Ledger interface {
	CountPageTokens(ctx context.Context) (int, error)
	GetPageToken(ctx context.Context, pageID string) (models.PageToken, bool, error)
	ListPageTokens(ctx context.Context) ([]models.PageToken, error)
	UpsertPageToken(ctx context.Context, p models.PageToken) error
	MarkPageTokenReauth(ctx context.Context, pageID, reason string, at time.Time) error
}

// Settings is the read side of the runtime configuration.
type Settings interface {
	Int(ctx context.Context, key string, def int) (int, error)
	List(ctx context.Context, key string) ([]string, error)
}

// ErrReauthRequired marks a page that needs an operator to reauthorize.
var ErrReauthRequired = errors.New("page requires reauthorization")

// ReauthRequiredError explains why a page token could not be made valid.
type ReauthRequiredError struct {
	PageID string
	Reason string
	Err    error
}

func (e *ReauthRequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("page %s requires reauth: %s: %v", e.PageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("page %s requires reauth: %s", e.PageID, e.Reason)
}

func (e *ReauthRequiredError) Is(target error) bool { return target == ErrReauthRequired }

func (e *ReauthRequiredError) Unwrap() error { return e.Err }

// PageTokenManager validates and refreshes ledger page tokens.
type PageTokenManager struct {
	Graph    Graph
	Store    Ledger
	Cipher   *crypto.Cipher
	Settings Settings
	Now      func() time.Time
	Logger   *slog.Logger
}

func (m *PageTokenManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *PageTokenManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default().With(slog.String("component", "oauth"))
}

func refreshThreshold(ctx context.Context, s Settings) time.Duration {
	hours := settings.DefaultRefreshThresholdHours
	if s != nil {
		if v, err := s.Int(ctx, settings.KeyRefreshThresholdHours, hours); err == nil {
			hours = v
		}
	}
	return time.Duration(hours) * time.Hour
}

// nearExpiry treats an unknown expiry as not near.
func nearExpiry(exp *time.Time, now time.Time, threshold time.Duration) bool {
	return exp != nil && exp.Sub(now) <= threshold
}

// tokenUsable reports whether a stored page token can be reused without
// contacting Graph.
func tokenUsable(token string, never bool, exp *time.Time, now time.Time, threshold time.Duration) bool {
	if token == "" {
		return false
	}
	return never || (exp != nil && exp.Sub(now) > threshold)
}

func (m *PageTokenManager) seeds(ctx context.Context) []string {
	if m.Settings == nil {
		return nil
	}
	list, err := m.Settings.List(ctx, settings.KeyFacebookBootUserToken)
	if err != nil {
		m.logger().Warn("seed token unavailable", slog.Any("err", err))
		return nil
	}
	return list
}

func (m *PageTokenManager) reauth(ctx context.Context, pageID, reason string, cause error) error {
	msg := reason
	if cause != nil {
		msg = reason + ": " + cause.Error()
	}
	if err := m.Store.MarkPageTokenReauth(ctx, pageID, msg, m.now()); err != nil {
		m.logger().Warn("mark reauth failed", slog.String("page_id", pageID), slog.Any("err", err))
	}
	telemetry.CountTokenRefresh("reauth")
	return &ReauthRequiredError{PageID: pageID, Reason: reason, Err: cause}
}

// EnsureValid makes the ledger record of pageID hold a usable page token
// and returns the record. A missing record is provisioned from the seed.
func (m *PageTokenManager) EnsureValid(ctx context.Context, pageID string) (models.PageToken, error) {
	rec, ok, err := m.Store.GetPageToken(ctx, pageID)
	if err != nil {
		return models.PageToken{}, fmt.Errorf("load page token %s: %w", pageID, err)
	}
	if !ok {
		return m.provision(ctx, pageID)
	}

	now := m.now()
	threshold := refreshThreshold(ctx, m.Settings)
	if tokenUsable(rec.Token, rec.TokenIsNever, rec.TokenExpiresAt, now, threshold) {
		return rec, nil
	}

	long, err := m.Cipher.Decrypt(rec.LongUserToken)
	if err != nil {
		return models.PageToken{}, m.reauth(ctx, pageID, "long-lived token unreadable", err)
	}
	if long == "" {
		return models.PageToken{}, m.reauth(ctx, pageID, "missing long-lived user token", nil)
	}
	info, err := m.Graph.DebugToken(ctx, long)
	if err != nil {
		return models.PageToken{}, m.reauth(ctx, pageID, "long-lived token verification failed", err)
	}
	if !info.Valid || nearExpiry(info.ExpiresAt, now, threshold) {
		return models.PageToken{}, m.reauth(ctx, pageID, "long-lived token invalid or near expiry", nil)
	}

	page, err := m.Graph.GetPage(ctx, long, pageID)
	if err != nil {
		return models.PageToken{}, m.reauth(ctx, pageID, "page lookup failed", err)
	}
	if page.AccessToken == "" {
		return models.PageToken{}, m.reauth(ctx, pageID, "no page access token", nil)
	}
	updated, err := m.applyPage(ctx, rec, page, rec.LongUserToken, info)
	if err != nil {
		return models.PageToken{}, err
	}
	telemetry.CountTokenRefresh("refreshed")
	m.logger().Info("page token refreshed", slog.String("page_id", pageID), slog.Bool("never", updated.TokenIsNever))
	return updated, nil
}

// applyPage stores page's scoped token on rec after learning its expiry.
func (m *PageTokenManager) applyPage(ctx context.Context, rec models.PageToken, page facebookapi.Page, longCipher string, longInfo facebookapi.TokenInfo) (models.PageToken, error) {
	now := m.now()
	rec.PageName = firstNonEmpty(page.Name, rec.PageName)
	rec.Category = firstNonEmpty(page.Category, rec.Category)
	if len(page.Tasks) > 0 {
		rec.Tasks = page.Tasks
	}
	rec.LongUserToken = longCipher
	rec.LongUserExpiresAt = longInfo.ExpiresAt
	if len(longInfo.Scopes) > 0 {
		rec.LongUserScopes = longInfo.Scopes
	}
	rec.LastCheckedAt = &now

	if page.AccessToken == "" {
		rec.Token, rec.TokenExpiresAt, rec.TokenIsNever = "", nil, false
		rec.NeedsReauth = true
		rec.LastError = "no page access token (missing permissions?)"
		if err := m.Store.UpsertPageToken(ctx, rec); err != nil {
			return models.PageToken{}, fmt.Errorf("store page token %s: %w", rec.PageID, err)
		}
		return rec, nil
	}

	pageInfo, err := m.Graph.DebugToken(ctx, page.AccessToken)
	if err != nil {
		return models.PageToken{}, m.reauth(ctx, rec.PageID, "page token verification failed", err)
	}
	enc, err := m.Cipher.Encrypt(page.AccessToken)
	if err != nil {
		return models.PageToken{}, fmt.Errorf("encrypt page token %s: %w", rec.PageID, err)
	}
	rec.Token = enc
	rec.TokenIsNever = pageInfo.NeverExpires
	rec.TokenExpiresAt = pageInfo.ExpiresAt
	rec.NeedsReauth = false
	rec.LastError = ""
	if err := m.Store.UpsertPageToken(ctx, rec); err != nil {
		return models.PageToken{}, fmt.Errorf("store page token %s: %w", rec.PageID, err)
	}
	return rec, nil
}

// provision creates the record of an unknown page from the first seed that
// can reach it.
func (m *PageTokenManager) provision(ctx context.Context, pageID string) (models.PageToken, error) {
	seeds := m.seeds(ctx)
	if len(seeds) == 0 {
		return models.PageToken{}, &ReauthRequiredError{PageID: pageID, Reason: "no ledger record and no seed token"}
	}
	var lastErr error
	for _, seed := range seeds {
		info, err := m.Graph.DebugToken(ctx, seed)
		if err != nil {
			lastErr = err
			continue
		}
		if !info.Valid {
			lastErr = errors.New("seed token invalid")
			continue
		}
		page, err := m.Graph.GetPage(ctx, seed, pageID)
		if err != nil {
			lastErr = err
			continue
		}
		longEnc, err := m.Cipher.Encrypt(seed)
		if err != nil {
			return models.PageToken{}, fmt.Errorf("encrypt seed token: %w", err)
		}
		rec, err := m.applyPage(ctx, models.PageToken{PageID: pageID}, page, longEnc, info)
		if err != nil {
			return models.PageToken{}, err
		}
		if rec.NeedsReauth {
			return models.PageToken{}, &ReauthRequiredError{PageID: pageID, Reason: rec.LastError}
		}
		m.logger().Info("page token provisioned", slog.String("page_id", pageID))
		telemetry.CountTokenRefresh("provisioned")
		return rec, nil
	}
	return models.PageToken{}, &ReauthRequiredError{PageID: pageID, Reason: "no seed token can reach the page", Err: lastErr}
}

// ValidPageToken returns the plaintext page token of pageID.
func (m *PageTokenManager) ValidPageToken(ctx context.Context, pageID string) (string, error) {
	rec, err := m.EnsureValid(ctx, pageID)
	if err != nil {
		return "", err
	}
	tok, err := m.Cipher.Decrypt(rec.Token)
	if err != nil {
		return "", fmt.Errorf("decrypt page token %s: %w", pageID, err)
	}
	if tok == "" {
		return "", &ReauthRequiredError{PageID: pageID, Reason: "no page token stored"}
	}
	return tok, nil
}

// Bootstrap enumerates the pages of every seed token and upserts one ledger
// record per page. It reports whether any record was written.
func (m *PageTokenManager) Bootstrap(ctx context.Context) (bool, error) {
	log := m.logger()
	count, err := m.Store.CountPageTokens(ctx)
	if err != nil {
		return false, fmt.Errorf("count page tokens: %w", err)
	}
	seeds := m.seeds(ctx)
	if len(seeds) == 0 {
		if count == 0 {
			log.Error("bootstrap impossible: ledger empty and no seed token configured")
		}
		return false, nil
	}

	wrote := false
	for i, seed := range seeds {
		info, err := m.Graph.DebugToken(ctx, seed)
		if err != nil {
			log.Error("seed token verification failed", slog.Int("seed", i), slog.Any("err", err))
			continue
		}
		if !info.Valid {
			log.Error("seed token invalid", slog.Int("seed", i), slog.String("reason", info.ErrorMessage))
			continue
		}
		pages, err := m.Graph.ListPages(ctx, seed)
		if err != nil {
			log.Error("list pages failed", slog.Int("seed", i), slog.Any("err", err))
			continue
		}
		longEnc, err := m.Cipher.Encrypt(seed)
		if err != nil {
			return wrote, fmt.Errorf("encrypt seed token: %w", err)
		}
		var created, updated, failed int
		for _, p := range pages {
			rec, exists, err := m.Store.GetPageToken(ctx, p.ID)
			if err != nil {
				failed++
				log.Warn("bootstrap page load failed", slog.String("page_id", p.ID), slog.Any("err", err))
				continue
			}
			if !exists {
				rec = models.PageToken{PageID: p.ID}
			}
			if _, err := m.applyPage(ctx, rec, p, longEnc, info); err != nil {
				failed++
				log.Warn("bootstrap page sync failed", slog.String("page_id", p.ID), slog.Any("err", err))
				continue
			}
			if exists {
				updated++
			} else {
				created++
			}
		}
		wrote = wrote || created+updated > 0
		log.Info("bootstrap sync done", slog.Int("seed", i), slog.Int("pages", len(pages)),
			slog.Int("created", created), slog.Int("updated", updated), slog.Int("failed", failed))
	}
	return wrote, nil
}

// SweepFailure is one page the sweep could not validate.
type SweepFailure struct {
	PageID string `json:"pageId"`
	Error  string `json:"error"`
}

// SweepResult summarizes a sweep.
type SweepResult struct {
	OK     int            `json:"ok"`
	Reauth int            `json:"reauth"`
	Failed []SweepFailure `json:"failed"`
}

// SweepAll validates every ledger record; a failing page never stops the
// sweep.
func (m *PageTokenManager) SweepAll(ctx context.Context) (SweepResult, error) {
	recs, err := m.Store.ListPageTokens(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list page tokens: %w", err)
	}
	var res SweepResult
	for _, rec := range recs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := m.EnsureValid(ctx, rec.PageID); err != nil {
			if errors.Is(err, ErrReauthRequired) {
				res.Reauth++
			}
			res.Failed = append(res.Failed, SweepFailure{PageID: rec.PageID, Error: err.Error()})
			m.logger().Warn("sweep page failed", slog.String("page_id", rec.PageID), slog.Any("err", err))
			continue
		}
		res.OK++
	}
	telemetry.SetPagesNeedingReauth(res.Reauth)
	m.logger().Info("sweep done", slog.Int("pages", len(recs)), slog.Int("ok", res.OK), slog.Int("reauth", res.Reauth), slog.Int("failed", len(res.Failed)))
	return res, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
