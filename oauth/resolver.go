package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/models"
)

// ErrNoUsableCredential means no credential could produce a page token.
var ErrNoUsableCredential = errors.New("no usable credential")

// NoUsableCredentialError reports an exhausted credential search.
type NoUsableCredentialError struct {
	ChannelID string
	PageID    string
	Tried     int
	Err       error
}

func (e *NoUsableCredentialError) Error() string {
	msg := fmt.Sprintf("no usable credential for channel %s (page %s) after %d candidates", e.ChannelID, e.PageID, e.Tried)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NoUsableCredentialError) Is(target error) bool { return target == ErrNoUsableCredential }

func (e *NoUsableCredentialError) Unwrap() error { return e.Err }

// CredentialSource lists stored credentials.
type CredentialSource interface {
	GetCredential(ctx context.Context, id string) (models.Credential, bool, error)
	ListCredentialsByOwner(ctx context.Context, provider models.Provider, ownerKey string) ([]models.Credential, error)
}

// ChannelMetaWriter caches derived tokens on channels.
type ChannelMetaWriter interface {
	UpdateChannelMeta(ctx context.Context, id string, meta models.ChannelMeta, checkedAt time.Time) error
}

// ChannelTokenResolver derives a page token for a channel from the cached
// channel meta or from its owner's long-lived user credentials.
type ChannelTokenResolver struct {
	Graph       Graph
	Credentials CredentialSource
	Channels    ChannelMetaWriter
	Cipher      *crypto.Cipher
	Settings    Settings
	// Ledger, when set, is consulted after every credential failed.
	Ledger *PageTokenManager
	Now    func() time.Time
	Logger *slog.Logger
}

func (r *ChannelTokenResolver) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *ChannelTokenResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With(slog.String("component", "oauth"))
}

// candidates orders the primary credential first, then the rest of the
// owner's facebook credentials.
func (r *ChannelTokenResolver) candidates(ctx context.Context, ch models.Channel) ([]models.Credential, error) {
	var out []models.Credential
	seen := map[string]bool{}
	if ch.CredentialID != "" {
		c, ok, err := r.Credentials.GetCredential(ctx, ch.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("load credential %s: %w", ch.CredentialID, err)
		}
		if ok {
			out = append(out, c)
			seen[c.ID] = true
		}
	}
	owned, err := r.Credentials.ListCredentialsByOwner(ctx, models.ProviderFacebook, ch.OwnerKey)
	if err != nil {
		return nil, fmt.Errorf("list owner credentials: %w", err)
	}
	for _, c := range owned {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// PageToken returns a plaintext page token for ch.
func (r *ChannelTokenResolver) PageToken(ctx context.Context, ch models.Channel) (string, error) {
	now := r.now()
	threshold := refreshThreshold(ctx, r.Settings)
	log := r.logger().With(slog.String("channel_id", ch.ID), slog.String("page_id", ch.ExternalID))

	if fb := ch.Meta.Facebook; fb != nil && tokenUsable(fb.PageToken, fb.PageTokenIsNever, fb.PageTokenExpiresAt, now, threshold) {
		tok, err := r.Cipher.Decrypt(fb.PageToken)
		if err == nil && tok != "" {
			return tok, nil
		}
		log.Warn("cached page token unreadable", slog.Any("err", err))
	}

	creds, err := r.candidates(ctx, ch)
	if err != nil {
		return "", err
	}
	var lastErr error
	for _, cred := range creds {
		tok, err := r.fromCredential(ctx, ch, cred, now, threshold)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			log.Debug("credential unusable", slog.String("credential_id", cred.ID), slog.Any("err", err))
			continue
		}
		return tok, nil
	}

	if r.Ledger != nil {
		tok, err := r.Ledger.ValidPageToken(ctx, ch.ExternalID)
		if err == nil {
			return tok, nil
		}
		lastErr = err
	}
	return "", &NoUsableCredentialError{ChannelID: ch.ID, PageID: ch.ExternalID, Tried: len(creds), Err: lastErr}
}

func (r *ChannelTokenResolver) fromCredential(ctx context.Context, ch models.Channel, cred models.Credential, now time.Time, threshold time.Duration) (string, error) {
	lut, err := r.Cipher.Decrypt(cred.AccessToken)
	if err != nil {
		return "", err
	}
	if lut == "" {
		return "", errors.New("credential has no access token")
	}
	info, err := r.Graph.DebugToken(ctx, lut)
	if err != nil {
		return "", err
	}
	if !info.Valid || nearExpiry(info.ExpiresAt, now, threshold) {
		return "", errors.New("user token invalid or near expiry")
	}
	page, err := r.Graph.GetPage(ctx, lut, ch.ExternalID)
	if err != nil {
		return "", err
	}
	if page.AccessToken == "" {
		return "", errors.New("page returned no access token")
	}

	meta := models.FacebookMeta{}
	if ch.Meta.Facebook != nil {
		meta = *ch.Meta.Facebook
	}
	if pinfo, err := r.Graph.DebugToken(ctx, page.AccessToken); err == nil {
		meta.PageTokenIsNever = pinfo.NeverExpires
		meta.PageTokenExpiresAt = pinfo.ExpiresAt
	} else {
		meta.PageTokenIsNever, meta.PageTokenExpiresAt = false, nil
	}
	enc, err := r.Cipher.Encrypt(page.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt page token: %w", err)
	}
	meta.PageToken = enc
	if r.Channels != nil {
		chMeta := ch.Meta
		chMeta.Facebook = &meta
		if err := r.Channels.UpdateChannelMeta(ctx, ch.ID, chMeta, now); err != nil {
			r.logger().Warn("page token not cached", slog.String("channel_id", ch.ID), slog.Any("err", err))
		}
	}
	return page.AccessToken, nil
}
