package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/youtubeapi"
)

// CredentialStore reads and heals stored OAuth credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (models.Credential, bool, error)
	UpdateCredentialTokens(ctx context.Context, id, access, refresh string, expiresAt *time.Time) error
}

// ChannelMetaStore persists channel metadata caches.
type ChannelMetaStore interface {
	UpdateChannelMeta(ctx context.Context, id string, meta models.ChannelMeta, checkedAt time.Time) error
}

// YouTube broadcasts through a reusable ingestion stream bound to a fresh
// broadcast per live.
type YouTube struct {
	Broker      *youtubeapi.Broker
	Credentials CredentialStore
	Channels    ChannelMetaStore
	Cipher      *crypto.Cipher
	Settings    Settings
	Now         func() time.Time
	Logger      *slog.Logger
}

func (y *YouTube) Provider() models.Provider { return models.ProviderYouTube }

func (y *YouTube) logger() *slog.Logger {
	if y.Logger != nil {
		return y.Logger
	}
	return slog.Default().With(slog.String("component", "provider_youtube"))
}

func (y *YouTube) now() time.Time {
	if y.Now != nil {
		return y.Now()
	}
	return time.Now()
}

// tokenSource says where a refresh token candidate was read from.
type tokenSource int

const (
	sourceCredential tokenSource = iota
	sourceSetting
)

type refreshCandidate struct {
	token  string
	source tokenSource

	// nested is set when the value only surfaced after a second decrypt.
	nested bool
}

// candidates lists refresh tokens to try: the stored value decrypted once,
// decrypted twice, as stored, then the configured fallback decrypted again
// when it is still ciphered.
func (y *YouTube) candidates(ctx context.Context, stored string) []refreshCandidate {
	var out []refreshCandidate
	seen := map[string]bool{}
	add := func(tok string, src tokenSource, nested bool) {
		tok = strings.TrimSpace(tok)
		if tok == "" || crypto.IsCiphered(tok) || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, refreshCandidate{token: tok, source: src, nested: nested})
	}
	if stored != "" {
		if once, err := y.Cipher.Decrypt(stored); err == nil {
			add(once, sourceCredential, false)
			if crypto.IsCiphered(once) {
				if twice, err := y.Cipher.Decrypt(once); err == nil {
					add(twice, sourceCredential, true)
				}
			}
		}
		add(stored, sourceCredential, false)
	}
	if y.Settings != nil {
		if fallback, err := y.Settings.String(ctx, settings.KeyYouTubeRefreshToken, ""); err == nil {
			// settings already decrypted once
			if crypto.IsCiphered(fallback) {
				if plain, err := y.Cipher.Decrypt(fallback); err == nil {
					add(plain, sourceSetting, true)
				}
			}
			add(fallback, sourceSetting, false)
		}
	}
	return out
}

func (y *YouTube) broker(ctx context.Context) *youtubeapi.Broker {
	b := youtubeapi.Broker{}
	if y.Broker != nil {
		b = *y.Broker
	}
	if y.Settings != nil {
		if id, err := y.Settings.String(ctx, settings.KeyGoogleClientID, ""); err == nil && id != "" {
			b.ClientID = id
		}
		if secret, err := y.Settings.String(ctx, settings.KeyGoogleClientSecret, ""); err == nil && secret != "" {
			b.ClientSecret = secret
		}
	}
	return &b
}

// service finds the first working refresh token and redirect URI pair.
func (y *YouTube) service(ctx context.Context, ch models.Channel) (*yt.Service, error) {
	var (
		cred    models.Credential
		hasCred bool
	)
	if ch.CredentialID != "" && y.Credentials != nil {
		c, ok, err := y.Credentials.GetCredential(ctx, ch.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("load youtube credential: %w", err)
		}
		cred, hasCred = c, ok
	}
	cands := y.candidates(ctx, cred.RefreshToken)
	if len(cands) == 0 {
		return nil, authError(models.ProviderYouTube, errors.New("no youtube refresh token configured"))
	}
	redirects := []string{""}
	if y.Settings != nil {
		if list, err := y.Settings.List(ctx, settings.KeyGoogleRedirectURI); err == nil && len(list) > 0 {
			redirects = list
		}
	}

	b := y.broker(ctx)
	var lastErr error
	for _, c := range cands {
		for _, redirect := range redirects {
			svc, err := b.Service(ctx, c.token, redirect)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastErr = err
				continue
			}
			switch {
			case c.source == sourceCredential && hasCred:
				y.healStoredToken(ctx, cred, c.token)
			case c.source == sourceSetting && c.nested:
				y.healSettingToken(ctx, c.token)
			}
			return svc, nil
		}
	}
	return nil, authError(models.ProviderYouTube, lastErr)
}

// healStoredToken rewrites the credential when its refresh token is not the
// single-encrypted form of working.
func (y *YouTube) healStoredToken(ctx context.Context, cred models.Credential, working string) {
	stored := cred.RefreshToken
	if y.Cipher.Enabled() {
		if crypto.IsCiphered(stored) {
			if once, err := y.Cipher.Decrypt(stored); err == nil && once == working {
				return
			}
		}
	} else if stored == working {
		return
	}
	enc, err := y.Cipher.Encrypt(working)
	if err != nil {
		y.logger().Warn("refresh token re-encryption failed", slog.String("credential_id", cred.ID), slog.Any("err", err))
		return
	}
	if err := y.Credentials.UpdateCredentialTokens(ctx, cred.ID, cred.AccessToken, enc, cred.ExpiresAt); err != nil {
		y.logger().Warn("refresh token write-back failed", slog.String("credential_id", cred.ID), slog.Any("err", err))
		return
	}
	y.logger().Info("refresh token normalized", slog.String("credential_id", cred.ID))
}

// settingsWriter is implemented by settings.Cache.
type settingsWriter interface {
	Set(ctx context.Context, u settings.Update) error
}

// healSettingToken stores working as the single-encrypted fallback token.
func (y *YouTube) healSettingToken(ctx context.Context, working string) {
	w, ok := y.Settings.(settingsWriter)
	if !ok {
		return
	}
	err := w.Set(ctx, settings.Update{
		Key:       settings.KeyYouTubeRefreshToken,
		Value:     working,
		IsSecret:  true,
		UpdatedBy: "provider_youtube",
	})
	if err != nil {
		y.logger().Warn("fallback refresh token write-back failed", slog.Any("err", err))
		return
	}
	y.logger().Info("fallback refresh token normalized")
}

func (y *YouTube) GetChannelLiveState(ctx context.Context, ch models.Channel) (LiveState, error) {
	svc, err := y.service(ctx, ch)
	if err != nil {
		return LiveState{}, err
	}
	ids, err := youtubeapi.ActiveBroadcasts(ctx, svc)
	if err != nil {
		return LiveState{}, Classify(models.ProviderYouTube, err)
	}
	return LiveState{Busy: len(ids) > 0, Raw: ids}, nil
}

// reusableStream resolves the ingestion stream: cached id, configured id,
// title search, then a fresh insert.
func (y *YouTube) reusableStream(ctx context.Context, svc *yt.Service, ch models.Channel) (*yt.LiveStream, error) {
	var ids []string
	if ch.Meta.YouTube != nil && ch.Meta.YouTube.ReusableStreamID != "" {
		ids = append(ids, ch.Meta.YouTube.ReusableStreamID)
	}
	title := settings.DefaultYouTubeStreamTitle
	if y.Settings != nil {
		if id, err := y.Settings.String(ctx, settings.KeyYouTubeReusableStreamID, ""); err == nil && id != "" {
			ids = append(ids, id)
		}
		if t, err := y.Settings.String(ctx, settings.KeyYouTubeStreamTitle, ""); err == nil && t != "" {
			title = t
		}
	}
	for _, id := range ids {
		s, err := youtubeapi.StreamByID(ctx, svc, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}
	s, err := youtubeapi.FindReusableStream(ctx, svc, title)
	if err != nil || s != nil {
		return s, err
	}
	return youtubeapi.InsertReusableStream(ctx, svc, title)
}

func (y *YouTube) cacheStreamID(ctx context.Context, ch models.Channel, streamID string) {
	if y.Channels == nil || (ch.Meta.YouTube != nil && ch.Meta.YouTube.ReusableStreamID == streamID) {
		return
	}
	meta := ch.Meta
	yMeta := models.YouTubeMeta{}
	if meta.YouTube != nil {
		yMeta = *meta.YouTube
	}
	yMeta.ReusableStreamID = streamID
	meta.YouTube = &yMeta
	if err := y.Channels.UpdateChannelMeta(ctx, ch.ID, meta, y.now()); err != nil {
		y.logger().Warn("reusable stream id not cached", slog.String("channel_id", ch.ID), slog.Any("err", err))
	}
}

func (y *YouTube) CreateLive(ctx context.Context, req CreateRequest) (LiveOutput, error) {
	ch := req.Channel
	svc, err := y.service(ctx, ch)
	if err != nil {
		return LiveOutput{}, err
	}
	stream, err := y.reusableStream(ctx, svc, ch)
	if err != nil {
		return LiveOutput{}, Classify(models.ProviderYouTube, err)
	}
	y.cacheStreamID(ctx, ch, stream.Id)

	privacy := ""
	if y.Settings != nil {
		privacy, _ = y.Settings.String(ctx, settings.KeyYouTubePrivacy, "")
	}
	bc, err := youtubeapi.InsertBroadcast(ctx, svc, req.Title, req.Description, privacy, y.now())
	if err != nil {
		return LiveOutput{}, Classify(models.ProviderYouTube, err)
	}
	if err := youtubeapi.Bind(ctx, svc, bc.Id, stream.Id); err != nil {
		return LiveOutput{}, Classify(models.ProviderYouTube, err)
	}

	out := LiveOutput{PlatformLiveID: bc.Id, PermalinkURL: youtubeapi.WatchURL(bc.Id), Raw: bc}
	if stream.Cdn != nil && stream.Cdn.IngestionInfo != nil {
		info := stream.Cdn.IngestionInfo
		out.ServerURL = info.IngestionAddress
		out.StreamKey = info.StreamName
		if info.RtmpsIngestionAddress != "" {
			out.SecureStreamURL = strings.TrimRight(info.RtmpsIngestionAddress, "/") + "/" + info.StreamName
		}
	}
	return out, nil
}

func (y *YouTube) EndLive(ctx context.Context, ch models.Channel, liveID string) error {
	svc, err := y.service(ctx, ch)
	if err != nil {
		return err
	}
	return Classify(models.ProviderYouTube, youtubeapi.Complete(ctx, svc, liveID))
}

func (y *YouTube) PostComment(ctx context.Context, ch models.Channel, liveID, message string) error {
	svc, err := y.service(ctx, ch)
	if err != nil {
		return err
	}
	_, err = youtubeapi.PostChatMessage(ctx, svc, liveID, message)
	return Classify(models.ProviderYouTube, err)
}
