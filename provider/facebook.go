package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/live-router/facebookapi"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/settings"
)

// busyStatuses are live video states that block a new broadcast.
var busyStatuses = []string{"LIVE", "LIVE_NOW", "UNPUBLISHED", "SCHEDULED_UNPUBLISHED", "SCHEDULED_LIVE"}

// DefaultPermalinkDelay is the wait before re-reading a missing permalink.
const DefaultPermalinkDelay = 1500 * time.Millisecond

// PageTokenSource yields a plaintext page token for a channel.
type PageTokenSource interface {
	PageToken(ctx context.Context, ch models.Channel) (string, error)
}

// Facebook publishes to pages through the Graph API.
type Facebook struct {
	Graph          *facebookapi.Client
	Tokens         PageTokenSource
	Settings       Settings
	PermalinkDelay time.Duration
	Logger         *slog.Logger
}

func (f *Facebook) Provider() models.Provider { return models.ProviderFacebook }

func (f *Facebook) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default().With(slog.String("component", "provider_facebook"))
}

func (f *Facebook) token(ctx context.Context, ch models.Channel) (string, error) {
	tok, err := f.Tokens.PageToken(ctx, ch)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", authError(models.ProviderFacebook, err)
	}
	return tok, nil
}

func (f *Facebook) GetChannelLiveState(ctx context.Context, ch models.Channel) (LiveState, error) {
	tok, err := f.token(ctx, ch)
	if err != nil {
		return LiveState{}, err
	}
	vids, err := f.Graph.ListLiveVideos(ctx, ch.ExternalID, tok, busyStatuses, 10)
	if err != nil {
		return LiveState{}, Classify(models.ProviderFacebook, err)
	}
	return LiveState{Busy: len(vids) > 0, Raw: vids}, nil
}

// overrides builds the post-create field updates from settings.
func (f *Facebook) overrides(ctx context.Context) url.Values {
	out := url.Values{}
	if f.Settings == nil {
		return out
	}
	if privacy, err := f.Settings.String(ctx, settings.KeyFacebookLivePrivacy, ""); err == nil && privacy != "" {
		b, _ := json.Marshal(map[string]string{"value": privacy})
		out.Set("privacy", string(b))
	}
	if raw, err := f.Settings.String(ctx, settings.KeyFacebookLiveEmbeddable, ""); err == nil && raw != "" {
		if v, perr := strconv.ParseBool(raw); perr == nil {
			out.Set("embeddable", strconv.FormatBool(v))
		}
	}
	if modes, err := f.Settings.List(ctx, settings.KeyFacebookCommentModeration); err == nil && len(modes) > 0 {
		var valid []string
		for _, m := range modes {
			if m = strings.ToUpper(m); settings.CommentModerationModes[m] {
				valid = append(valid, m)
			}
		}
		if len(valid) > 0 {
			b, _ := json.Marshal(valid)
			out.Set("live_comment_moderation_setting", string(b))
		}
	}
	return out
}

// permalinkDelay is PermalinkDelay when set, else FB_PERMALINK_DELAY.
func (f *Facebook) permalinkDelay(ctx context.Context) time.Duration {
	if f.PermalinkDelay > 0 {
		return f.PermalinkDelay
	}
	if f.Settings == nil {
		return DefaultPermalinkDelay
	}
	d, err := f.Settings.Duration(ctx, settings.KeyFacebookPermalinkDelay, DefaultPermalinkDelay)
	if err != nil {
		return DefaultPermalinkDelay
	}
	return d
}

func (f *Facebook) CreateLive(ctx context.Context, req CreateRequest) (LiveOutput, error) {
	ch := req.Channel
	tok, err := f.token(ctx, ch)
	if err != nil {
		return LiveOutput{}, err
	}
	created, err := f.Graph.CreateLiveVideo(ctx, ch.ExternalID, tok, req.Title, req.Description, "LIVE_NOW")
	if err != nil {
		return LiveOutput{}, Classify(models.ProviderFacebook, err)
	}
	log := f.logger().With(slog.String("channel_id", ch.ID), slog.String("live_id", created.ID))

	if fields := f.overrides(ctx); len(fields) > 0 {
		if err := f.Graph.UpdateLiveVideo(ctx, created.ID, tok, fields); err != nil {
			log.Warn("live video overrides not applied", slog.Any("err", err))
		}
	}

	meta := created
	if got, err := f.Graph.GetLiveVideo(ctx, created.ID, tok); err != nil {
		log.Warn("live video metadata fetch failed", slog.Any("err", err))
	} else {
		meta = got
		if meta.PermalinkURL == "" {
			delay := f.permalinkDelay(ctx)
			select {
			case <-ctx.Done():
				return LiveOutput{}, ctx.Err()
			case <-time.After(delay):
			}
			if again, err := f.Graph.GetLiveVideo(ctx, created.ID, tok); err == nil {
				meta = again
			} else {
				log.Warn("live video permalink refetch failed", slog.Any("err", err))
			}
		}
	}

	secure := firstNonEmpty(meta.SecureStreamURL, created.SecureStreamURL, meta.StreamURL, created.StreamURL)
	server, key := facebookapi.SplitStreamURL(secure)
	return LiveOutput{
		PlatformLiveID:  created.ID,
		ServerURL:       server,
		StreamKey:       key,
		SecureStreamURL: secure,
		PermalinkURL:    facebookapi.AbsolutePermalink(meta.PermalinkURL),
		Raw:             meta,
	}, nil
}

func (f *Facebook) EndLive(ctx context.Context, ch models.Channel, liveID string) error {
	tok, err := f.token(ctx, ch)
	if err != nil {
		return err
	}
	return Classify(models.ProviderFacebook, f.Graph.EndLiveVideo(ctx, liveID, tok))
}

func (f *Facebook) PostComment(ctx context.Context, ch models.Channel, liveID, message string) error {
	tok, err := f.token(ctx, ch)
	if err != nil {
		return err
	}
	_, err = f.Graph.PostComment(ctx, liveID, tok, message)
	return Classify(models.ProviderFacebook, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
