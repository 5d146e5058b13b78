package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/settings"
)

// SessionLedger answers whether channels have recent unfinished sessions.
type SessionLedger interface {
	HasActiveSession(ctx context.Context, channelIDs []string, since time.Time) (bool, error)
}

// TikTok streams to operator-provided manual ingest endpoints. It has no
// remote API, so busy state comes from the session ledger alone.
type TikTok struct {
	Sessions SessionLedger
	Settings Settings
	Now      func() time.Time
}

func (t *TikTok) Provider() models.Provider { return models.ProviderTikTok }

func (t *TikTok) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *TikTok) GetChannelLiveState(ctx context.Context, ch models.Channel) (LiveState, error) {
	window := settings.DefaultBusyWindowMS
	if t.Settings != nil {
		if v, err := t.Settings.Int(ctx, settings.KeyBusyWindowMS, settings.DefaultBusyWindowMS); err == nil {
			window = v
		}
	}
	since := t.now().Add(-time.Duration(window) * time.Millisecond)
	busy, err := t.Sessions.HasActiveSession(ctx, []string{ch.ID}, since)
	if err != nil {
		return LiveState{}, fmt.Errorf("tiktok live state: %w", err)
	}
	return LiveState{Busy: busy}, nil
}

func (t *TikTok) CreateLive(_ context.Context, req CreateRequest) (LiveOutput, error) {
	ch := req.Channel
	if ch.Meta.TikTok == nil || ch.Meta.TikTok.ManualIngest.ServerURL == "" || ch.Meta.TikTok.ManualIngest.StreamKey == "" {
		return LiveOutput{}, &RemoteError{
			Provider: models.ProviderTikTok,
			Kind:     KindUnknown,
			Message:  "channel " + ch.ID + " has no manual ingest server/key",
			Err:      fmt.Errorf("manual ingest: %w", ErrNotConfigured),
		}
	}
	ingest := ch.Meta.TikTok.ManualIngest
	return LiveOutput{
		PlatformLiveID: fmt.Sprintf("%s-%d", ch.ExternalID, t.now().UnixMilli()),
		ServerURL:      ingest.ServerURL,
		StreamKey:      ingest.StreamKey,
	}, nil
}

// EndLive is a no-op; the encoder stopping ends a manual stream.
func (t *TikTok) EndLive(context.Context, models.Channel, string) error { return nil }

func (t *TikTok) PostComment(context.Context, models.Channel, string, string) error {
	return fmt.Errorf("tiktok comment: %w", ErrUnsupported)
}
