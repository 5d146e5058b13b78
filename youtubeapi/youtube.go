// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for live broadcasting: reusable ingestion streams, broadcasts, binding and
// live chat. Credentials are supplied per call as refresh tokens so callers
// can try several candidates.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// DefaultScopes cover broadcast management and live chat.
var DefaultScopes = []string{"https://www.googleapis.com/auth/youtube", "https://www.googleapis.com/auth/youtube.force-ssl"}

// Broker turns refresh tokens into authenticated YouTube services.
type Broker struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// TokenURL and APIEndpoint override Google endpoints (tests).
	TokenURL    string
	APIEndpoint string
	// HTTPClient is the base transport for token and API calls.
	HTTPClient *http.Client
}

// Config returns the oauth2 configuration for redirectURI.
func (b *Broker) Config(redirectURI string) *oauth2.Config {
	scopes := b.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	ep := google.Endpoint
	if b.TokenURL != "" {
		ep.TokenURL = b.TokenURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		Endpoint:     ep,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

func (b *Broker) withClient(ctx context.Context) context.Context {
	if b.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, b.HTTPClient)
	}
	return ctx
}

// Service refreshes refreshToken against redirectURI's client config and
// returns a service bound to the resulting access token.
func (b *Broker) Service(ctx context.Context, refreshToken, redirectURI string) (*yt.Service, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("youtube: empty refresh token")
	}
	if b.ClientID == "" || b.ClientSecret == "" {
		return nil, errors.New("youtube: client id/secret not configured")
	}
	octx := b.withClient(ctx)
	ts := b.Config(redirectURI).TokenSource(octx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("youtube refresh: %w", err)
	}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(octx, oauth2.ReuseTokenSource(tok, ts)))}
	if b.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(b.APIEndpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return svc, nil
}

// IsInvalidGrant reports a refresh token Google rejected outright.
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant" || (re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized)
	}
	return false
}

// ActiveBroadcasts lists the ids of the channel's active broadcasts.
func ActiveBroadcasts(ctx context.Context, svc *yt.Service) ([]string, error) {
	res, err := svc.LiveBroadcasts.List([]string{"id", "status"}).BroadcastStatus("active").BroadcastType("all").MaxResults(5).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube list active broadcasts: %w", err)
	}
	ids := make([]string, 0, len(res.Items))
	for _, b := range res.Items {
		ids = append(ids, b.Id)
	}
	return ids, nil
}

var streamParts = []string{"id", "snippet", "cdn", "contentDetails"}

// StreamByID fetches an owned stream, or nil if it no longer exists.
func StreamByID(ctx context.Context, svc *yt.Service, id string) (*yt.LiveStream, error) {
	res, err := svc.LiveStreams.List(streamParts).Id(id).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube get stream %s: %w", id, err)
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	return res.Items[0], nil
}

// FindReusableStream returns the first owned reusable stream titled title.
func FindReusableStream(ctx context.Context, svc *yt.Service, title string) (*yt.LiveStream, error) {
	call := svc.LiveStreams.List(streamParts).Mine(true).MaxResults(50)
	for {
		res, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("youtube list streams: %w", err)
		}
		for _, s := range res.Items {
			if s.Snippet != nil && s.Snippet.Title == title && s.ContentDetails != nil && s.ContentDetails.IsReusable {
				return s, nil
			}
		}
		if res.NextPageToken == "" {
			return nil, nil
		}
		call = call.PageToken(res.NextPageToken)
	}
}

// InsertReusableStream creates a variable-resolution RTMP stream.
func InsertReusableStream(ctx context.Context, svc *yt.Service, title string) (*yt.LiveStream, error) {
	s := &yt.LiveStream{
		Snippet:        &yt.LiveStreamSnippet{Title: title},
		Cdn:            &yt.CdnSettings{IngestionType: "rtmp", Resolution: "variable", FrameRate: "variable"},
		ContentDetails: &yt.LiveStreamContentDetails{IsReusable: true},
	}
	out, err := svc.LiveStreams.Insert([]string{"snippet", "cdn", "contentDetails"}, s).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube insert stream: %w", err)
	}
	return out, nil
}

// InsertBroadcast schedules a broadcast starting at start with automatic
// start and stop disabled.
func InsertBroadcast(ctx context.Context, svc *yt.Service, title, description, privacy string, start time.Time) (*yt.LiveBroadcast, error) {
	if privacy == "" {
		privacy = "unlisted"
	}
	b := &yt.LiveBroadcast{
		Snippet: &yt.LiveBroadcastSnippet{
			Title:              title,
			Description:        description,
			ScheduledStartTime: start.UTC().Format(time.RFC3339),
		},
		Status: &yt.LiveBroadcastStatus{PrivacyStatus: privacy},
		ContentDetails: &yt.LiveBroadcastContentDetails{
			EnableAutoStart: false,
			EnableAutoStop:  false,
			ForceSendFields: []string{"EnableAutoStart", "EnableAutoStop"},
		},
	}
	out, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, b).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube insert broadcast: %w", err)
	}
	if out.Id == "" {
		return nil, errors.New("youtube insert broadcast: empty id")
	}
	return out, nil
}

// Bind attaches a stream to a broadcast.
func Bind(ctx context.Context, svc *yt.Service, broadcastID, streamID string) error {
	if _, err := svc.LiveBroadcasts.Bind(broadcastID, []string{"id", "contentDetails"}).StreamId(streamID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("youtube bind %s: %w", broadcastID, err)
	}
	return nil
}

// Complete transitions a broadcast to complete.
func Complete(ctx context.Context, svc *yt.Service, broadcastID string) error {
	if _, err := svc.LiveBroadcasts.Transition("complete", broadcastID, []string{"id", "status"}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("youtube complete %s: %w", broadcastID, err)
	}
	return nil
}

// PostChatMessage sends a text message to the broadcast's live chat and
// returns the message id.
func PostChatMessage(ctx context.Context, svc *yt.Service, broadcastID, text string) (string, error) {
	res, err := svc.LiveBroadcasts.List([]string{"snippet"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube get broadcast %s: %w", broadcastID, err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil || res.Items[0].Snippet.LiveChatId == "" {
		return "", fmt.Errorf("youtube broadcast %s: no live chat", broadcastID)
	}
	msg := &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
		LiveChatId:         res.Items[0].Snippet.LiveChatId,
		Type:               "textMessageEvent",
		TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
	}}
	out, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube chat message: %w", err)
	}
	return out.Id, nil
}

// WatchURL is the public page of a broadcast.
func WatchURL(broadcastID string) string { return "https://www.youtube.com/watch?v=" + broadcastID }
