// Package provider adapts each streaming platform behind one interface:
// preflight live state, live creation, ending and commenting.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/onnwee/live-router/facebookapi"
	"github.com/onnwee/live-router/models"
)

// LiveState is the preflight view of a channel.
type LiveState struct {
	Busy bool
	Raw  any
}

// CreateRequest describes a live to create on a channel.
type CreateRequest struct {
	Channel     models.Channel
	Title       string
	Description string
}

// LiveOutput is what a successful creation yields.
type LiveOutput struct {
	PlatformLiveID  string
	ServerURL       string
	StreamKey       string
	SecureStreamURL string
	PermalinkURL    string
	Raw             any
}

// Adapter is implemented by every platform.
type Adapter interface {
	Provider() models.Provider
	GetChannelLiveState(ctx context.Context, ch models.Channel) (LiveState, error)
	CreateLive(ctx context.Context, req CreateRequest) (LiveOutput, error)
	EndLive(ctx context.Context, ch models.Channel, liveID string) error
	PostComment(ctx context.Context, ch models.Channel, liveID, message string) error
}

// Settings is the read side of the runtime configuration cache.
type Settings interface {
	String(ctx context.Context, key, def string) (string, error)
	Int(ctx context.Context, key string, def int) (int, error)
	Bool(ctx context.Context, key string, def bool) (bool, error)
	Duration(ctx context.Context, key string, def time.Duration) (time.Duration, error)
	List(ctx context.Context, key string) ([]string, error)
}

var (
	// ErrUnsupported is returned for operations a platform does not offer.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrNotConfigured marks a channel missing the data needed to go live.
	// Retrying cannot fix it.
	ErrNotConfigured = errors.New("channel not configured for live")
)

// Remote failure kinds.
var (
	ErrRemoteBusy        = errors.New("remote busy")
	ErrRemoteAuthInvalid = errors.New("remote auth invalid")
	ErrRemoteUnknown     = errors.New("remote unknown error")
)

// Kind classifies a remote failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindBusy
	KindAuthInvalid
)

func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindAuthInvalid:
		return "auth_invalid"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindBusy:
		return ErrRemoteBusy
	case KindAuthInvalid:
		return ErrRemoteAuthInvalid
	}
	return ErrRemoteUnknown
}

// RemoteError is a classified platform failure carrying the remote message.
type RemoteError struct {
	Provider models.Provider
	Kind     Kind
	Message  string
	Status   int
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == e.Kind.sentinel() }

func (e *RemoteError) Unwrap() error { return e.Err }

var busyMessageRe = regexp.MustCompile(`(?i)only one live|already has a live|another live video|is currently live|broadcast.*exists|throttl|rate limit`)

var (
	graphAuthCodes = map[int]bool{190: true, 102: true}
	graphBusyCodes = map[int]bool{4: true, 17: true, 32: true, 368: true, 613: true}
)

// Classify wraps err into a *RemoteError. Context errors and errors that
// are already classified pass through unchanged.
func Classify(p models.Provider, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	out := &RemoteError{Provider: p, Kind: KindUnknown, Message: err.Error(), Err: err}

	var ge *facebookapi.GraphError
	var gerr *googleapi.Error
	switch {
	case errors.As(err, &ge):
		out.Message, out.Status = ge.Message, ge.Status
		switch {
		case graphAuthCodes[ge.Code]:
			out.Kind = KindAuthInvalid
		case graphBusyCodes[ge.Code]:
			out.Kind = KindBusy
		}
	case errors.As(err, &gerr):
		out.Message, out.Status = gerr.Message, gerr.Code
		switch {
		case gerr.Code == http.StatusUnauthorized:
			out.Kind = KindAuthInvalid
		case gerr.Code == http.StatusTooManyRequests:
			out.Kind = KindBusy
		default:
			for _, item := range gerr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "liveBroadcastExists":
					out.Kind = KindBusy
				case "authError", "insufficientPermissions", "liveStreamingNotEnabled":
					out.Kind = KindAuthInvalid
				}
			}
		}
	}
	if out.Kind == KindUnknown && busyMessageRe.MatchString(out.Message) {
		out.Kind = KindBusy
	}
	if out.Message == "" {
		out.Message = err.Error()
	}
	return out
}

// authError marks a local credential failure as auth-invalid.
func authError(p models.Provider, err error) error {
	return &RemoteError{Provider: p, Kind: KindAuthInvalid, Message: err.Error(), Err: err}
}

// Registry holds one adapter per platform.
type Registry struct {
	Facebook *Facebook
	YouTube  *YouTube
	TikTok   *TikTok
}

// Adapter returns the adapter for p.
func (r Registry) Adapter(p models.Provider) (Adapter, error) {
	var a Adapter
	switch p {
	case models.ProviderFacebook:
		if r.Facebook != nil {
			a = r.Facebook
		}
	case models.ProviderYouTube:
		if r.YouTube != nil {
			a = r.YouTube
		}
	case models.ProviderTikTok:
		if r.TikTok != nil {
			a = r.TikTok
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
	if a == nil {
		return nil, fmt.Errorf("provider %s not configured: %w", p, ErrUnsupported)
	}
	return a, nil
}

var (
	_ Adapter = (*Facebook)(nil)
	_ Adapter = (*YouTube)(nil)
	_ Adapter = (*TikTok)(nil)
)
