// Package models defines the records shared by storage, provider adapters and
// the orchestrator: channels, credentials, live sessions, runtime settings and
// the page token ledger.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Provider identifies a streaming platform. The set is closed.
type Provider string

const (
	ProviderFacebook Provider = "facebook"
	ProviderYouTube  Provider = "youtube"
	ProviderTikTok   Provider = "tiktok"
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{ProviderFacebook, ProviderYouTube, ProviderTikTok}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderFacebook, ProviderYouTube, ProviderTikTok:
		return true
	}
	return false
}

// ParseProvider converts a raw string into a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// AuthType describes how a credential authenticates against its provider.
type AuthType string

const (
	AuthLongLivedToken AuthType = "long_lived_token"
	AuthOAuth2         AuthType = "oauth2"
	AuthManual         AuthType = "manual"
)

// FacebookMeta is the per-channel cache for a Facebook page.
// PageToken is stored in ciphered form.
type FacebookMeta struct {
	PageToken          string     `json:"pageToken,omitempty"`
	PageTokenExpiresAt *time.Time `json:"pageTokenExpiresAt,omitempty"`
	PageTokenIsNever   bool       `json:"pageTokenIsNever,omitempty"`
}

// YouTubeMeta caches the reusable ingestion stream bound to new broadcasts.
type YouTubeMeta struct {
	ReusableStreamID string `json:"reusableStreamId,omitempty"`
	ChannelTitle     string `json:"channelTitle,omitempty"`
}

// ManualIngest is an operator-supplied RTMP server and key pair.
type ManualIngest struct {
	ServerURL string `json:"serverUrl,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
}

// TikTokMeta holds the manual ingest configuration of a TikTok channel.
type TikTokMeta struct {
	ManualIngest ManualIngest `json:"manualIngest"`
}

// ChannelMeta is a tagged union: at most one variant is set and it must
// match the channel's provider.
type ChannelMeta struct {
	Facebook *FacebookMeta `json:"facebook,omitempty"`
	YouTube  *YouTubeMeta  `json:"youtube,omitempty"`
	TikTok   *TikTokMeta   `json:"tiktok,omitempty"`
}

// Variant returns the provider of the populated variant, or "" when empty.
func (m ChannelMeta) Variant() (Provider, error) {
	var set []Provider
	if m.Facebook != nil {
		set = append(set, ProviderFacebook)
	}
	if m.YouTube != nil {
		set = append(set, ProviderYouTube)
	}
	if m.TikTok != nil {
		set = append(set, ProviderTikTok)
	}
	switch len(set) {
	case 0:
		return "", nil
	case 1:
		return set[0], nil
	default:
		return "", fmt.Errorf("channel meta has %d variants set", len(set))
	}
}

// Channel is a publishable destination on one provider.
type Channel struct {
	ID            string      `json:"id"`
	Provider      Provider    `json:"provider"`
	ExternalID    string      `json:"externalId"`
	Name          string      `json:"name"`
	OwnerKey      string      `json:"ownerKey,omitempty"`
	CredentialID  string      `json:"credentialId,omitempty"`
	EligibleLive  bool        `json:"eligibleLive"`
	Meta          ChannelMeta `json:"meta"`
	LastCheckedAt *time.Time  `json:"lastCheckedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ErrMetaMismatch is returned when a channel carries meta for another provider.
var ErrMetaMismatch = errors.New("channel meta does not match provider")

// Validate checks the provider and the meta variant.
func (c Channel) Validate() error {
	if !c.Provider.Valid() {
		return fmt.Errorf("channel %s: unknown provider %q", c.ID, c.Provider)
	}
	if c.ExternalID == "" {
		return fmt.Errorf("channel %s: external id is required", c.ID)
	}
	v, err := c.Meta.Variant()
	if err != nil {
		return fmt.Errorf("channel %s: %w", c.ID, err)
	}
	if v != "" && v != c.Provider {
		return fmt.Errorf("channel %s: %w (%s meta on %s)", c.ID, ErrMetaMismatch, v, c.Provider)
	}
	return nil
}

// Credential is a stored authentication material. Token fields hold the
// stored (possibly ciphered) form; consumers decrypt on use.
type Credential struct {
	ID           string     `json:"id"`
	Provider     Provider   `json:"provider"`
	OwnerKey     string     `json:"ownerKey,omitempty"`
	AuthType     AuthType   `json:"authType"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ConfigEntry is a runtime setting row. Value is ciphered when IsSecret.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"isSecret"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PageToken is a token ledger record for a single Facebook page.
// LongUserToken and Token are stored ciphered.
type PageToken struct {
	PageID             string     `json:"pageId"`
	PageName           string     `json:"pageName"`
	Category           string     `json:"category,omitempty"`
	Tasks              []string   `json:"tasks,omitempty"`
	LongUserToken      string     `json:"-"`
	LongUserExpiresAt  *time.Time `json:"longUserExpiresAt,omitempty"`
	LongUserScopes     []string   `json:"longUserScopes,omitempty"`
	Token              string     `json:"-"`
	TokenExpiresAt     *time.Time `json:"pageTokenExpiresAt,omitempty"`
	TokenIsNever       bool       `json:"pageTokenIsNever"`
	NeedsReauth        bool       `json:"needsReauth"`
	LastCheckedAt      *time.Time `json:"lastCheckedAt,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
	LastStatusCode     string     `json:"lastStatusCode,omitempty"`
	LastStatusProblems []string   `json:"lastStatusProblems,omitempty"`
	LastStatusHints    []string   `json:"lastStatusHints,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// HasToken reports whether a page token is stored.
func (p PageToken) HasToken() bool { return p.Token != "" }
