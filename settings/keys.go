package settings

// Runtime keys. Every key may also be supplied through the process
// environment under the same name.
const (
	KeyGraphVersion           = "GRAPH_VER"
	KeyBusyWindowMS           = "LIVE_BUSY_WINDOW_MS"
	KeyRefreshThresholdHours  = "REFRESH_THRESHOLD_HOURS"
	KeyMaxConcurrentPerOwner  = "LIVE_MAX_CONCURRENT_PER_OWNER"
	KeyCrossProviderExclusive = "LIVE_CROSS_PROVIDER_EXCLUSIVE"
	KeyHealthBatchSize        = "FB_HEALTH_BATCH_SIZE"

	KeyFacebookAppID         = "FB_APP_ID"
	KeyFacebookAppSecret     = "FB_APP_SECRET"
	KeyFacebookBootUserToken = "FB_BOOT_LONG_USER_TOKEN"

	KeyGoogleClientID     = "GOOGLE_CLIENT_ID"
	KeyGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	KeyGoogleRedirectURI  = "GOOGLE_REDIRECT_URI"

	KeyYouTubeAPIKey           = "YOUTUBE_API_KEY"
	KeyYouTubeRefreshToken     = "YOUTUBE_REFRESH_TOKEN"
	KeyYouTubeReusableStreamID = "YOUTUBE_REUSABLE_STREAM_ID"
	KeyYouTubeStreamTitle      = "YOUTUBE_STREAM_TITLE"
	KeyYouTubePrivacy          = "YOUTUBE_DEFAULT_PRIVACY"

	KeyFacebookLivePrivacy       = "FB_LIVE_PRIVACY"
	KeyFacebookLiveEmbeddable    = "FB_LIVE_EMBEDDABLE"
	KeyFacebookCommentModeration = "FB_LIVE_COMMENT_MODERATION"
	KeyFacebookPermalinkDelay    = "FB_PERMALINK_DELAY"

	KeyEncryption   = "LIVE_ENCRYPTION"
	KeySecretKey    = "LIVE_SECRET_KEY_BASE64"
	KeySecretKeyOld = "LIVE_SECRET_KEY_BASE64_OLD"
)

// Defaults for keys whose fallback is shared by several packages.
const (
	DefaultGraphVersion          = "v24.0"
	DefaultBusyWindowMS          = 6 * 60 * 60 * 1000
	DefaultRefreshThresholdHours = 72
	DefaultMaxConcurrentPerOwner = 1
	DefaultHealthBatchSize       = 3
	DefaultYouTubeStreamTitle    = "Live Router Reusable"
)

// envOnly keys are never read from or written to the store.
var envOnly = map[string]bool{
	KeyEncryption:   true,
	KeySecretKey:    true,
	KeySecretKeyOld: true,
}

// sensitive keys are always stored ciphered.
var sensitive = map[string]bool{
	KeyFacebookAppSecret:     true,
	KeyFacebookBootUserToken: true,
	KeyGoogleClientSecret:    true,
	KeyYouTubeAPIKey:         true,
	KeyYouTubeRefreshToken:   true,
}

// csvKeys are normalized to a comma separated list without blanks.
var csvKeys = map[string]bool{
	KeyFacebookBootUserToken:     true,
	KeyGoogleRedirectURI:         true,
	KeyFacebookCommentModeration: true,
}

// CommentModerationModes are the Graph live_comment_moderation_setting values.
var CommentModerationModes = map[string]bool{
	"DEFAULT":        true,
	"DISCUSSION":     true,
	"FOLLOWED":       true,
	"FOLLOWER":       true,
	"NO_HYPERLINK":   true,
	"PROTECTED_MODE": true,
	"RESTRICTED":     true,
	"SLOW":           true,
	"SUPPORTER":      true,
	"TAGGED":         true,
}

// nonNegativeIntKeys must hold an integer >= 0.
var nonNegativeIntKeys = map[string]bool{
	KeyBusyWindowMS:          true,
	KeyRefreshThresholdHours: true,
	KeyMaxConcurrentPerOwner: true,
	KeyHealthBatchSize:       true,
}

// IsSensitive reports whether key is always stored as a secret.
func IsSensitive(key string) bool { return sensitive[key] }
