// Package facebookapi is a small Graph API client covering token
// introspection, page enumeration, live video management and the
// non-mutating permission probes used by the health checker.
package facebookapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Graph endpoint.
const DefaultBaseURL = "https://graph.facebook.com"

// AppConfig carries the app credentials and Graph version used per call.
type AppConfig struct {
	ID      string
	Secret  string
	Version string
}

// AppSource resolves AppConfig at call time so settings changes apply
// without a restart.
type AppSource func(ctx context.Context) (AppConfig, error)

// StaticApp returns an AppSource that always yields cfg.
func StaticApp(cfg AppConfig) AppSource {
	return func(context.Context) (AppConfig, error) { return cfg, nil }
}

// GraphError is an error payload returned by the Graph API.
type GraphError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	TraceID string `json:"fbtrace_id"`
}

func (e *GraphError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph error %d/%d (%s): %s", e.Code, e.Subcode, e.Type, e.Message)
	}
	return fmt.Sprintf("graph error %d (%s): %s", e.Code, e.Type, e.Message)
}

// Client talks to the Graph API. Every request waits on Limiter.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	App        AppSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.HTTPClient = hc } }

// WithRateLimit caps request throughput.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.Limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a Client. An empty baseURL targets DefaultBaseURL.
func New(baseURL string, app AppSource, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Limiter:    rate.NewLimiter(rate.Limit(5), 10),
		App:        app,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) app(ctx context.Context) (AppConfig, error) {
	if c.App == nil {
		return AppConfig{Version: "v24.0"}, nil
	}
	cfg, err := c.App(ctx)
	if err != nil {
		return AppConfig{}, fmt.Errorf("resolve graph app config: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = "v24.0"
	}
	return cfg, nil
}

func (c *Client) endpoint(ctx context.Context, path string) (string, error) {
	cfg, err := c.app(ctx)
	if err != nil {
		return "", err
	}
	return c.BaseURL + "/" + cfg.Version + "/" + strings.TrimLeft(path, "/"), nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u, err := c.endpoint(ctx, path)
	if err != nil {
		return err
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.send(ctx, http.MethodGet, u, nil, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	u, err := c.endpoint(ctx, path)
	if err != nil {
		return err
	}
	return c.send(ctx, http.MethodPost, u, strings.NewReader(form.Encode()), out)
}

func (c *Client) send(ctx context.Context, method, u string, body io.Reader, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph %s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "facebookapi"))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("graph read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var env struct {
			Error *GraphError `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode
			return env.Error
		}
		return &GraphError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graph decode: %w", err)
	}
	return nil
}

// TokenInfo is the debug_token view of a token.
type TokenInfo struct {
	Valid        bool
	Type         string
	AppID        string
	UserID       string
	ExpiresAt    *time.Time
	NeverExpires bool
	Scopes       []string
	ErrorCode    int
	ErrorSubcode int
	ErrorMessage string
}

// HasScope reports whether scope was granted.
func (t TokenInfo) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// DebugToken introspects token using the app access token. An absent or
// zero expires_at means the token never expires.
func (c *Client) DebugToken(ctx context.Context, token string) (TokenInfo, error) {
	cfg, err := c.app(ctx)
	if err != nil {
		return TokenInfo{}, err
	}
	var body struct {
		Data struct {
			AppID     string   `json:"app_id"`
			Type      string   `json:"type"`
			IsValid   bool     `json:"is_valid"`
			ExpiresAt *int64   `json:"expires_at"`
			Scopes    []string `json:"scopes"`
			UserID    string   `json:"user_id"`
			Error     *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Subcode int    `json:"subcode"`
			} `json:"error"`
		} `json:"data"`
	}
	params := url.Values{}
	params.Set("input_token", token)
	params.Set("access_token", cfg.ID+"|"+cfg.Secret)
	if err := c.get(ctx, "debug_token", params, &body); err != nil {
		return TokenInfo{}, err
	}
	d := body.Data
	info := TokenInfo{Valid: d.IsValid, Type: d.Type, AppID: d.AppID, UserID: d.UserID, Scopes: d.Scopes}
	if d.ExpiresAt == nil || *d.ExpiresAt == 0 {
		info.NeverExpires = true
	} else {
		t := time.Unix(*d.ExpiresAt, 0).UTC()
		info.ExpiresAt = &t
	}
	if d.Error != nil {
		info.ErrorCode = d.Error.Code
		info.ErrorSubcode = d.Error.Subcode
		info.ErrorMessage = d.Error.Message
	}
	return info, nil
}

// Page is a page reachable by a user token.
type Page struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Tasks       []string `json:"tasks"`
	AccessToken string   `json:"access_token"`
}

const pageFields = "id,name,category,tasks,access_token"

// ListPages enumerates every page of the user token, following pagination.
func (c *Client) ListPages(ctx context.Context, userToken string) ([]Page, error) {
	params := url.Values{}
	params.Set("fields", pageFields)
	params.Set("limit", "100")
	params.Set("access_token", userToken)
	u, err := c.endpoint(ctx, "me/accounts")
	if err != nil {
		return nil, err
	}
	next := u + "?" + params.Encode()
	var pages []Page
	for seen := 0; next != "" && seen < 50; seen++ {
		var body struct {
			Data   []Page `json:"data"`
			Paging struct {
				Next string `json:"next"`
			} `json:"paging"`
		}
		if err := c.send(ctx, http.MethodGet, next, nil, &body); err != nil {
			return nil, err
		}
		pages = append(pages, body.Data...)
		next = body.Paging.Next
	}
	return pages, nil
}

// GetPage looks a page up with the user token, yielding its scoped token.
func (c *Client) GetPage(ctx context.Context, userToken, pageID string) (Page, error) {
	params := url.Values{}
	params.Set("fields", pageFields)
	params.Set("access_token", userToken)
	var p Page
	if err := c.get(ctx, url.PathEscape(pageID), params, &p); err != nil {
		return Page{}, err
	}
	return p, nil
}

// LiveVideo is a page live video.
type LiveVideo struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	StreamURL       string `json:"stream_url"`
	SecureStreamURL string `json:"secure_stream_url"`
	PermalinkURL    string `json:"permalink_url"`
	EmbedHTML       string `json:"embed_html"`
}

const liveVideoFields = "id,status,title,description,stream_url,secure_stream_url,permalink_url,embed_html"

// ListLiveVideos lists page live videos whose broadcast status is one of
// statuses.
func (c *Client) ListLiveVideos(ctx context.Context, pageID, pageToken string, statuses []string, limit int) ([]LiveVideo, error) {
	params := url.Values{}
	params.Set("fields", "id,status,permalink_url")
	params.Set("access_token", pageToken)
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(statuses) > 0 {
		b, _ := json.Marshal(statuses)
		params.Set("broadcast_status", string(b))
	}
	var body struct {
		Data []LiveVideo `json:"data"`
	}
	if err := c.get(ctx, url.PathEscape(pageID)+"/live_videos", params, &body); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return body.Data, nil
	}
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := body.Data[:0]
	for _, v := range body.Data {
		if want[v.Status] {
			out = append(out, v)
		}
	}
	return out, nil
}

// CreateLiveVideo starts a live video on the page.
func (c *Client) CreateLiveVideo(ctx context.Context, pageID, pageToken, title, description, status string) (LiveVideo, error) {
	if status == "" {
		status = "LIVE_NOW"
	}
	form := url.Values{}
	form.Set("title", title)
	form.Set("description", description)
	form.Set("status", status)
	form.Set("access_token", pageToken)
	var v LiveVideo
	if err := c.post(ctx, url.PathEscape(pageID)+"/live_videos", form, &v); err != nil {
		return LiveVideo{}, err
	}
	if v.ID == "" {
		return LiveVideo{}, fmt.Errorf("graph create live video: empty id")
	}
	return v, nil
}

// UpdateLiveVideo applies field changes to a live video.
func (c *Client) UpdateLiveVideo(ctx context.Context, liveID, pageToken string, fields url.Values) error {
	form := url.Values{}
	for k, v := range fields {
		form[k] = v
	}
	form.Set("access_token", pageToken)
	return c.post(ctx, url.PathEscape(liveID), form, nil)
}

// GetLiveVideo fetches the canonical live video metadata.
func (c *Client) GetLiveVideo(ctx context.Context, liveID, pageToken string) (LiveVideo, error) {
	params := url.Values{}
	params.Set("fields", liveVideoFields)
	params.Set("access_token", pageToken)
	var v LiveVideo
	if err := c.get(ctx, url.PathEscape(liveID), params, &v); err != nil {
		return LiveVideo{}, err
	}
	return v, nil
}

// EndLiveVideo stops a running live video.
func (c *Client) EndLiveVideo(ctx context.Context, liveID, pageToken string) error {
	form := url.Values{}
	form.Set("end_live_video", "true")
	return c.UpdateLiveVideo(ctx, liveID, pageToken, form)
}

// PostComment comments on an object as the page and returns the comment id.
func (c *Client) PostComment(ctx context.Context, objectID, pageToken, message string) (string, error) {
	form := url.Values{}
	form.Set("message", message)
	form.Set("access_token", pageToken)
	var body struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, url.PathEscape(objectID)+"/comments", form, &body); err != nil {
		return "", err
	}
	return body.ID, nil
}
