package facebookapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, StaticApp(AppConfig{ID: "app", Secret: "shh", Version: "v24.0"}), WithRateLimit(1000, 100))
}

func TestDebugToken(t *testing.T) {
	tests := []struct {
		name      string
		expires   string
		wantNever bool
	}{
		{"absent expiry", `"is_valid":true`, true},
		{"zero expiry", `"is_valid":true,"expires_at":0`, true},
		{"future expiry", `"is_valid":true,"expires_at":4102444800`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v24.0/debug_token" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.URL.Query().Get("access_token"); got != "app|shh" {
					t.Errorf("app token = %q", got)
				}
				_, _ = w.Write([]byte(`{"data":{` + tt.expires + `,"scopes":["pages_manage_posts"]}}`))
			})
			info, err := c.DebugToken(context.Background(), "tok")
			if err != nil {
				t.Fatal(err)
			}
			if info.NeverExpires != tt.wantNever {
				t.Fatalf("NeverExpires = %v", info.NeverExpires)
			}
			if !tt.wantNever && (info.ExpiresAt == nil || info.ExpiresAt.Year() != 2100) {
				t.Fatalf("ExpiresAt = %v", info.ExpiresAt)
			}
			if !info.HasScope("pages_manage_posts") || info.HasScope("other") {
				t.Fatalf("scopes = %v", info.Scopes)
			}
		})
	}
}

func TestListPagesFollowsPaging(t *testing.T) {
	var srvURL string
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("after") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":   []map[string]any{{"id": "1", "name": "One", "access_token": "pt1"}},
				"paging": map[string]any{"next": srvURL + "/v24.0/me/accounts?after=1"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "2", "name": "Two"}}})
	})
	srvURL = c.BaseURL
	pages, err := c.ListPages(context.Background(), "user")
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || pages[0].AccessToken != "pt1" || pages[1].ID != "2" || calls != 2 {
		t.Fatalf("pages = %+v calls = %d", pages, calls)
	}
}

func TestGraphErrorParsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"OAuthException","code":190,"error_subcode":463,"fbtrace_id":"x"}}`))
	})
	_, err := c.GetPage(context.Background(), "user", "p1")
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v", err)
	}
	if ge.Status != 400 || ge.Code != 190 || ge.Subcode != 463 || ge.TraceID != "x" {
		t.Fatalf("graph error = %+v", ge)
	}
	if !strings.Contains(ge.Error(), "190/463") {
		t.Fatalf("message = %s", ge.Error())
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})
	_, err := c.GetLiveVideo(context.Background(), "lv", "pt")
	var ge *GraphError
	if !errors.As(err, &ge) || ge.Status != http.StatusBadGateway || ge.Message != "gateway down" {
		t.Fatalf("err = %#v", err)
	}
}

func TestProbeLiveReasons(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		subcode int
		want    string
	}{
		{"permission", 200, 0, ReasonPermission},
		{"checkpoint 459", 190, 459, ReasonCheckpoint},
		{"checkpoint 490", 190, 490, ReasonCheckpoint},
		{"invalid oauth", 190, 0, ReasonInvalidOAuth},
		{"other", 10, 0, ReasonLiveDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": tt.code, "error_subcode": tt.subcode, "message": "no"}})
			})
			res := c.ProbeLive(context.Background(), "p1", "pt")
			if res.OK || res.Reason != tt.want {
				t.Fatalf("result = %+v, want %s", res, tt.want)
			}
		})
	}
}

func TestEmptyTokenSkipsNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	if res := c.ProbeRead(context.Background(), "p1", " "); res.Reason != ReasonInvalidOAuth {
		t.Fatalf("result = %+v", res)
	}
}

func TestListLiveVideosFiltersStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("broadcast_status"); got != `["LIVE","SCHEDULED_LIVE"]` {
			t.Errorf("broadcast_status = %s", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"a","status":"LIVE"},{"id":"b","status":"VOD"}]}`))
	})
	vids, err := c.ListLiveVideos(context.Background(), "p1", "pt", []string{"LIVE", "SCHEDULED_LIVE"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(vids) != 1 || vids[0].ID != "a" {
		t.Fatalf("videos = %+v", vids)
	}
}

func TestCreateLiveVideoPostsForm(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v24.0/p1/live_videos" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("status") != "LIVE_NOW" || r.PostForm.Get("title") != "Final" {
			t.Errorf("form = %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"id":"lv1","secure_stream_url":"rtmps://x/rtmp/KEY"}`))
	})
	v, err := c.CreateLiveVideo(context.Background(), "p1", "pt", "Final", "", "")
	if err != nil || v.ID != "lv1" {
		t.Fatalf("v = %+v, %v", v, err)
	}
}

func TestSplitStreamURL(t *testing.T) {
	tests := []struct {
		in, server, key string
	}{
		{"rtmps://live-api-s.facebook.com:443/rtmp/FB-1-abc?s_bl=1&a=b", "rtmps://live-api-s.facebook.com:443/rtmp/", "FB-1-abc?s_bl=1&a=b"},
		{"rtmp://host/app/key", "rtmp://host/app/", "key"},
		{"rtmp://host", "rtmp://host", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		s, k := SplitStreamURL(tt.in)
		if s != tt.server || k != tt.key {
			t.Errorf("SplitStreamURL(%q) = %q, %q", tt.in, s, k)
		}
	}
}

func TestAbsolutePermalink(t *testing.T) {
	if got := AbsolutePermalink("/p1/videos/9"); got != "https://facebook.com/p1/videos/9" {
		t.Fatalf("got %s", got)
	}
	if got := AbsolutePermalink("https://fb.watch/x"); got != "https://fb.watch/x" {
		t.Fatalf("got %s", got)
	}
}
