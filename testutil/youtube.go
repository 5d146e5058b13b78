package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeStream is an owned YouTube ingestion stream.
type FakeStream struct {
	ID       string
	Title    string
	Reusable bool
}

// FakeYouTube serves the Google token endpoint and the live subset of the
// YouTube Data API.
type FakeYouTube struct {
	*httptest.Server

	mu         sync.Mutex
	refresh    map[string]bool
	streams    []FakeStream
	active     []string
	broadcasts map[string]string // id -> bound stream
	completed  map[string]bool
	chat       map[string][]string
	faults     map[string]int
	calls      []string
	nextID     int
}

// NewFakeYouTube starts a FakeYouTube closed on test cleanup.
func NewFakeYouTube(t *testing.T) *FakeYouTube {
	t.Helper()
	f := &FakeYouTube{
		refresh:    map[string]bool{},
		broadcasts: map[string]string{},
		completed:  map[string]bool{},
		chat:       map[string][]string{},
		faults:     map[string]int{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// TokenURL is the fake token endpoint.
func (f *FakeYouTube) TokenURL() string { return f.URL + "/token" }

// APIEndpoint is the base for option.WithEndpoint.
func (f *FakeYouTube) APIEndpoint() string { return f.URL + "/" }

// AllowRefresh accepts refreshToken at the token endpoint.
func (f *FakeYouTube) AllowRefresh(refreshToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[refreshToken] = true
}

// AddStream registers an owned stream.
func (f *FakeYouTube) AddStream(s FakeStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, s)
}

// SetActive sets the ids of active broadcasts.
func (f *FakeYouTube) SetActive(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = ids
}

// Fail makes "METHOD suffix" (e.g. "POST liveBroadcasts") answer status.
func (f *FakeYouTube) Fail(route string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[route] = status
}

// Calls returns the routes served so far.
func (f *FakeYouTube) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts served routes equal to route.
func (f *FakeYouTube) CallCount(route string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == route {
			n++
		}
	}
	return n
}

// BoundStream returns the stream bound to a broadcast.
func (f *FakeYouTube) BoundStream(broadcastID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts[broadcastID]
}

// Completed reports whether a broadcast was transitioned to complete.
func (f *FakeYouTube) Completed(broadcastID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[broadcastID]
}

// Chat returns messages posted to a broadcast's chat.
func (f *FakeYouTube) Chat(broadcastID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chat["chat-"+broadcastID]...)
}

func streamJSON(s FakeStream) map[string]any {
	return map[string]any{
		"id":      s.ID,
		"snippet": map[string]any{"title": s.Title},
		"cdn": map[string]any{
			"ingestionType": "rtmp",
			"ingestionInfo": map[string]any{
				"ingestionAddress":      "rtmp://a.rtmp.youtube.com/live2",
				"rtmpsIngestionAddress": "rtmps://a.rtmps.youtube.com/live2",
				"streamName":            "key-" + s.ID,
			},
		},
		"contentDetails": map[string]any{"isReusable": s.Reusable},
	}
}

func (f *FakeYouTube) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		_ = r.ParseForm()
		f.calls = append(f.calls, "POST token")
		if !f.refresh[r.PostForm.Get("refresh_token")] {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "at-" + r.PostForm.Get("refresh_token"), "token_type": "Bearer", "expires_in": 3600})
		return
	}

	suffix := r.URL.Path[strings.LastIndex(r.URL.Path, "/v3/")+len("/v3/"):]
	route := r.Method + " " + suffix
	f.calls = append(f.calls, route)
	if status, ok := f.faults[route]; ok {
		writeJSON(w, status, map[string]any{"error": map[string]any{
			"code": status, "message": "fake failure",
			"errors": []map[string]any{{"reason": "backendError", "message": "fake failure"}},
		}})
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "unauthenticated"}})
		return
	}

	q := r.URL.Query()
	switch route {
	case "GET liveBroadcasts":
		var items []map[string]any
		if q.Get("broadcastStatus") == "active" {
			for _, id := range f.active {
				items = append(items, map[string]any{"id": id, "status": map[string]any{"lifeCycleStatus": "live"}})
			}
		} else if id := q.Get("id"); id != "" {
			items = append(items, map[string]any{"id": id, "snippet": map[string]any{"liveChatId": "chat-" + id}})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "POST liveBroadcasts":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		id := fmt.Sprintf("bc%d", f.nextID)
		f.broadcasts[id] = ""
		body["id"] = id
		writeJSON(w, http.StatusOK, body)
	case "POST liveBroadcasts/bind":
		f.broadcasts[q.Get("id")] = q.Get("streamId")
		writeJSON(w, http.StatusOK, map[string]any{"id": q.Get("id")})
	case "POST liveBroadcasts/transition":
		f.completed[q.Get("id")] = q.Get("broadcastStatus") == "complete"
		writeJSON(w, http.StatusOK, map[string]any{"id": q.Get("id")})
	case "GET liveStreams":
		var items []map[string]any
		for _, s := range f.streams {
			if id := q.Get("id"); id != "" && s.ID != id {
				continue
			}
			items = append(items, streamJSON(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "POST liveStreams":
		var body struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		s := FakeStream{ID: fmt.Sprintf("st%d", f.nextID), Title: body.Snippet.Title, Reusable: true}
		f.streams = append(f.streams, s)
		writeJSON(w, http.StatusOK, streamJSON(s))
	case "POST liveChat/messages":
		var body struct {
			Snippet struct {
				LiveChatID         string `json:"liveChatId"`
				TextMessageDetails struct {
					MessageText string `json:"messageText"`
				} `json:"textMessageDetails"`
			} `json:"snippet"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.chat[body.Snippet.LiveChatID] = append(f.chat[body.Snippet.LiveChatID], body.Snippet.TextMessageDetails.MessageText)
		writeJSON(w, http.StatusOK, map[string]any{"id": fmt.Sprintf("msg%d", len(f.chat[body.Snippet.LiveChatID]))})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "unknown route " + route}})
	}
}
