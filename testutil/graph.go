package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeToken is what debug_token reports for a token.
type FakeToken struct {
	Valid     bool
	ExpiresAt int64 // unix seconds; 0 means never
	Scopes    []string
	Subcode   int
	Type      string
}

// FakePage is a page reachable through a user token.
type FakePage struct {
	ID           string
	Name         string
	Category     string
	Tasks        []string
	AccessToken  string
	LiveStatuses []string // broadcast statuses of existing live videos
}

// GraphFault makes a route fail with a Graph error payload.
type GraphFault struct {
	Status  int
	Code    int
	Subcode int
	Message string
}

type fakeLive struct {
	id, pageID, title, description, status string
	permalinkGets                          int
	ended                                  bool
	comments                               []string
	updates                                []url.Values
}

// FakeGraph is an in-memory Graph API served over httptest.
type FakeGraph struct {
	*httptest.Server

	// DelayedPermalink makes the first metadata read of a new live video
	// return no permalink.
	DelayedPermalink bool

	mu        sync.Mutex
	tokens    map[string]FakeToken
	pages     map[string]FakePage
	userPages map[string][]string
	lives     map[string]*fakeLive
	faults    map[string]GraphFault
	calls     []string
	nextID    int
}

// NewFakeGraph starts a FakeGraph closed on test cleanup.
func NewFakeGraph(t *testing.T) *FakeGraph {
	t.Helper()
	g := &FakeGraph{
		tokens:    map[string]FakeToken{},
		pages:     map[string]FakePage{},
		userPages: map[string][]string{},
		lives:     map[string]*fakeLive{},
		faults:    map[string]GraphFault{},
	}
	g.Server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.Close)
	return g
}

// AddToken registers debug_token output for token.
func (g *FakeGraph) AddToken(token string, info FakeToken) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[token] = info
}

// AddPage makes page reachable by userToken; its access token is valid and
// never expiring unless registered otherwise.
func (g *FakeGraph) AddPage(userToken string, p FakePage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages[p.ID] = p
	g.userPages[userToken] = append(g.userPages[userToken], p.ID)
	if _, ok := g.tokens[p.AccessToken]; !ok && p.AccessToken != "" {
		g.tokens[p.AccessToken] = FakeToken{Valid: true, Type: "PAGE"}
	}
}

// SetLiveStatuses replaces the existing live video statuses of a page.
func (g *FakeGraph) SetLiveStatuses(pageID string, statuses ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pages[pageID]
	p.ID = pageID
	p.LiveStatuses = statuses
	g.pages[pageID] = p
}

// Fail makes "METHOD path" (path without the version prefix, e.g.
// "POST 123/live_videos") answer with f until cleared.
func (g *FakeGraph) Fail(route string, f GraphFault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[route] = f
}

// Clear removes a fault.
func (g *FakeGraph) Clear(route string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.faults, route)
}

// Calls returns the routes served so far.
func (g *FakeGraph) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// CallCount counts served routes equal to route.
func (g *FakeGraph) CallCount(route string) int {
	n := 0
	for _, c := range g.Calls() {
		if c == route {
			n++
		}
	}
	return n
}

// Ended reports whether a live video was ended.
func (g *FakeGraph) Ended(liveID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lives[liveID]
	return ok && l.ended
}

// Updates returns the field sets posted to a live video, in order.
func (g *FakeGraph) Updates(liveID string) []url.Values {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.lives[liveID]; ok {
		return append([]url.Values(nil), l.updates...)
	}
	return nil
}

// Comments returns the comments posted on a live video.
func (g *FakeGraph) Comments(liveID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.lives[liveID]; ok {
		return append([]string(nil), l.comments...)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test fake response
}

func writeFault(w http.ResponseWriter, f GraphFault) {
	status := f.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"error": map[string]any{
		"message": f.Message, "type": "OAuthException", "code": f.Code, "error_subcode": f.Subcode,
	}})
}

func (g *FakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	route := r.Method + " " + rest

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, route)
	if f, ok := g.faults[route]; ok {
		writeFault(w, f)
		return
	}

	token := r.Form.Get("access_token")
	segs := strings.Split(rest, "/")
	switch {
	case r.Method == http.MethodGet && rest == "debug_token":
		g.debugToken(w, r.Form.Get("input_token"))
	case r.Method == http.MethodGet && rest == "me/accounts":
		g.accounts(w, r, token)
	case len(segs) == 2 && segs[1] == "live_videos" && r.Method == http.MethodGet:
		g.listLive(w, segs[0], token)
	case len(segs) == 2 && segs[1] == "live_videos" && r.Method == http.MethodPost:
		g.createLive(w, r, segs[0], token)
	case len(segs) == 2 && segs[1] == "comments" && r.Method == http.MethodPost:
		g.comment(w, r, segs[0])
	case len(segs) == 1 && r.Method == http.MethodGet:
		g.object(w, r, segs[0], token)
	case len(segs) == 1 && r.Method == http.MethodPost:
		g.updateLive(w, r, segs[0])
	default:
		writeFault(w, GraphFault{Status: http.StatusNotFound, Code: 803, Message: "unknown route " + route})
	}
}

func (g *FakeGraph) debugToken(w http.ResponseWriter, input string) {
	info, ok := g.tokens[input]
	data := map[string]any{"is_valid": ok && info.Valid, "type": info.Type, "scopes": info.Scopes}
	if ok {
		data["expires_at"] = info.ExpiresAt
	}
	if !ok || !info.Valid {
		data["error"] = map[string]any{"code": 190, "message": "Invalid OAuth access token", "subcode": info.Subcode}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func pageJSON(p FakePage) map[string]any {
	return map[string]any{"id": p.ID, "name": p.Name, "category": p.Category, "tasks": p.Tasks, "access_token": p.AccessToken}
}

func (g *FakeGraph) userValid(token string) bool {
	info, ok := g.tokens[token]
	return ok && info.Valid
}

func (g *FakeGraph) accounts(w http.ResponseWriter, r *http.Request, token string) {
	if !g.userValid(token) {
		writeFault(w, GraphFault{Code: 190, Message: "Invalid OAuth access token"})
		return
	}
	limit, _ := strconv.Atoi(r.Form.Get("limit"))
	if limit <= 0 {
		limit = 25
	}
	after, _ := strconv.Atoi(r.Form.Get("after"))
	ids := g.userPages[token]
	end := after + limit
	if end > len(ids) {
		end = len(ids)
	}
	var data []map[string]any
	for _, id := range ids[after:end] {
		data = append(data, pageJSON(g.pages[id]))
	}
	body := map[string]any{"data": data}
	if end < len(ids) {
		q := url.Values{}
		for k, v := range r.Form {
			q[k] = v
		}
		q.Set("after", strconv.Itoa(end))
		body["paging"] = map[string]any{"next": g.URL + r.URL.Path + "?" + q.Encode()}
	}
	writeJSON(w, http.StatusOK, body)
}

func (g *FakeGraph) pageTokenOK(pageID, token string) bool {
	p, ok := g.pages[pageID]
	return ok && token != "" && token == p.AccessToken && g.userValid(token)
}

func (g *FakeGraph) object(w http.ResponseWriter, r *http.Request, id, token string) {
	if l, ok := g.lives[id]; ok {
		l.permalinkGets++
		link := "/" + l.pageID + "/videos/" + l.id
		if g.DelayedPermalink && l.permalinkGets == 1 {
			link = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": l.id, "status": l.status, "title": l.title, "description": l.description,
			"secure_stream_url": "rtmps://live-api-s.facebook.com:443/rtmp/FB-" + l.id + "?s_bl=1",
			"permalink_url":     link,
		})
		return
	}
	p, ok := g.pages[id]
	if !ok {
		writeFault(w, GraphFault{Code: 100, Message: "Unsupported get request"})
		return
	}
	if strings.Contains(r.Form.Get("fields"), "access_token") {
		for _, pid := range g.userPages[token] {
			if pid == id && g.userValid(token) {
				writeJSON(w, http.StatusOK, pageJSON(p))
				return
			}
		}
		writeFault(w, GraphFault{Code: 190, Message: "user token cannot access page"})
		return
	}
	if !g.pageTokenOK(id, token) {
		writeFault(w, GraphFault{Code: 190, Message: "Invalid OAuth access token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": p.ID, "name": p.Name})
}

func (g *FakeGraph) listLive(w http.ResponseWriter, pageID, token string) {
	if !g.pageTokenOK(pageID, token) {
		writeFault(w, GraphFault{Code: 190, Message: "Invalid OAuth access token"})
		return
	}
	var data []map[string]any
	for i, s := range g.pages[pageID].LiveStatuses {
		data = append(data, map[string]any{"id": fmt.Sprintf("%s_existing_%d", pageID, i), "status": s})
	}
	for _, l := range g.lives {
		if l.pageID == pageID && !l.ended {
			data = append(data, map[string]any{"id": l.id, "status": l.status})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (g *FakeGraph) createLive(w http.ResponseWriter, r *http.Request, pageID, token string) {
	if !g.pageTokenOK(pageID, token) {
		writeFault(w, GraphFault{Code: 190, Message: "Invalid OAuth access token"})
		return
	}
	g.nextID++
	id := fmt.Sprintf("%s%03d", "lv", g.nextID)
	g.lives[id] = &fakeLive{id: id, pageID: pageID, title: r.Form.Get("title"), description: r.Form.Get("description"), status: "LIVE"}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                id,
		"stream_url":        "rtmp://live-api-s.facebook.com:80/rtmp/FB-" + id + "?s_bl=1",
		"secure_stream_url": "rtmps://live-api-s.facebook.com:443/rtmp/FB-" + id + "?s_bl=1",
	})
}

func (g *FakeGraph) updateLive(w http.ResponseWriter, r *http.Request, id string) {
	l, ok := g.lives[id]
	if !ok {
		writeFault(w, GraphFault{Code: 100, Message: "unknown object"})
		return
	}
	fields := url.Values{}
	for k, v := range r.PostForm {
		if k != "access_token" {
			fields[k] = append([]string(nil), v...)
		}
	}
	l.updates = append(l.updates, fields)
	if r.Form.Get("end_live_video") == "true" {
		l.ended = true
		l.status = "VOD"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *FakeGraph) comment(w http.ResponseWriter, r *http.Request, id string) {
	l, ok := g.lives[id]
	if !ok {
		writeFault(w, GraphFault{Code: 100, Message: "unknown object"})
		return
	}
	l.comments = append(l.comments, r.Form.Get("message"))
	writeJSON(w, http.StatusOK, map[string]any{"id": fmt.Sprintf("%s_c%d", id, len(l.comments))})
}
