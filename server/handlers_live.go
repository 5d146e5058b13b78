package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/live-router/live"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/telemetry"
)

type createLiveBody struct {
	Providers   []string `json:"providers"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// HandleCreateLive creates a live for the match in the path on the first
// available channel.
func (h *Handlers) HandleCreateLive(w http.ResponseWriter, r *http.Request) {
	if h.deps.Orchestrator == nil {
		writeUnavailable(w, "orchestrator")
		return
	}
	var body createLiveBody
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req := live.Request{
		MatchID:     strings.TrimSpace(r.PathValue("matchID")),
		Title:       body.Title,
		Description: body.Description,
	}
	for _, raw := range body.Providers {
		p, err := models.ParseProvider(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			writeError(w, r, &invalidRequest{err})
			return
		}
		req.Providers = append(req.Providers, p)
	}

	res, err := h.deps.Orchestrator.CreateForMatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("live created",
		slog.String("match_id", req.MatchID),
		slog.String("session_id", res.Session.ID),
		slog.String("channel_id", res.Channel.ID),
		slog.String("component", "http"))
	writeJSON(w, http.StatusCreated, res)
}

type sessionActionBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// HandleSessionAction applies end, cancel, fail, live or comment to a session.
func (h *Handlers) HandleSessionAction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		writeUnavailable(w, "sessions")
		return
	}
	id := r.PathValue("id")
	var body sessionActionBody
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ctx := r.Context()
	var (
		ls  models.LiveSession
		err error
	)
	switch action := r.PathValue("action"); action {
	case "live":
		ls, err = h.deps.Sessions.MarkLive(ctx, id)
	case "end":
		ls, err = h.deps.Sessions.End(ctx, id)
	case "cancel":
		ls, err = h.deps.Sessions.Cancel(ctx, id, body.Reason)
	case "fail":
		ls, err = h.deps.Sessions.Fail(ctx, id, body.Reason)
	case "comment":
		if err := h.deps.Sessions.Comment(ctx, id, body.Message); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "posted"})
		return
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session action " + action, Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

// invalidRequest tags a request parsing error as live.ErrInvalidRequest.
type invalidRequest struct{ err error }

func (e *invalidRequest) Error() string { return e.err.Error() }

func (e *invalidRequest) Is(target error) bool { return target == live.ErrInvalidRequest }
