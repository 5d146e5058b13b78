package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/live-router/health"
	"github.com/onnwee/live-router/telemetry"
)

// HandleListPageTokens lists the ledger with a derived status per page.
// Query: status=<OK|NEEDS_REAUTH|...>, needsReauth=<bool>.
func (h *Handlers) HandleListPageTokens(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeUnavailable(w, "health checker")
		return
	}
	f := health.Filter{
		Status:      strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
		NeedsReauth: parseBoolQuery(r, "needsReauth"),
	}
	rows, err := h.deps.Health.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []health.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows, "count": len(rows)})
}

// HandleCheckPage runs a health check on one page and persists the outcome.
func (h *Handlers) HandleCheckPage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeUnavailable(w, "health checker")
		return
	}
	rep, err := h.deps.Health.CheckOne(r.Context(), r.PathValue("pageID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleCheckAllPages checks every ledger page in batches.
func (h *Handlers) HandleCheckAllPages(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeUnavailable(w, "health checker")
		return
	}
	sum, err := h.deps.Health.CheckAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleSweep triggers the token sweep. A sweep already in progress yields 409.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sweeper == nil {
		writeUnavailable(w, "token sweeper")
		return
	}
	rep, err := h.deps.Sweeper.RunNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rep.Skipped {
		writeJSON(w, http.StatusConflict, errorBody{Error: "sweep already running", Code: "SWEEP_RUNNING"})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("manual sweep finished",
		slog.Bool("bootstrapped", rep.Bootstrapped), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, rep)
}

type reauthBody struct {
	Reason string `json:"reason"`
}

// HandleMarkReauth flags a page as needing reauthorization.
func (h *Handlers) HandleMarkReauth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		writeUnavailable(w, "page ledger")
		return
	}
	var body reauthBody
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "marked by " + actorFrom(r.Context())
	}
	pageID := r.PathValue("pageID")
	if err := h.deps.Ledger.MarkPageTokenReauth(r.Context(), pageID, reason, h.deps.Now()); err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("page marked for reauth",
		slog.String("page_id", pageID), slog.String("reason", reason), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}
