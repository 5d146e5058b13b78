package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/telemetry"
)

// HandleConfigList returns every stored setting with secrets masked.
func (h *Handlers) HandleConfigList(w http.ResponseWriter, r *http.Request) {
	if h.deps.Settings == nil {
		writeUnavailable(w, "settings")
		return
	}
	items, err := h.deps.Settings.ListMasked(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []settings.Listed{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type configSetBody struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"isSecret"`
}

// HandleConfigSet writes one runtime setting.
func (h *Handlers) HandleConfigSet(w http.ResponseWriter, r *http.Request) {
	if h.deps.Settings == nil {
		writeUnavailable(w, "settings")
		return
	}
	var body configSetBody
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		writeBadRequest(w, "key is required")
		return
	}
	err := h.deps.Settings.Set(r.Context(), settings.Update{
		Key:       key,
		Value:     body.Value,
		IsSecret:  body.IsSecret,
		UpdatedBy: actorFrom(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	// never log the value
	telemetry.LoggerWithCorr(r.Context()).Info("setting updated",
		slog.String("key", key), slog.String("by", actorFrom(r.Context())), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleConfigDelete removes a stored setting so its default applies again.
func (h *Handlers) HandleConfigDelete(w http.ResponseWriter, r *http.Request) {
	if h.deps.Settings == nil {
		writeUnavailable(w, "settings")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeBadRequest(w, "key is required")
		return
	}
	if err := h.deps.Settings.Delete(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
