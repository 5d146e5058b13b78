package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/live-router/health"
	"github.com/onnwee/live-router/live"
	"github.com/onnwee/live-router/lock"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/oauth"
	"github.com/onnwee/live-router/provider"
	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/telemetry"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("err", err))
	}
}

// decodeBody reads an optional JSON body into dst. An empty body is not an error.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseBoolQuery returns nil when key is absent or unparsable.
func parseBoolQuery(r *http.Request, key string) *bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// errorStatus maps a domain error onto an HTTP status and stable code.
func errorStatus(err error) (int, string) {
	var te *models.TransitionError
	switch {
	case errors.Is(err, live.ErrNoAvailableChannel):
		return http.StatusConflict, "NO_AVAILABLE_CHANNEL"
	case errors.Is(err, lock.ErrUnavailable):
		return http.StatusConflict, "LOCK_UNAVAILABLE"
	case errors.As(err, &te):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, provider.ErrRemoteBusy):
		return http.StatusConflict, "REMOTE_BUSY"
	case errors.Is(err, oauth.ErrReauthRequired):
		return http.StatusUnauthorized, "REAUTH_REQUIRED"
	case errors.Is(err, oauth.ErrNoUsableCredential):
		return http.StatusUnauthorized, "NO_USABLE_CREDENTIAL"
	case errors.Is(err, provider.ErrRemoteAuthInvalid):
		return http.StatusUnauthorized, "REMOTE_AUTH_INVALID"
	case errors.Is(err, live.ErrInvalidRequest), errors.Is(err, settings.ErrInvalid):
		return http.StatusUnprocessableEntity, "INVALID_REQUEST"
	case errors.Is(err, settings.ErrImmutable):
		return http.StatusUnprocessableEntity, "IMMUTABLE_SETTING"
	case errors.Is(err, provider.ErrUnsupported):
		return http.StatusUnprocessableEntity, "UNSUPPORTED"
	case errors.Is(err, live.ErrSessionNotFound), errors.Is(err, health.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// writeError renders err as {error, code, detail}. Internal errors are logged
// and their message is hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	body := errorBody{Error: err.Error(), Code: code}

	var nac *live.NoAvailableChannelError
	if errors.As(err, &nac) {
		body.Detail = nac
	}
	if status == http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeUnavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: what + " not configured", Code: "UNAVAILABLE"})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "BAD_REQUEST"})
}
