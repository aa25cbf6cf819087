package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/ledger-engine/internal/model"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindRejected:
		return http.StatusUnprocessableEntity
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string     `json:"error"`
	Kind  model.Kind `json:"kind"`
}

// writeError writes a JSON error response for err. Storage and internal
// errors are logged and their detail is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		msg = verr.Message
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
		msg = "internal error"
		if kind == model.KindStorage {
			msg = "storage error, nothing was applied"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// writeBadRequest reports a malformed request body or query.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: model.KindValidation})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}
