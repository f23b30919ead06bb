// internal/community/response.go
package community

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"memberboard/internal/tiered"
)

// DurabilityHeader tells clients which tier accepted a write.
const DurabilityHeader = "X-Storage-Durability"

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "component", "http", "error", err)
	}
}

func writeWrite(w http.ResponseWriter, status int, res tiered.WriteResult, data any) {
	w.Header().Set(DurabilityHeader, string(res.Durability))
	writeJSON(w, status, data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "component", "http",
			"method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tiered.ErrCorrupt):
		return http.StatusInternalServerError
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrCodeUsed), errors.Is(err, tiered.ErrImmutable):
		return http.StatusConflict
	case errors.Is(err, ErrCodeExpired):
		return http.StatusGone
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
