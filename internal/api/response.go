package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/spachava753/buda/internal/models"
)

// errorResponse is the envelope for every failed request.
type errorResponse struct {
	Error   bool                 `json:"error"`
	Desc    models.ErrorCode     `json:"desc"`
	Details []models.ErrorDetail `json:"details,omitempty"`
}

type pingResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError renders err in the error envelope. Causes of internal errors
// are logged and never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := models.AsAPIError(err)
	status := apiErr.HTTPStatus()

	attrs := []any{"method", r.Method, "path", r.URL.Path, "code", apiErr.Code}
	if apiErr.Cause != nil {
		attrs = append(attrs, "error", apiErr.Cause)
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", attrs...)
	} else {
		slog.Debug("request rejected", attrs...)
	}

	CounterErrors.WithLabelValues(string(apiErr.Code)).Inc()
	writeJSON(w, status, errorResponse{
		Error:   true,
		Desc:    apiErr.Code,
		Details: apiErr.Details,
	})
}
