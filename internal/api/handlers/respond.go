package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps classified errors onto status codes. Anything unclassified
// is logged and reported as a 500 without its detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, core.ErrInvalidQueue):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrGateway):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
