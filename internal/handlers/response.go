package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maneesh/gridbox/internal/filestore"
	"go.uber.org/zap"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// statusFor maps a filestore error to its HTTP status. Upload and backend
// failures, and anything unclassified, are server errors.
func statusFor(err error) int {
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, filestore.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{StatusCode: status, Message: msg}})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeErrorStatus(w, status, err.Error())
}

type deleteResult struct {
	Deleted int `json:"deleted"`
}
