package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"threads/internal/conversation"
	"threads/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrUnauthorized     = "unauthorized"
	ErrRateLimited      = "too many requests, please try again later"
	ErrInternal         = "internal server error"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError answers caller mistakes with their message and everything else with a
// generic 500; the full error only goes to the log.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, op string, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Msg, Details: ve.Details})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrNotFound)
	case errors.Is(err, domain.ErrUnknownModel),
		errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrInvalidMessageType),
		errors.Is(err, domain.ErrInvalidReader),
		errors.Is(err, conversation.ErrInvalidSender):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error(op+" failed", "err", err, "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, ErrInternal)
	}
}

// decodeJSON reads a bounded JSON body into v, answering 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return false
	}
	return true
}
