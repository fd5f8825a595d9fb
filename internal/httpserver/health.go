package httpserver

import (
	"context"
	"net/http"
	"time"
)

// ReadyzCheck probes one dependency (database, redis, queue).
type ReadyzCheck func(ctx context.Context) error

type readyResponse struct {
	Status string `json:"status"`
	Failed int    `json:"failed,omitempty"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, readyResponse{Status: "ok"})
	}
}

// Readyz runs every check under one shared timeout and answers 503 if any fails.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		failed := 0
		for _, check := range checks {
			if check(ctx) != nil {
				failed++
			}
		}
		if failed > 0 {
			writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not_ready", Failed: failed})
			return
		}
		writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
	}
}
