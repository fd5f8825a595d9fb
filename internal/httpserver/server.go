package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threads/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request metrics and /healthz installed.
func New() *Server {
	m := mux.NewRouter()
	m.Use(Metrics(observability.APIRequests))
	m.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	return &Server{Mux: m}
}

// Handler wraps the router with request logging.
func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}

// MetricsHandler serves the Prometheus registry on the separate metrics port.
func MetricsHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}
