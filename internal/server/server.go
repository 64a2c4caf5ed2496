package server

import (
	"net/http"

	"github.com/ehrlich-b/sling/internal/metrics"
)

// NewMux assembles the HTTP surface: the authenticated REST API under /api/,
// ticket-authenticated websockets under /ws/, and the unauthenticated
// operational endpoints.
func NewMux(api *APIHandler, ws *WSHandler, auth *Authenticator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/", auth.Middleware(api))
	mux.Handle("/ws/", ws)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
