package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/genepulse/logger"
)

// routes mounts every handler
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/progress", s.HandleProgressWebSocket)
	mux.HandleFunc("POST /api/runs", s.corsMiddleware(s.HandleStartRun))
	mux.HandleFunc("GET /api/runs", s.corsMiddleware(s.HandleListRuns))
	mux.HandleFunc("GET /api/runs/{id}", s.corsMiddleware(s.HandleGetRun))
	mux.HandleFunc("DELETE /api/runs/{id}", s.corsMiddleware(s.HandleCancelRun))
	mux.HandleFunc("GET /api/entities/{id}", s.corsMiddleware(s.HandleGetEntity))
	mux.HandleFunc("OPTIONS /api/", s.corsMiddleware(func(http.ResponseWriter, *http.Request) {}))
	mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.requestIDMiddleware(mux)
}

// requestIDMiddleware tags every request with an id carried in logs and the response
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID(r)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}
