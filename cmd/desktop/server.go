package main

import (
	"bufio"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/rocade/cmd/desktop/handlers"
	"github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

const serviceName = "rocade-desktop"

// Server owns the HTTP router of the desktop command surface.
type Server struct {
	router  *mux.Router
	games   *handlers.GamesHandler
	library *handlers.LibraryHandler
	images  *handlers.AssetsHandler
	hub     *WSHub
}

// NewServer wires handlers into a router.
func NewServer(games *handlers.GamesHandler, library *handlers.LibraryHandler, images *handlers.AssetsHandler, hub *WSHub) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		games:   games,
		library: library,
		images:  images,
		hub:     hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/games", s.games.ListGames).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}", s.games.GetGame).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}/install", s.games.InstallGame).Methods(http.MethodPost)
	api.HandleFunc("/games/{id}/uninstall", s.games.UninstallGame).Methods(http.MethodPost)
	api.HandleFunc("/store/{store_id}/install", s.games.InstallStoreTitle).Methods(http.MethodPost)
	api.HandleFunc("/store/{store_id}/uninstall", s.games.UninstallStoreTitle).Methods(http.MethodPost)

	api.HandleFunc("/library/refresh", s.library.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/library/status", s.library.Status).Methods(http.MethodGet)

	if s.images != nil {
		api.HandleFunc("/assets/{kind}/{image_id}", s.images.GetImage).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/ws", HandleWebSocket(s.hub))

	// JSON bodies for unmatched routes too. A subrouter answers its own
	// mismatches, so both routers need the handlers.
	for _, r := range []*mux.Router{s.router, api} {
		r.NotFoundHandler = http.HandlerFunc(notFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, errors.New(errors.ErrNotFound, "no such endpoint"))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusMethodNotAllowed, errors.New(errors.ErrInvalid, "method not allowed"))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns an http.Server serving the router on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
}

func writeJSONError(w http.ResponseWriter, status int, err *errors.AppError) {
	body, _ := err.MarshalJSON()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":`))
	w.Write(body)
	w.Write([]byte("}\n"))
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, stderrors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("http request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
