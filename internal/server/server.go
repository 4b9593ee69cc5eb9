package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/fcsandbox/internal/pool"
	"github.com/michaelbrown/fcsandbox/internal/storage"
)

// Server is the HTTP front end of the sandbox pool.
type Server struct {
	pool   *pool.Pool
	store  storage.Store
	log    *logrus.Entry
	router chi.Router
	http   *http.Server
}

// New creates a new Server. store may be nil when no journal is kept.
func New(p *pool.Pool, store storage.Store, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		pool:   p,
		store:  store,
		log:    log,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  s.log.WithField("component", "http"),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Sandboxes
		r.Get("/sandboxes", s.handleListSandboxes)
		r.Post("/sandboxes", s.handleCreateSandbox)
		r.Get("/sandboxes/{id}", s.handleGetSandbox)
		r.Delete("/sandboxes/{id}", s.handleDeleteSandbox)
		r.Post("/sandboxes/{id}/execute", s.handleExecute)

		// WebSocket (no JSON content-type)
		r.Get("/sandboxes/{id}/ws", s.handleWebSocket)

		// Journal
		r.Get("/events", s.handleListEvents)
		r.Get("/history", s.handleListHistory)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Infof("fcsandbox server starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown closes the pool so no new sandbox can start, destroys every
// sandbox, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.WithField("count", s.pool.Len()).Info("shutting down; destroying all sandboxes")
	if err := s.pool.Close(ctx); err != nil {
		s.log.WithError(err).Warn("some sandboxes failed to stop cleanly")
	}

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
