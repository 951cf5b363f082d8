// Package api exposes the attendance engine over HTTP.
//
// The server is the edit surface and the observation intake of a running
// rollcall instance. It owns no state: every request is forwarded to the
// engine, which remains the single ledger owner.
package api

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
)

// HistoryReader reads the attendance history.
// Implemented by store.Store and csvstore.History.
type HistoryReader interface {
	Scan(ctx context.Context) iter.Seq2[model.AttendanceEvent, error]
}

// Server is the HTTP front end of an Engine.
type Server struct {
	engine     *engine.Engine
	history    HistoryReader
	now        func() time.Time
	router     *chi.Mux
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithNow sets the clock used for observations that carry no timestamp.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the router and the underlying http.Server.
func NewServer(eng *engine.Engine, history HistoryReader, addr string, opts ...Option) *Server {
	r := chi.NewRouter()

	s := &Server{
		engine:  eng,
		history: history,
		now:     time.Now,
		router:  r,
	}
	for _, opt := range opts {
		opt(s)
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", s.health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/students", s.listStudents)
		r.Post("/students", s.enroll)
		r.Get("/students/{id}", s.getStudent)
		r.Patch("/students/{id}", s.updateStudent)
		r.Delete("/students/{id}", s.removeStudent)

		r.Get("/history", s.listHistory)
		r.Post("/observations", s.observe)
		r.Get("/stats", s.stats)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
