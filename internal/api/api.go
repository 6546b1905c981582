// Package api provides the HTTP API for RemindPipe.
//
// It exposes endpoints to create and delete reminder items, restart or cancel
// their schedules, request and finish quizzes, read quota, and inspect
// dead-lettered reminders.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/quiz"
	"github.com/BTreeMap/RemindPipe/internal/quota"
	"github.com/BTreeMap/RemindPipe/internal/scheduler"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server is the RemindPipe HTTP API server.
type Server struct {
	store   store.Store
	sched   *scheduler.Scheduler
	quizzes *quiz.Service
	quota   *quota.Engine
	router  chi.Router
	started time.Time
}

// NewServer creates a Server over the given components.
func NewServer(st store.Store, sched *scheduler.Scheduler, quizzes *quiz.Service, engine *quota.Engine) *Server {
	s := &Server{
		store:   st,
		sched:   sched,
		quizzes: quizzes,
		quota:   engine,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.healthHandler)

		r.Post("/items", s.createItemHandler)
		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/", s.getItemHandler)
			r.Delete("/", s.deleteItemHandler)
			r.Post("/restart", s.restartItemHandler)
			r.Delete("/reminders/{chatID}", s.cancelReminderHandler)
		})

		r.Post("/quizzes", s.createQuizHandler)
		r.Post("/quizzes/{quizID}/finish", s.finishQuizHandler)
		r.Get("/owners/{ownerID}/quota", s.quotaHandler)

		r.Get("/deadletters", s.deadLettersHandler)
	})

	s.router = r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
