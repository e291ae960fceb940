// Package server is the HTTP command surface: episode CRUD, stage and
// pipeline commands, task queries, progress streaming, queue snapshots, and
// DLQ controls. All request semantics live in internal/control; this package
// only frames them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/castforge/castforge/internal/control"
	"github.com/castforge/castforge/internal/episode"
)

// Deps wires the server. Metrics and Log may be nil.
type Deps struct {
	Control  *control.Surface
	Episodes episode.Repository
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Log     *zap.Logger
}

// Options is the listener configuration.
type Options struct {
	Addr               string
	CORSAllowedOrigins []string
}

// Server owns the router and the http.Server lifecycle.
type Server struct {
	addr     string
	control  *control.Surface
	episodes episode.Repository
	log      *zap.Logger
	validate *validator.Validate
	httpSrv  *http.Server
}

func New(deps Deps, opts Options) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		addr:     opts.Addr,
		control:  deps.Control,
		episodes: deps.Episodes,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/episodes", func(r chi.Router) {
			r.Post("/", s.handleCreateEpisode)
			r.Get("/", s.handleListEpisodes)
			r.Route("/{episodeID}", func(r chi.Router) {
				r.Get("/", s.handleGetEpisode)
				r.Get("/tasks", s.handleEpisodeTasks)
				r.Get("/failure", s.handleEpisodeFailure)
				r.Post("/retry", s.handleRetryEpisode)
				r.Post("/enqueue", s.handleEnqueueStage)
				r.Post("/pipeline", s.handleRunPipeline)
				r.Delete("/pipeline", s.handleCancelPipeline)
			})
		})
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Post("/bump", s.handleBumpTask)
			r.Get("/progress", s.handleTaskProgress)
			r.Get("/progress/stream", s.handleTaskProgressStream)
		})
		r.Get("/queue", s.handleQueueSnapshot)
		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.handleListDLQ)
			r.Post("/retry_all", s.handleRetryAllDLQ)
			r.Post("/{taskID}/retry", s.handleRetryDLQ)
			r.Post("/{taskID}/skip", s.handleSkipDLQ)
		})
	})

	s.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	s.log.Info("http server listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}
