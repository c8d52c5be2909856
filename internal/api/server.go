// Package api serves the engine over HTTP: plan reads with freshness
// annotations, search, cost tools, and the operator surface for refreshes
// and reports.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/batch"
	"github.com/sells-group/planfinder/internal/orchestrator"
	"github.com/sells-group/planfinder/internal/search"
	"github.com/sells-group/planfinder/internal/store"
)

// Options configures a Server.
type Options struct {
	Port        int
	CORSOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP API.
type Server struct {
	orch   *orchestrator.Orchestrator
	search *search.Service
	batch  *batch.Pipeline
	store  store.Store
	router chi.Router
	srv    *http.Server
}

// New creates a Server and registers its routes.
func New(orch *orchestrator.Orchestrator, srch *search.Service, pipe *batch.Pipeline, st store.Store, opts Options) *Server {
	s := &Server{orch: orch, search: srch, batch: pipe, store: st}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/compare", s.handleCompare)

		r.Get("/plans/{planID}", s.handleGetPlan)
		r.Post("/plans/{planID}/refresh", s.handleRefresh)
		r.Post("/plans/{planID}/cost", s.handleCost)
		r.Get("/plans/{planID}/checks", s.handleChecks)

		r.Get("/freshness", s.handleFreshness)

		r.Post("/batch", s.handleBatch)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
	})

	s.router = r
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	zap.L().Info("api: listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
