package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskpilot/internal/alert"
	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/poller"
	"taskpilot/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the services the HTTP API fronts. Alerts and Loop may be nil.
type Deps struct {
	Store      *store.Store
	Engine     *core.Engine
	Dispatcher *core.Dispatcher
	Pipeline   *pipeline.Engine
	Alerts     *alert.Checker
	Loop       *poller.Loop
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	deps       Deps
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr, authToken string, deps Deps, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(logger))
	router.Use(middleware.Recoverer)

	if location == nil {
		location = time.Local
	}
	s := &Server{
		router:    router,
		deps:      deps,
		logger:    logger,
		location:  location,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/status", s.handleStatus)

		r.Route("/cron", func(r chi.Router) {
			r.Post("/schedule", s.handleCronSchedule)
			r.Post("/preview", s.handleCronPreview)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Post("/pipeline/run", s.handlePipelineRun)
		r.Route("/properties", func(r chi.Router) {
			r.Post("/", s.handleCreateProperty)
			r.Route("/{propertyID}", func(r chi.Router) {
				r.Get("/", s.handleGetProperty)
				r.Post("/stage", s.handleSetStage)
				r.Post("/enrichments", s.handleAddEnrichment)
				r.Post("/traces", s.handleAddTrace)
				r.Post("/contracts", s.handleAddContract)
			})
		})
		r.Patch("/contracts/{contractID}", s.handleUpdateContract)

		r.Post("/alerts/check", s.handleAlertCheck)
	})
}
