package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"cronflow/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	svc        *service.Service
	logger     *slog.Logger
	authToken  string

	// logPoll is how often a followed log is checked for new output.
	logPoll time.Duration
}

// NewServer constructs the HTTP API server. mcpHandler, when not nil, is
// mounted at /mcp behind the same authentication as the API.
func NewServer(addr string, authToken string, svc *service.Service, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		svc:       svc,
		logger:    logger,
		authToken: authToken,
		logPoll:   500 * time.Millisecond,
	}
	s.registerRoutes(mcpHandler)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mcpHandler http.Handler) {
	s.router.Get("/healthz", s.handleHealth)

	if mcpHandler != nil {
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/schedule/preview", s.handleSchedulePreview)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleRegisterWorkflow)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Put("/", s.handleRegisterWorkflow)
				r.Delete("/", s.handleDeleteWorkflow)
				r.Post("/pause", s.handleSetPaused(true))
				r.Post("/resume", s.handleSetPaused(false))
				r.Post("/runs", s.handleTriggerRun)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Post("/{runID}/cancel", s.handleCancelRun)
			r.Get("/{runID}/tasks/{taskID}/log", s.handleTaskLog)
		})
	})
}
