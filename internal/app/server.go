package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/botforge/internal/api/handlers"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/metrics"
)

// Handlers groups the API handlers mounted by NewRouter.
type Handlers struct {
	Documents *handlers.DocumentHandler
	Websites  *handlers.WebsiteHandler
	Bots      *handlers.BotHandler
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// NewRouter builds and wires all routes.
func NewRouter(h Handlers, m *metrics.Metrics, origins []string, health HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				slog.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/bots/{botID}", func(bot chi.Router) {
			bot.Post("/documents", h.Documents.UploadDocument)
			bot.With(middleware.Timeout(30*time.Second)).Post("/websites", h.Websites.AddWebsite)
			bot.With(middleware.Timeout(30*time.Second)).Post("/reindex", h.Bots.Reindex)
		})
		api.Get("/documents/{id}", h.Documents.GetDocument)
		api.Get("/websites/{id}", h.Websites.GetWebsite)
		api.Get("/jobs/{queue}/{jobID}", h.Bots.JobProgress)
	})

	return r
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(port string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.WithComponent("http"),
	}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
