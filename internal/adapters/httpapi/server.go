// Package httpapi expone el engine por HTTP: disparadores para un scheduler
// externo, lectura del rastro de auditoría, health y métricas.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/expgov/internal/application/engine"
	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

// Engine es la parte del engine que se expone por HTTP.
type Engine interface {
	Tick(ctx context.Context, experimentID string) (domain.TickResult, error)
	Evaluate(ctx context.Context, experimentID, actor string) (domain.EvaluationResult, error)
	Sweep(ctx context.Context) engine.SweepReport
	EvaluateRunning(ctx context.Context) engine.SweepReport
}

// Deps agrupa las dependencias del router. Metrics y Ping pueden ser nil.
type Deps struct {
	Engine      Engine
	Experiments ports.ExperimentStore
	Audits      ports.AuditReader
	Metrics     http.Handler
	Ping        func(ctx context.Context) error
}

// Config contiene la configuración del servidor HTTP.
type Config struct {
	Addr           string
	RequestTimeout time.Duration // 0 = 60s
}

// NewRouter arma el router con todas las rutas registradas.
func NewRouter(cfg Config, deps Deps) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	h := NewHandler(deps)
	RegisterRoutes(r, h)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	return r
}

// NewHTTPServer crea el *http.Server listo para ListenAndServe.
func NewHTTPServer(cfg Config, deps Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// RegisterRoutes registra las rutas del engine en r.
func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/healthz", h.Health)

	r.Route("/experiments", func(r chi.Router) {
		r.Post("/tick", h.Sweep)
		r.Post("/evaluate", h.EvaluateRunning)
		r.Get("/{id}", h.GetExperiment)
		r.Post("/{id}/tick", h.Tick)
		r.Post("/{id}/evaluate", h.Evaluate)
		r.Get("/{id}/export", h.Export)
	})

	r.Get("/projects/{id}/decisions", h.Decisions)
}

// requestLogger registra cada request con slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
