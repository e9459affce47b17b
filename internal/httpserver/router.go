package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"relaygate/internal/handlers"
	"relaygate/internal/metrics"
	"relaygate/internal/middleware"
)

type RouterConfig struct {
	RequestTimeout time.Duration // REST routes only; streams are long-lived
	MaxBodyBytes   int64
	CORSOrigins    []string
}

type Handlers struct {
	Jobs    *handlers.JobsHandler
	Streams *handlers.StreamHandler
	Health  handlers.Pinger
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, cfg RouterConfig, h Handlers) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

		r.Post("/jobs", h.Jobs.CreateJob)
		r.Get("/result/{requestID}", h.Jobs.GetResult)
	})

	r.Get("/ws/{requestID}", h.Streams.WebSocket)
	r.Get("/stream/{requestID}", h.Streams.SSE)

	r.Get("/health", handlers.Health(h.Health))
	r.Handle("/metrics", metrics.Handler())
}

// NewServer wraps the router with the server timeouts the gateway runs with.
// There is no WriteTimeout because stream routes stay open.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
