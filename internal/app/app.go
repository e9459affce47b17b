// Package app wires configuration into the shared components used by the
// gateway and worker processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relaygate/internal/cache"
	"relaygate/internal/config"
	"relaygate/internal/dispatch"
	"relaygate/internal/engine"
	"relaygate/internal/handlers"
	"relaygate/internal/httpserver"
	"relaygate/internal/llm"
	"relaygate/internal/queue"
	"relaygate/internal/results"
	"relaygate/internal/store"
	"relaygate/internal/tokens"
	"relaygate/pkg/logging/logging"
)

// App holds one process's view of the shared store.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Backend store.Backend
	Cache   cache.CompletionCache
	Results *results.Store
	Queue   *queue.WorkQueue
	Tokens  *tokens.Channel

	closers []func() error
}

// New connects to the configured backend and builds the store-facing
// components. The redis backend is pinged so a bad URL fails at startup.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)

	var redisClient *redis.Client
	if cfg.Store.Backend == config.BackendRedis {
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("redis connection established", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	}

	backend, err := store.NewBackend(store.Config{
		Backend:         cfg.Store.Backend,
		Prefix:          cfg.Store.Prefix,
		CleanupInterval: time.Minute,
	}, redisClient)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Backend: backend,
		Cache:   cache.NewLoggingCompletionCache(cache.NewCompletionCache(backend)),
		Results: results.NewStore(backend, cfg.Store.ResultTTL()),
		Queue:   queue.New(backend, queue.DefaultName),
		Tokens:  tokens.NewChannel(backend),
	}
	a.closers = append(a.closers, backend.Close)
	return a, nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.Cache, a.Results, a.Queue, a.Tokens)
}

// Router builds the gateway's HTTP surface.
func (a *App) Router() *chi.Mux {
	r := chi.NewRouter()
	httpserver.SetupRouter(r, a.Logger, httpserver.RouterConfig{
		RequestTimeout: a.Config.HTTP.RequestTimeout.Std(),
		MaxBodyBytes:   a.Config.HTTP.MaxBodyBytes,
		CORSOrigins:    a.Config.HTTP.CORSOrigins,
	}, httpserver.Handlers{
		Jobs:    handlers.NewJobsHandler(a.Dispatcher(), a.Results),
		Streams: handlers.NewStreamHandler(a.Tokens, a.Config.HTTP.StreamIdleTimeout.Std(), a.Config.HTTP.CORSOrigins),
		Health:  a.Backend,
	})
	return r
}

// Engine builds the configured inference engine. Its resources are released
// by Close.
func (a *App) Engine() (engine.Engine, error) {
	ec := a.Config.Engine
	switch ec.Kind {
	case config.EngineEcho:
		return engine.Echo{}, nil
	case config.EngineOpenAI:
		client, err := llm.NewClient(llm.Config{
			BaseURL:         ec.BaseURL,
			APIKey:          ec.APIKey,
			UpstreamTimeout: ec.UpstreamTimeout.Std(),
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		if closer, ok := client.(interface{ Close() error }); ok {
			a.closers = append(a.closers, closer.Close)
		}
		return llm.NewEngine(client, ec.Model, ec.Stream), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", ec.Kind)
	}
}

// Close releases everything New and Engine opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
