package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaygate/internal/app"
	"relaygate/internal/config"
	"relaygate/internal/handlers"
	"relaygate/internal/metrics"
	"relaygate/pkg/logging/logging"
)

var (
	configPath  string
	concurrency int
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Pop jobs from the shared queue and run them through the inference engine",
	Long: `worker runs independent generation loops against the shared store. Each
loop pops one job at a time, streams its tokens, stores the result and fills
the completion cache. SIGINT/SIGTERM stops dequeuing; jobs already popped
finish first.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cmd.Flags().Changed("concurrency"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 1, "worker loops in this process (overrides WORKER_CONCURRENCY)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("worker exited with error: %v", err)
	}
}

func run(ctx context.Context, concurrencySet bool) error {
	logger := logging.DefaultLogger()
	defer logger.Sync()

	metrics.Register()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if concurrencySet {
		cfg.Worker.Concurrency = concurrency
	}

	logger.Info("loaded config",
		zap.String("backend", cfg.Store.Backend),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("model", cfg.Engine.Model),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Bool("stream", cfg.Engine.Stream),
	)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.Engine()
	if err != nil {
		return err
	}
	w := a.Worker(eng)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.RunConcurrent(gctx, cfg.Worker.Concurrency) })

	if cfg.Worker.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Get("/health", handlers.Health(a.Backend))
		r.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("serving worker metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker shutdown complete")
	return nil
}
