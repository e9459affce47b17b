package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaygate/internal/app"
	"relaygate/internal/config"
	"relaygate/internal/httpserver"
	"relaygate/internal/metrics"
	"relaygate/internal/worker"
	"relaygate/pkg/logging/logging"
)

var (
	configPath string
	workers    int
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "HTTP front door: submit jobs, stream tokens, poll results",
	Long: `gateway accepts generation requests, answers repeats from the completion
cache and queues the rest for workers. Tokens are streamed over WebSocket
(/ws/{id}) or Server-Sent Events (/stream/{id}); /result/{id} is the source
of truth.

With --workers N the gateway also runs N worker loops in-process, which
together with BACKEND=memory gives a single-process deployment.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "worker loops to run in-process")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run(ctx context.Context) error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Store.Backend),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("model", cfg.Engine.Model),
		zap.Int("embedded_workers", workers),
	)

	// ----- Shared store -----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// ----- Embedded workers -----
	var embedded *worker.Worker
	if workers > 0 {
		eng, err := a.Engine()
		if err != nil {
			return err
		}
		embedded = a.Worker(eng)
	}

	// ----- HTTP server -----
	srv := httpserver.NewServer(":"+cfg.Port, a.Router())

	// Stream connections never end on their own, so Shutdown cancels every
	// request context instead of waiting out its deadline.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.RegisterOnShutdown(cancelRequests)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting gateway", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if embedded != nil {
		g.Go(func() error { return embedded.RunConcurrent(gctx, workers) })
	}

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
