// Package worker runs the generation loop: pop a job, run the engine,
// stream fragments, then store the result and populate the cache.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaygate/internal/cache"
	"relaygate/internal/engine"
	"relaygate/internal/metrics"
	"relaygate/internal/queue"
	"relaygate/internal/results"
	"relaygate/internal/tokens"
	"relaygate/pkg/logging/logging"
	"relaygate/pkg/types"
)

// Backoff after a failed dequeue, so an unreachable store is not hammered.
const dequeueErrorBackoff = time.Second

type Config struct {
	ModelID     string
	PollTimeout time.Duration // default 5s
	JobTimeout  time.Duration // default 10m
	CacheTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	return c
}

type Worker struct {
	queue   *queue.WorkQueue
	tokens  *tokens.Channel
	results *results.Store
	cache   cache.CompletionCache
	engine  engine.Engine
	cfg     Config
	logger  *zap.Logger
}

func New(
	q *queue.WorkQueue,
	ch *tokens.Channel,
	rs *results.Store,
	c cache.CompletionCache,
	eng engine.Engine,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		queue:   q,
		tokens:  ch,
		results: rs,
		cache:   c,
		engine:  eng,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger).Named("worker"),
	}
}

// Run processes jobs one at a time until ctx is cancelled. A job that has
// been popped is always run to completion (bounded by JobTimeout), even if
// ctx is cancelled meanwhile. Run returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Duration("poll_timeout", w.cfg.PollTimeout))
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, found, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		switch {
		case errors.Is(err, queue.ErrMalformedJob):
			metrics.JobsProcessedTotal.WithLabelValues("malformed").Inc()
			w.logger.Warn("dropping malformed job", zap.Error(err))
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		case !found:
			continue
		}

		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
		_ = w.Process(jobCtx, job)
		cancel()
	}
}

// RunConcurrent runs n independent loops sharing this worker's
// dependencies. Each loop is sequential; the queue's atomic pop keeps them
// from sharing jobs.
func (w *Worker) RunConcurrent(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		loop := &Worker{
			queue:   w.queue,
			tokens:  w.tokens,
			results: w.results,
			cache:   w.cache,
			engine:  w.engine,
			cfg:     w.cfg,
			logger:  w.logger.With(zap.Int("loop", i)),
		}
		g.Go(func() error { return loop.Run(ctx) })
	}
	return g.Wait()
}

// Process runs one job end to end. An engine failure loses the job: no
// sentinel, no result, no requeue. Stream publish failures are logged and
// do not stop the job.
func (w *Worker) Process(ctx context.Context, job types.Job) error {
	logger := w.logger.With(zap.String("request_id", job.RequestID))
	ctx = logging.WithLogger(ctx, logger)
	start := time.Now()

	streamed := false
	published := 0
	emit := func(fragment string) error {
		streamed = true
		if err := w.tokens.Publish(ctx, job.RequestID, fragment); err != nil {
			logger.Warn("token_publish_failed", zap.Error(err))
			return nil
		}
		published++
		return nil
	}

	text, err := w.engine.Generate(ctx, job.Request(), emit)
	if err != nil {
		metrics.JobsProcessedTotal.WithLabelValues("engine_error").Inc()
		logger.Error("generation failed, job dropped", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("generate %s: %w", job.RequestID, err)
	}

	// Engines without incremental output get the same whitespace split
	// that cache replays use.
	if streamed {
		err = w.tokens.Finish(ctx, job.RequestID)
	} else {
		var n int
		n, err = w.tokens.PublishAll(ctx, job.RequestID, tokens.Fragments(text))
		published += n
	}
	metrics.TokensPublishedTotal.WithLabelValues("worker").Add(float64(published))
	if err != nil {
		logger.Warn("stream_finish_failed", zap.Error(err))
	}

	elapsed := time.Since(start)
	result := types.Result{
		Response:         text,
		ProcessingTimeMs: math.Round(float64(elapsed.Microseconds())/10) / 100,
		Model:            w.cfg.ModelID,
	}

	if err := w.results.Put(ctx, job.RequestID, result); err != nil {
		metrics.JobsProcessedTotal.WithLabelValues("store_error").Inc()
		logger.Error("result_store_failed", zap.Error(err))
		return err
	}

	if job.CacheKey != "" {
		if err := w.cache.Put(ctx, job.CacheKey, result, w.cfg.CacheTTL); err != nil {
			metrics.JobsProcessedTotal.WithLabelValues("store_error").Inc()
			logger.Error("completion_cache_failed", zap.Error(err))
			return err
		}
	}

	metrics.JobsProcessedTotal.WithLabelValues("ok").Inc()
	metrics.JobDurationSeconds.Observe(time.Since(start).Seconds())
	logger.Info("job_completed",
		zap.Int("tokens", published),
		zap.Bool("engine_streamed", streamed),
		zap.Duration("generation_time", elapsed),
	)
	return nil
}
