package cache

import (
	"context"
	"time"

	"relaygate/internal/metrics"
	"relaygate/pkg/logging/logging"
	"relaygate/pkg/types"

	"go.uber.org/zap"
)

// LoggingCompletionCache wraps a CompletionCache with logging + metrics.
type LoggingCompletionCache struct {
	inner CompletionCache
}

// NewLoggingCompletionCache returns a cache that logs and records metrics.
func NewLoggingCompletionCache(inner CompletionCache) CompletionCache {
	return &LoggingCompletionCache{inner: inner}
}

func (c *LoggingCompletionCache) Get(ctx context.Context, fingerprint string) (types.Result, bool, error) {
	start := time.Now()
	res, ok, err := c.inner.Get(ctx, fingerprint)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(result).Inc()

	fields := []zap.Field{
		zap.String("fingerprint", fingerprint),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("completion_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Info("completion_cache_get", fields...)
	}

	return res, ok, err
}

func (c *LoggingCompletionCache) Put(ctx context.Context, fingerprint string, result types.Result, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Put(ctx, fingerprint, result, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("fingerprint", fingerprint),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("completion_cache_put", append(fields, zap.Error(err))...)
	} else {
		logger.Info("completion_cache_put", fields...)
	}

	return err
}
