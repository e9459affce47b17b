// Package dispatch is the front-door logic: it turns a generation request
// into either a cache replay or a queued job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaygate/internal/cache"
	"relaygate/internal/metrics"
	"relaygate/internal/queue"
	"relaygate/internal/results"
	"relaygate/internal/tokens"
	"relaygate/pkg/logging/logging"
	"relaygate/pkg/types"
)

// Submission is what the caller learns about an accepted request.
type Submission struct {
	RequestID string
	Cached    bool
}

type Dispatcher struct {
	cache   cache.CompletionCache
	results *results.Store
	queue   *queue.WorkQueue
	tokens  *tokens.Channel
	newID   func() string
}

// NewRequestID returns a random 32-character hex identifier.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func New(c cache.CompletionCache, rs *results.Store, q *queue.WorkQueue, ch *tokens.Channel) *Dispatcher {
	return &Dispatcher{
		cache:   c,
		results: rs,
		queue:   q,
		tokens:  ch,
		newID:   NewRequestID,
	}
}

// Submit validates req and either replays a cached completion or enqueues a
// job for a worker. Every call gets a fresh request id, even when the
// content is a duplicate.
//
// On a cache hit the result is stored under the new id and the cached text
// is published word by word, followed by the sentinel, before Submit
// returns. Clients that subscribe afterwards will see nothing on the stream
// and must poll the result store.
func (d *Dispatcher) Submit(ctx context.Context, req types.GenerateRequest) (Submission, error) {
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}

	fingerprint, err := cache.BuildFingerprint(req)
	if err != nil {
		return Submission{}, err
	}

	requestID := d.newID()
	logger := logging.L(ctx).With(zap.String("request_id", requestID))
	ctx = logging.WithLogger(ctx, logger)
	start := time.Now()

	cached, hit, err := d.cache.Get(ctx, fingerprint)
	switch {
	case errors.Is(err, cache.ErrCorruptEntry):
		logger.Warn("completion_cache_corrupt_entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		hit = false
	case err != nil:
		return Submission{}, fmt.Errorf("cache lookup: %w", err)
	}

	if hit {
		if err := d.replay(ctx, requestID, cached); err != nil {
			return Submission{}, err
		}
		logger.Info("cache_decision",
			zap.String("fingerprint", fingerprint),
			zap.Bool("cache_hit", true),
			zap.Duration("total_latency_ms", time.Since(start)),
		)
		return Submission{RequestID: requestID, Cached: true}, nil
	}

	job := types.Job{
		RequestID:   requestID,
		Text:        req.Text,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		CacheKey:    fingerprint,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return Submission{}, err
	}
	metrics.JobsEnqueuedTotal.Inc()

	logger.Info("cache_decision",
		zap.String("fingerprint", fingerprint),
		zap.Bool("cache_hit", false),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	logger.Info("job_enqueued", zap.Int("max_tokens", job.MaxTokens), zap.Float64("temperature", job.Temperature))

	return Submission{RequestID: requestID, Cached: false}, nil
}

// replay stores the cached result under the new id and re-publishes it as a
// burst of whitespace-split tokens. A failed store write fails the
// submission; a failed publish does not, since the stream is best effort.
func (d *Dispatcher) replay(ctx context.Context, requestID string, cached types.Result) error {
	if err := d.results.Put(ctx, requestID, cached); err != nil {
		return err
	}

	n, err := d.tokens.PublishAll(ctx, requestID, tokens.Fragments(cached.Response))
	metrics.TokensPublishedTotal.WithLabelValues("replay").Add(float64(n))
	if err != nil {
		logging.L(ctx).Warn("replay_publish_failed", zap.Int("published", n), zap.Error(err))
	}
	return nil
}
