package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"relaygate/internal/cache"
	"relaygate/internal/dispatch"
	"relaygate/internal/engine"
	"relaygate/internal/queue"
	"relaygate/internal/results"
	"relaygate/internal/store"
	"relaygate/internal/tokens"
	"relaygate/pkg/types"
)

type harness struct {
	mem        *store.Memory
	queue      *queue.WorkQueue
	tokens     *tokens.Channel
	results    *results.Store
	cache      cache.CompletionCache
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory(time.Minute)
	t.Cleanup(func() { mem.Close() })

	h := &harness{
		mem:     mem,
		queue:   queue.New(mem, queue.DefaultName),
		tokens:  tokens.NewChannel(mem),
		results: results.NewStore(mem, time.Minute),
		cache:   cache.NewCompletionCache(mem),
	}
	h.dispatcher = dispatch.New(h.cache, h.results, h.queue, h.tokens)
	return h
}

func (h *harness) worker(t *testing.T, eng engine.Engine) *Worker {
	return New(h.queue, h.tokens, h.results, h.cache, eng, Config{
		ModelID:     "test-model",
		PollTimeout: 20 * time.Millisecond,
		CacheTTL:    time.Minute,
	}, zaptest.NewLogger(t))
}

// collect reads a subscription until the sentinel and returns the tokens.
func collect(t *testing.T, sub *tokens.Subscription) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var got []string
	for {
		tok, done, err := sub.Next(ctx)
		require.NoError(t, err)
		if done {
			return got
		}
		got = append(got, tok)
	}
}

func awaitResult(t *testing.T, rs *results.Store, id string) types.Result {
	t.Helper()
	var res types.Result
	require.Eventually(t, func() bool {
		r, found, err := rs.Get(context.Background(), id)
		if err != nil || !found {
			return false
		}
		res = r
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return res
}

func TestProcessStreamingEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.worker(t, engine.Echo{})

	sub, err := h.tokens.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer sub.Close()

	job := types.Job{RequestID: "r1", Text: "alpha beta gamma", MaxTokens: 10, CacheKey: "fp1"}
	require.NoError(t, w.Process(ctx, job))

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, collect(t, sub))

	res, found, err := h.results.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha beta gamma", res.Response)
	assert.Equal(t, "test-model", res.Model)
	assert.GreaterOrEqual(t, res.ProcessingTimeMs, 0.0)

	cached, hit, err := h.cache.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, res, cached)
}

func TestProcessNonStreamingEngineSplitsOnWhitespace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.worker(t, engine.Func(func(ctx context.Context, req types.GenerateRequest, emit engine.EmitFunc) (string, error) {
		return "one  two\nthree", nil
	}))

	sub, err := h.tokens.Subscribe(ctx, "r2")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, w.Process(ctx, types.Job{RequestID: "r2", Text: "x", MaxTokens: 5, CacheKey: "fp2"}))
	assert.Equal(t, []string{"one", "two", "three"}, collect(t, sub))
}

func TestProcessEngineFailureDropsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	boom := errors.New("out of memory")
	w := h.worker(t, engine.Func(func(context.Context, types.GenerateRequest, engine.EmitFunc) (string, error) {
		return "", boom
	}))

	sub, err := h.tokens.Subscribe(ctx, "r3")
	require.NoError(t, err)
	defer sub.Close()

	err = w.Process(ctx, types.Job{RequestID: "r3", Text: "x", MaxTokens: 5, CacheKey: "fp3"})
	assert.ErrorIs(t, err, boom)

	_, found, err := h.results.Get(ctx, "r3")
	require.NoError(t, err)
	assert.False(t, found)
	_, hit, err := h.cache.Get(ctx, "fp3")
	require.NoError(t, err)
	assert.False(t, hit)

	readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, err = sub.Next(readCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no sentinel after an engine failure")
	assert.Zero(t, h.mem.QueueLen(queue.DefaultName), "failed jobs are not requeued")
}

func TestProcessSkipsSentinelFragment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.worker(t, engine.Func(func(ctx context.Context, req types.GenerateRequest, emit engine.EmitFunc) (string, error) {
		for _, f := range []string{"a", tokens.Sentinel, "b"} {
			_ = emit(f)
		}
		return "a __DONE__ b", nil
	}))

	sub, err := h.tokens.Subscribe(ctx, "r4")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, w.Process(ctx, types.Job{RequestID: "r4", Text: "x", MaxTokens: 5}))
	assert.Equal(t, []string{"a", "b"}, collect(t, sub))

	res, found, err := h.results.Get(ctx, "r4")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a __DONE__ b", res.Response, "result store keeps the full text")
}

// Fresh request, then the identical request again: the second one is a
// cache hit that still streams fragments and never reaches the queue.
func TestFreshThenCachedScenario(t *testing.T) {
	// Registered first so it runs after the harness cleanup closes the store.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := h.worker(t, engine.Echo{})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	req := types.GenerateRequest{Text: "hello", MaxTokens: 10, Temperature: 0}

	first, err := h.dispatcher.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	res := awaitResult(t, h.results, first.RequestID)
	assert.Equal(t, "hello", res.Response)

	fp, err := cache.BuildFingerprint(req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, hit, _ := h.cache.Get(ctx, fp)
		return hit
	}, 3*time.Second, 5*time.Millisecond)

	second, err := h.dispatcher.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Zero(t, h.mem.QueueLen(queue.DefaultName))

	replayed, found, err := h.results.Get(ctx, second.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Response, replayed.Response)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRunFinishesPoppedJobAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	w := h.worker(t, engine.Func(func(jobCtx context.Context, req types.GenerateRequest, emit engine.EmitFunc) (string, error) {
		close(started)
		<-release
		if err := jobCtx.Err(); err != nil {
			return "", err
		}
		return "finished", nil
	}))

	require.NoError(t, h.queue.Enqueue(ctx, types.Job{RequestID: "slow", Text: "x", MaxTokens: 1}))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()
	close(release)

	require.NoError(t, <-done)
	res := awaitResult(t, h.results, "slow")
	assert.Equal(t, "finished", res.Response)
}

func TestRunDropsMalformedJobsAndContinues(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.mem.Push(ctx, queue.DefaultName, []byte("not a job")))
	require.NoError(t, h.queue.Enqueue(ctx, types.Job{RequestID: "good", Text: "fine", MaxTokens: 3}))

	done := make(chan error, 1)
	go func() { done <- h.worker(t, engine.Echo{}).Run(ctx) }()

	res := awaitResult(t, h.results, "good")
	assert.Equal(t, "fine", res.Response)

	cancel()
	require.NoError(t, <-done)
}

// Several loops competing on one queue process every job exactly once.
func TestRunConcurrentProcessesEachJobOnce(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := map[string]int{}
	w := h.worker(t, engine.Func(func(ctx context.Context, req types.GenerateRequest, emit engine.EmitFunc) (string, error) {
		mu.Lock()
		calls[req.Text]++
		mu.Unlock()
		return req.Text, nil
	}))

	const jobs = 40
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id := dispatch.NewRequestID()
		ids = append(ids, id)
		require.NoError(t, h.queue.Enqueue(ctx, types.Job{RequestID: id, Text: id, MaxTokens: 1}))
	}

	done := make(chan error, 1)
	go func() { done <- w.RunConcurrent(ctx, 4) }()

	for _, id := range ids {
		awaitResult(t, h.results, id)
	}
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, calls, jobs)
	for text, n := range calls {
		assert.Equal(t, 1, n, "job %s generated %d times", text, n)
	}
}
