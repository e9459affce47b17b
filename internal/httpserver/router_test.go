package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"relaygate/internal/cache"
	"relaygate/internal/dispatch"
	"relaygate/internal/handlers"
	"relaygate/internal/metrics"
	"relaygate/internal/queue"
	"relaygate/internal/results"
	"relaygate/internal/store"
	"relaygate/internal/tokens"
	"relaygate/pkg/types"
)

func newTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *store.Memory) {
	t.Helper()
	metrics.Register()

	mem := store.NewMemory(time.Minute)
	ch := tokens.NewChannel(mem)
	rs := results.NewStore(mem, time.Minute)
	d := dispatch.New(cache.NewCompletionCache(mem), rs, queue.New(mem, queue.DefaultName), ch)

	r := chi.NewRouter()
	SetupRouter(r, zaptest.NewLogger(t), cfg, Handlers{
		Jobs:    handlers.NewJobsHandler(d, rs),
		Streams: handlers.NewStreamHandler(ch, time.Second, nil),
		Health:  mem,
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		mem.Close()
	})
	return srv, mem
}

func TestRouterServesJobLifecycle(t *testing.T) {
	srv, mem := newTestServer(t, RouterConfig{})

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, mem.QueueLen(queue.DefaultName))

	res, err := http.Get(srv.URL + out.ResultURL)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	require.NoError(t, results.NewStore(mem, time.Minute).Put(context.Background(), out.RequestID, types.Result{Response: "done"}))
	res2, err := http.Get(srv.URL + out.ResultURL)
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	srv, mem := newTestServer(t, RouterConfig{MaxBodyBytes: 64})

	body := `{"text":"` + strings.Repeat("x", 200) + `"}`
	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, mem.QueueLen(queue.DefaultName))
}

func TestRouterHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relaygate_gateway_latency_seconds")
	assert.Contains(t, string(body), `path="/health"`)
}

func TestRouterStreamRoutesSkipRequestTimeout(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{RequestTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/idle", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The timeout writer cannot flush, so an event stream here means the
	// route sits outside the REST group.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
