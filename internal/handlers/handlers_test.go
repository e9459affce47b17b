package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/cache"
	"relaygate/internal/dispatch"
	"relaygate/internal/queue"
	"relaygate/internal/results"
	"relaygate/internal/store"
	"relaygate/internal/tokens"
	"relaygate/pkg/types"
)

type fixture struct {
	mem     *store.Memory
	queue   *queue.WorkQueue
	results *results.Store
	tokens  *tokens.Channel
	cache   cache.CompletionCache
	jobs    *JobsHandler
	streams *StreamHandler
	server  *httptest.Server
}

func newFixture(t *testing.T, idle time.Duration) *fixture {
	t.Helper()
	mem := store.NewMemory(time.Minute)

	f := &fixture{
		mem:     mem,
		queue:   queue.New(mem, queue.DefaultName),
		results: results.NewStore(mem, time.Minute),
		tokens:  tokens.NewChannel(mem),
		cache:   cache.NewCompletionCache(mem),
	}
	d := dispatch.New(f.cache, f.results, f.queue, f.tokens)
	f.jobs = NewJobsHandler(d, f.results)
	f.streams = NewStreamHandler(f.tokens, idle, []string{"*"})

	r := chi.NewRouter()
	r.Post("/jobs", f.jobs.CreateJob)
	r.Get("/result/{requestID}", f.jobs.GetResult)
	r.Get("/ws/{requestID}", f.streams.WebSocket)
	r.Get("/stream/{requestID}", f.streams.SSE)
	r.Get("/health", Health(mem))

	f.server = httptest.NewServer(r)
	t.Cleanup(func() {
		f.server.Close()
		mem.Close()
	})
	return f
}

func (f *fixture) post(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Detail
}

func TestCreateJobEnqueuesWithDefaults(t *testing.T) {
	f := newFixture(t, 0)

	resp := f.post(t, `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out types.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Cached)
	assert.Len(t, out.RequestID, 32)
	assert.Equal(t, "/ws/"+out.RequestID, out.WSURL)
	assert.Equal(t, "/stream/"+out.RequestID, out.StreamURL)
	assert.Equal(t, "/result/"+out.RequestID, out.ResultURL)

	job, found, err := f.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, out.RequestID, job.RequestID)
	assert.Equal(t, types.DefaultMaxTokens, job.MaxTokens)
	assert.Equal(t, types.DefaultTemperature, job.Temperature)
}

func TestCreateJobKeepsExplicitZeroTemperature(t *testing.T) {
	f := newFixture(t, 0)

	resp := f.post(t, `{"text":"hello","max_tokens":3,"temperature":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job, found, err := f.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, job.MaxTokens)
	assert.Zero(t, job.Temperature)
}

func TestCreateJobCacheHit(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	fp, err := cache.BuildFingerprint(types.GenerateRequest{Text: "hi", MaxTokens: 5, Temperature: 0})
	require.NoError(t, err)
	require.NoError(t, f.cache.Put(ctx, fp, types.Result{Response: "cached answer", Model: "m"}, time.Minute))

	resp := f.post(t, `{"text":"hi","max_tokens":5,"temperature":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Cached)
	assert.Zero(t, f.mem.QueueLen(queue.DefaultName))

	res, err := http.Get(f.server.URL + out.ResultURL)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got types.Result
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "cached answer", got.Response)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	f := newFixture(t, 0)

	cases := map[string]string{
		"malformed json": `{"text":`,
		"empty text":     `{"text":""}`,
		"zero tokens":    `{"text":"x","max_tokens":0}`,
		"too hot":        `{"text":"x","temperature":2.5}`,
		"wrong type":     `{"text":42}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := f.post(t, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decodeDetail(t, resp))
		})
	}
	assert.Zero(t, f.mem.QueueLen(queue.DefaultName))
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(context.Context, types.GenerateRequest) (dispatch.Submission, error) {
	return dispatch.Submission{}, errors.New("connection refused")
}

func TestCreateJobStoreFailureIs503(t *testing.T) {
	h := NewJobsHandler(failingSubmitter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"text":"x"}`))
	rr := httptest.NewRecorder()
	h.CreateJob(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetResultNotReady(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/result/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Result not ready", decodeDetail(t, resp))
}

func TestGetResultRejectsOversizedID(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/result/" + strings.Repeat("a", maxRequestIDLen+1))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEStreamsUntilDone(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/stream/r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are only sent once the subscription exists.
	_, err = f.tokens.PublishAll(context.Background(), "r1", []string{"hello", "world"})
	require.NoError(t, err)

	var data []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"hello", "world", "[DONE]"}, data)
}

func TestSSESinkSplitsMultilineTokens(t *testing.T) {
	rr := httptest.NewRecorder()
	sink := &sseSink{w: rr, flusher: rr}

	require.NoError(t, sink.Send(context.Background(), "a\nb"))
	assert.Equal(t, "data: a\ndata: b\n\n", rr.Body.String())
	assert.True(t, rr.Flushed)
}

func wsURL(f *fixture, id string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/" + id
}

func TestWebSocketStreamsUntilDone(t *testing.T) {
	f := newFixture(t, 0)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "r2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = f.tokens.PublishAll(context.Background(), "r2", []string{"one", "two"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, string(msg))
	}
	assert.Equal(t, []string{"one", "two", "[DONE]"}, got)
}

func TestWebSocketIdleTimeoutCloses(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "quiet"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(allowed))

	foreign := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
	foreign.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(foreign))

	assert.True(t, originChecker(nil)(foreign))
	assert.True(t, originChecker([]string{"*"})(foreign))
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	Health(pingFunc(func(context.Context) error { return nil }))(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	Health(pingFunc(func(context.Context) error { return errors.New("down") }))(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
