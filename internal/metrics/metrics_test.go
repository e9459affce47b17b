package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	GatewayLatencySeconds.Reset()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/result/{requestID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	}

	assert.Equal(t, 1, testutil.CollectAndCount(GatewayLatencySeconds), "request ids must not create series")

	series, err := testutil.GatherAndCount(registryWith(t), "relaygate_gateway_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func registryWith(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(GatewayLatencySeconds))
	return reg
}

func TestStatusRecorderFlushes(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: rr, statusCode: http.StatusOK}

	rec.WriteHeader(http.StatusAccepted)
	rec.Flush()

	assert.Equal(t, http.StatusAccepted, rec.statusCode)
	assert.True(t, rr.Flushed)

	_, _, err := rec.Hijack()
	assert.Error(t, err, "recorder underneath cannot hijack")
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(JobsEnqueuedTotal)
	JobsEnqueuedTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(JobsEnqueuedTotal))

	StreamClients.Set(0)
	StreamClients.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(StreamClients))
	StreamClients.Dec()
}
