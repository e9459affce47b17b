package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"relaygate/internal/dispatch"
	"relaygate/pkg/logging/logging"
	"relaygate/pkg/types"
)

const maxRequestIDLen = 128

// Submitter accepts generation requests (implemented by dispatch.Dispatcher).
type Submitter interface {
	Submit(ctx context.Context, req types.GenerateRequest) (dispatch.Submission, error)
}

// ResultReader looks up finished results (implemented by results.Store).
type ResultReader interface {
	Get(ctx context.Context, requestID string) (types.Result, bool, error)
}

// JobsHandler serves job submission and result polling.
type JobsHandler struct {
	Dispatcher Submitter
	Results    ResultReader
}

func NewJobsHandler(d Submitter, rs ResultReader) *JobsHandler {
	return &JobsHandler{
		Dispatcher: d,
		Results:    rs,
	}
}

// CreateJob handles POST /jobs.
func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var body types.SubmitRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sub, err := h.Dispatcher.Submit(ctx, body.Normalize())
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		logger.Warn("rejected request", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "submission failed, retry later")
		return
	}

	writeJSON(w, http.StatusOK, types.SubmitResponse{
		RequestID: sub.RequestID,
		Cached:    sub.Cached,
		WSURL:     "/ws/" + sub.RequestID,
		StreamURL: "/stream/" + sub.RequestID,
		ResultURL: "/result/" + sub.RequestID,
	})
}

// GetResult handles GET /result/{requestID}. A missing result is 404 whether
// it is still being generated or has expired.
func (h *JobsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}

	start := time.Now()
	res, found, err := h.Results.Get(ctx, requestID)
	if err != nil {
		logging.L(ctx).Error("result lookup failed", zap.String("result_request_id", requestID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "result lookup failed, retry later")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Result not ready")
		return
	}

	logging.L(ctx).Debug("result served",
		zap.String("result_request_id", requestID),
		zap.Duration("lookup_latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, res)
}

func requestIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "requestID")
	if id == "" || len(id) > maxRequestIDLen {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return "", false
	}
	return id, true
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
