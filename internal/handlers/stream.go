package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaygate/internal/bridge"
	"relaygate/internal/metrics"
	"relaygate/internal/tokens"
	"relaygate/pkg/logging/logging"
)

const wsWriteTimeout = 10 * time.Second

// StreamHandler attaches clients to a request's token channel over
// WebSocket or Server-Sent Events.
type StreamHandler struct {
	Tokens      *tokens.Channel
	IdleTimeout time.Duration

	upgrader websocket.Upgrader
}

// NewStreamHandler builds a handler that accepts WebSocket upgrades from the
// given origins. "*" or an empty list accepts any origin.
func NewStreamHandler(ch *tokens.Channel, idleTimeout time.Duration, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		Tokens:      ch,
		IdleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// WebSocket handles GET /ws/{requestID}. Each token is one text frame; the
// stream ends with a "[DONE]" frame followed by a normal close.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	logger := logging.L(r.Context()).With(zap.String("stream_request_id", requestID), zap.String("transport", "websocket"))

	// Subscribe before the handshake so nothing published after the client
	// sees the upgrade is missed.
	sub, err := h.Tokens.Subscribe(r.Context(), requestID)
	if err != nil {
		logger.Error("subscribe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "subscribe failed, retry later")
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	// The read side only exists to notice the client going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	n, err := bridge.Forward(ctx, sub, &wsSink{conn: conn}, bridge.Options{IdleTimeout: h.IdleTimeout})
	switch {
	case err == nil:
		logger.Debug("stream complete", zap.Int("tokens", n))
		closeWS(conn, websocket.CloseNormalClosure, "")
	case errors.Is(err, bridge.ErrIdle):
		logger.Info("stream idle, closing", zap.Int("tokens", n))
		closeWS(conn, websocket.CloseGoingAway, "idle timeout")
	case ctx.Err() != nil:
		logger.Debug("client disconnected", zap.Int("tokens", n))
	default:
		logger.Warn("stream aborted", zap.Int("tokens", n), zap.Error(err))
	}

	// Closing the connection unblocks the reader.
	conn.Close()
	<-readDone
}

type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// SSE handles GET /stream/{requestID} as Server-Sent Events. Each token is
// one event; multi-line tokens use one data line per line.
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	requestID, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := logging.L(ctx).With(zap.String("stream_request_id", requestID), zap.String("transport", "sse"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := h.Tokens.Subscribe(ctx, requestID)
	if err != nil {
		logger.Error("subscribe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "subscribe failed, retry later")
		return
	}
	defer sub.Close()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	n, err := bridge.Forward(ctx, sub, &sseSink{w: w, flusher: flusher}, bridge.Options{IdleTimeout: h.IdleTimeout})
	switch {
	case err == nil:
		logger.Debug("stream complete", zap.Int("tokens", n))
	case errors.Is(err, bridge.ErrIdle):
		logger.Info("stream idle, closing", zap.Int("tokens", n))
	case ctx.Err() != nil:
		logger.Debug("client disconnected", zap.Int("tokens", n))
	default:
		logger.Warn("stream aborted", zap.Int("tokens", n), zap.Error(err))
	}
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(_ context.Context, message string) error {
	var b strings.Builder
	for _, line := range strings.Split(message, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
