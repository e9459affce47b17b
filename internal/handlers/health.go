package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relaygate/pkg/logging/logging"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports ok when the shared store answers a ping.
func Health(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logging.L(ctx).Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
