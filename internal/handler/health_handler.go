package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通確認を行う。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
