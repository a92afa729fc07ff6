package middleware

import (
	"net/http"
	"time"
)

// HTTPMetrics はHTTPレスポンスのメトリクスを記録する。
// metrics.Collectorが実装する。
type HTTPMetrics interface {
	RecordHTTPStatus(statusCode int)
	RecordHTTPLatency(duration time.Duration)
}

// NewMetricsMiddleware はレスポンスのステータスコードと処理時間を記録するミドルウェアを返す。
func NewMetricsMiddleware(m HTTPMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			m.RecordHTTPStatus(rec.statusCode)
			m.RecordHTTPLatency(time.Since(start))
		})
	}
}
