// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// auth.Recorder と keycache.RotationRecorder を満たす。
type Collector struct {
	tokenParsed   *prometheus.CounterVec
	keyRotations  prometheus.Counter
	keysPruned    prometheus.Counter
	loginAttempts *prometheus.CounterVec
	resetMails    prometheus.Counter
	httpStatus    *prometheus.CounterVec
	httpLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationops_token_parse_total",
			Help: "トークン検証の結果別件数",
		}, []string{"kind", "outcome"}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stationops_key_rotations_total",
			Help: "署名鍵を新たに生成した回数",
		}),
		keysPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stationops_signing_keys_pruned_total",
			Help: "削除した古い署名鍵の合計数",
		}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationops_login_attempts_total",
			Help: "ログイン試行の結果別件数",
		}, []string{"result"}),
		resetMails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stationops_password_reset_emails_total",
			Help: "送信したパスワード設定メールの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationops_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stationops_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.tokenParsed,
		c.keyRotations,
		c.keysPruned,
		c.loginAttempts,
		c.resetMails,
		c.httpStatus,
		c.httpLatency,
	)

	return c
}

// TokenParsed はトークン検証の結果を記録する。
func (c *Collector) TokenParsed(kind, outcome string) {
	c.tokenParsed.WithLabelValues(kind, outcome).Inc()
}

// KeyRotated は署名鍵の生成を記録する。
func (c *Collector) KeyRotated() {
	c.keyRotations.Inc()
}

// KeysPruned は削除した署名鍵の数を記録する。
func (c *Collector) KeysPruned(count int64) {
	c.keysPruned.Add(float64(count))
}

// LoginAttempt はログイン試行の結果を記録する。
func (c *Collector) LoginAttempt(result string) {
	c.loginAttempts.WithLabelValues(result).Inc()
}

// ResetMailSent はパスワード設定メールの送信を記録する。
func (c *Collector) ResetMailSent() {
	c.resetMails.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordHTTPLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordHTTPLatency(duration time.Duration) {
	c.httpLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
