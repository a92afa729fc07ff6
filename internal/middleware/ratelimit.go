package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/stationops/internal/model"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	LoginRate       rate.Limit    // ログインのレート（req/sec）。10/60
	LoginBurst      int           // ログインのバーストサイズ
	ResetRate       rate.Limit    // パスワード再設定申請のレート（req/sec）。3/60
	ResetBurst      int           // パスワード再設定申請のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// ログイン 10 req/min/IP、パスワード再設定申請 3 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(10, 3)
}

// NewRateLimiterConfig は1分あたりの回数からレート制限設定を生成する。
func NewRateLimiterConfig(loginPerMinute, resetPerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		LoginRate:       rate.Limit(float64(loginPerMinute) / 60.0),
		LoginBurst:      loginPerMinute,
		ResetRate:       rate.Limit(float64(resetPerMinute) / 60.0),
		ResetBurst:      resetPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキー（クライアントIP）ごとのリミッターの集合。
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*clientLimiter),
		rate:     r,
		burst:    burst,
	}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.RLock()
	cl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		cl.lastAccess = time.Now()
		s.mu.Unlock()
		return cl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if cl, exists := s.limiters[key]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters[key] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (s *limiterSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// 総当たりを防ぐため、ログインとパスワード再設定申請の2種類を独立に制限する。
type RateLimiter struct {
	config RateLimiterConfig

	login *limiterSet
	reset *limiterSet

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		login:  newLimiterSet(config.LoginRate, config.LoginBurst),
		reset:  newLimiterSet(config.ResetRate, config.ResetBurst),
		stopCh: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// LoginMiddleware はログイン試行のレート制限ミドルウェアを返す。
// ログイン画面の表示（GET）は制限しない。
func (rl *RateLimiter) LoginMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.login, "login")
}

// PasswordResetMiddleware はパスワード再設定申請のレート制限ミドルウェアを返す。
// ログインとは独立に動作する。
func (rl *RateLimiter) PasswordResetMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.reset, "password_reset")
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if !set.get(ip).Allow() {
				writeRateLimitResponse(w, set.rate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoginLimiterCount は現在管理されているログインリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LoginLimiterCount() int {
	return rl.login.count()
}

// ResetLimiterCount は現在管理されているパスワード再設定リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) ResetLimiterCount() int {
	return rl.reset.count()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.login.evictIdle(now, ttl)
	rl.reset.evictIdle(now, ttl)
}

// clientIP はリクエスト元のIPアドレスを返す。
// chiのRealIPミドルウェアの後ではプロキシが設定したアドレスになる。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
