package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	TokenFreshWindow  time.Duration // この期間内のトークンは新鮮とみなす
	TokenTimeout      time.Duration // この期間を超えたトークンは失効
	ResetTokenTimeout time.Duration

	// Signing key
	KeyTTL             time.Duration
	KeyOverlap         time.Duration // ローテーション後も旧鍵で検証を許す猶予
	KeyCleanupInterval time.Duration

	// Password
	BcryptCost int

	// Rate Limit
	RateLimitLogin         int // req/min/IP
	RateLimitPasswordReset int // req/min/IP

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// TrustProxy が true の場合、X-Forwarded-For 等からクライアントIPを取得する。
	// リバースプロキシの背後で動かす場合のみ有効にする。
	TrustProxy bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはトークン期間の整合性が取れない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.TokenFreshWindow = getEnvDuration("TOKEN_FRESH_WINDOW", time.Hour)
	cfg.TokenTimeout = getEnvDuration("TOKEN_TIMEOUT", 2*time.Hour)
	cfg.ResetTokenTimeout = getEnvDuration("RESET_TOKEN_TIMEOUT", 24*time.Hour)
	cfg.KeyTTL = getEnvDuration("KEY_TTL", 30*24*time.Hour)
	cfg.KeyOverlap = getEnvDuration("KEY_OVERLAP", cfg.TokenTimeout)
	cfg.KeyCleanupInterval = getEnvDuration("KEY_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.RateLimitPasswordReset = getEnvInt("RATE_LIMIT_PASSWORD_RESET", 3)
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "noreply@localhost")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate はトークン・鍵に関する期間設定の整合性を検証する。
func (c *Config) validate() error {
	if c.TokenFreshWindow <= 0 {
		return fmt.Errorf("TOKEN_FRESH_WINDOW must be positive: %v", c.TokenFreshWindow)
	}
	if c.TokenFreshWindow > c.TokenTimeout {
		return fmt.Errorf("TOKEN_FRESH_WINDOW (%v) must not exceed TOKEN_TIMEOUT (%v)", c.TokenFreshWindow, c.TokenTimeout)
	}
	if c.ResetTokenTimeout <= 0 {
		return fmt.Errorf("RESET_TOKEN_TIMEOUT must be positive: %v", c.ResetTokenTimeout)
	}
	if c.KeyTTL <= c.TokenTimeout {
		return fmt.Errorf("KEY_TTL (%v) must exceed TOKEN_TIMEOUT (%v)", c.KeyTTL, c.TokenTimeout)
	}
	if c.KeyOverlap < 0 {
		return fmt.Errorf("KEY_OVERLAP must not be negative: %v", c.KeyOverlap)
	}
	if c.KeyCleanupInterval <= 0 {
		return fmt.Errorf("KEY_CLEANUP_INTERVAL must be positive: %v", c.KeyCleanupInterval)
	}
	return nil
}

// SMTPEnabled はSMTP送信が設定されているかどうかを返す。
// 未設定の場合、メールはログ出力のみとなる。
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
