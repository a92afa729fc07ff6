package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/stationops/internal/auth"
	"github.com/hitoshi/stationops/internal/config"
	"github.com/hitoshi/stationops/internal/database"
	"github.com/hitoshi/stationops/internal/handler"
	"github.com/hitoshi/stationops/internal/keycache"
	"github.com/hitoshi/stationops/internal/logger"
	"github.com/hitoshi/stationops/internal/mail"
	"github.com/hitoshi/stationops/internal/metrics"
	"github.com/hitoshi/stationops/internal/middleware"
	"github.com/hitoshi/stationops/internal/repository"
	"github.com/hitoshi/stationops/internal/security"
	"github.com/hitoshi/stationops/internal/user"
	"github.com/hitoshi/stationops/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandBootstrap:
		if len(args) < 2 {
			return errors.New("usage: stationops bootstrap <email>")
		}
		return runBootstrap(cfg, args[1], os.Getenv("BOOTSTRAP_PASSWORD"))
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// mailDeliveryAttempts はSMTP送信の最大試行回数。
const mailDeliveryAttempts = 3

// newMailSender はSMTP設定があれば再試行付きのSMTP送信、なければログ出力の送信者を返す。
func newMailSender(cfg *config.Config) mail.Sender {
	if cfg.SMTPEnabled() {
		smtpSender := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		return mail.NewRetrySender(smtpSender, mailDeliveryAttempts, slog.Default())
	}
	slog.Warn("SMTP_HOST is not set; mail will be written to the log only")
	return mail.NewLogSender(slog.Default())
}

// services は認証まわりの依存関係をまとめたもの。
type services struct {
	sessions *auth.SessionManager
	auth     *auth.Service
	users    *user.Service
}

// newServices は署名鍵キャッシュ・トークン・認証・ユーザー管理のサービスを組み立てる。
// collector は nil でもよい。
func newServices(cfg *config.Config, userRepo repository.IdentityRepository, keyRepo repository.SigningKeyRepository, collector *metrics.Collector) *services {
	var (
		authRecorder auth.Recorder
		keyRecorder  keycache.RotationRecorder
	)
	if collector != nil {
		authRecorder = collector
		keyRecorder = collector
	}

	keys := keycache.NewProvider(keyRepo, keycache.Config{
		TTL:      cfg.KeyTTL,
		Overlap:  cfg.KeyOverlap,
		Recorder: keyRecorder,
	})

	sessions := auth.NewSessionManager(keys, userRepo, auth.SessionConfig{
		FreshWindow:  cfg.TokenFreshWindow,
		Timeout:      cfg.TokenTimeout,
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
		Recorder:     authRecorder,
	})
	resets := auth.NewResetManager(keys, auth.ResetConfig{
		Timeout:  cfg.ResetTokenTimeout,
		Recorder: authRecorder,
	})

	authService := auth.NewService(
		userRepo, auth.NewPasswordHasher(cfg.BcryptCost), resets, newMailSender(cfg),
		auth.ServiceConfig{
			BaseURL:           cfg.BaseURL,
			ResetTokenTimeout: cfg.ResetTokenTimeout,
			Recorder:          authRecorder,
		},
	)
	userService := user.NewService(userRepo, authService, security.NewContentSanitizer())

	return &services{
		sessions: sessions,
		auth:     authService,
		users:    userService,
	}
}

// newCleanupJob は退役した署名鍵の削除ジョブを生成する。
func newCleanupJob(cfg *config.Config, keyRepo repository.SigningKeyRepository, collector *metrics.Collector) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(keyRepo, slog.Default(), cfg.KeyTTL+cfg.KeyOverlap)
	if collector != nil {
		job.Recorder = collector
	}
	return job
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと署名鍵クリーンアップを並行して動かす。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	keyRepo := repository.NewPostgresSigningKeyRepo(db)

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 4. ドメインサービスの初期化
	svc := newServices(cfg, userRepo, keyRepo, collector)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitLogin, cfg.RateLimitPasswordReset),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:   slog.Default(),
		Sessions: svc.sessions,
		CSRF: middleware.CSRFConfig{
			CookieDomain:      cfg.CookieDomain,
			CookieSecure:      cfg.CookieSecure,
			SessionCookieName: svc.sessions.CookieName(),
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.CookieSecure,
		TrustProxy:        cfg.TrustProxy,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		HealthChecker:     db,
		AuthService:       svc.auth,
		UserService:       svc.users,
	})

	// 6. HTTPサーバーとクリーンアップの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return newCleanupJob(cfg, keyRepo, collector).RunLoop(gctx, cfg.KeyCleanupInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 退役した署名鍵の削除を KEY_CLEANUP_INTERVAL ごとに実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.KeyCleanupInterval),
		slog.Duration("retention", cfg.KeyTTL+cfg.KeyOverlap),
	)

	job := newCleanupJob(cfg, repository.NewPostgresSigningKeyRepo(db), nil)
	if err := job.RunLoop(ctx, cfg.KeyCleanupInterval); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runBootstrap は最初のスーパーユーザーを作成する。
// 同じメールアドレスのユーザーが既にいる場合は何も変更せずエラーを返す。
func runBootstrap(cfg *config.Config, email, password string) error {
	if password == "" {
		return errors.New("BOOTSTRAP_PASSWORD is not set")
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newServices(cfg, repository.NewPostgresUserRepo(db), repository.NewPostgresSigningKeyRepo(db), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	identity, err := svc.auth.BootstrapSuperuser(ctx, email, password)
	if errors.Is(err, auth.ErrAccountExists) {
		return fmt.Errorf("user %s already exists: %w", email, err)
	}
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	slog.Info("superuser created",
		slog.String("email", identity.Email),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
