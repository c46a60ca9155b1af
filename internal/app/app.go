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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/maidconnect/internal/auth"
	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/config"
	"github.com/hitoshi/maidconnect/internal/database"
	"github.com/hitoshi/maidconnect/internal/errreport"
	"github.com/hitoshi/maidconnect/internal/handler"
	"github.com/hitoshi/maidconnect/internal/identity"
	"github.com/hitoshi/maidconnect/internal/logger"
	"github.com/hitoshi/maidconnect/internal/metrics"
	"github.com/hitoshi/maidconnect/internal/middleware"
	"github.com/hitoshi/maidconnect/internal/oauthstate"
	"github.com/hitoshi/maidconnect/internal/profile"
	"github.com/hitoshi/maidconnect/internal/repository"
	"github.com/hitoshi/maidconnect/internal/security"
	"github.com/hitoshi/maidconnect/internal/worker/cleanup"
)

// Version はビルド時に -ldflags で埋め込まれるリリース識別子。Sentryのreleaseに使う。
var Version = "dev"

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envを読み込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, warning := range cfg.Warnings {
		slog.Warn("configuration warning", slog.String("detail", warning))
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
		slog.String("app_env", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 可観測性
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	reporter, err := newReporter(cfg)
	if err != nil {
		return err
	}
	defer reporter.Flush(2 * time.Second)

	// 3. リポジトリ
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 4. OAuth stateストア（Redis設定時は複数インスタンスで共有する）
	stateStore, closeStore, err := newStateStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 5. Identity Provider
	httpClient, err := security.NewProviderClient(security.ProviderClientOptions{
		BaseURL:      cfg.SupabaseURL,
		Timeout:      cfg.ProviderTimeout,
		AllowPrivate: !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("invalid identity provider configuration: %w", err)
	}
	provider := identity.NewClient(identity.ClientConfig{
		BaseURL:        cfg.SupabaseURL,
		AnonKey:        cfg.SupabaseAnonKey,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		HTTPClient:     httpClient,
	})

	// 6. ドメインサービス
	states := authstate.NewStore(
		time.Duration(cfg.SessionMaxAge)*time.Second,
		func(from, to authstate.Status) {
			collector.RecordStateTransition(string(from), string(to))
		},
	)
	defer states.Stop()

	profiles := profile.NewService(profileRepo, security.NewNameSanitizer(), cfg.ProfileRetryDelay)

	authService := auth.NewService(auth.Deps{
		Provider: provider,
		Verifier: identity.NewTokenVerifier(cfg.SupabaseJWTSecret),
		Profiles: profiles,
		Sessions: sessionRepo,
		States:   states,
		Issuer:   oauthstate.NewIssuer(stateStore, cfg.OAuthStateTTL),
		Metrics:  collector,
		Reporter: reporter,
	}, auth.ServiceConfig{
		BaseURL:          cfg.BaseURL,
		DefaultRole:      cfg.DefaultRole,
		SessionMaxAge:    cfg.SessionMaxAge,
		SignupConfirmTTL: cfg.SignupConfirmTTL,
		TokenRefreshSkew: auth.DefaultTokenRefreshSkew,
		OAuthProviders:   cfg.OAuthProviders,
	})

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	var hsts time.Duration
	if cfg.CookieSecure {
		hsts = 365 * 24 * time.Hour
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		StateResolver:      authService,
		CORSAllowedOrigins: []string{cfg.CORSAllowedOrigin},
		RateLimiter:        rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		SecurityHeaders: middleware.SecurityHeadersConfig{HSTSMaxAge: hsts},
		Reporter:        reporter,
		StatusCounter:   collector,
		Gatherer:        prometheus.DefaultGatherer,
		HealthChecker:   db,

		AuthService: authService,
		Profiles:    profiles,
		States:      states,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		AppEnv:      cfg.AppEnv,
		EnableDebug: !cfg.IsProduction(),
	})

	// 8. HTTPサーバーの起動
	// /auth/eventsはハンドラー側で書き込み期限を解除する
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップをctxがキャンセルされるまで定期実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), collector, slog.Default())

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	job.Start(ctx, cfg.SessionCleanupInterval)

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

	slog.Info("database migrations completed successfully")
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

// openDatabase はDBを開き、接続できることを確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newReporter はSENTRY_DSNが設定されていればSentryReporterを、なければNopを返す。
func newReporter(cfg *config.Config) (errreport.Reporter, error) {
	if cfg.SentryDSN == "" {
		return errreport.Nop{}, nil
	}
	reporter, err := errreport.NewSentryReporter(errreport.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return reporter, nil
}

// newStateStore はOAuth stateの保存先を生成する。
// REDIS_URL未設定時はプロセス内メモリに保存する（単一インスタンス構成向け）。
func newStateStore(ctx context.Context, cfg *config.Config) (oauthstate.Store, func(), error) {
	if cfg.RedisURL == "" {
		return oauthstate.NewMemoryStore(cfg.OAuthStateTTL), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established")
	return oauthstate.NewRedisStore(rdb), func() { rdb.Close() }, nil
}

// rateLimiterConfig はreq/min単位の設定をreq/secのトークンバケットに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	return rl
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
