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
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/unitconv/internal/auth"
	"github.com/hitoshi/unitconv/internal/config"
	"github.com/hitoshi/unitconv/internal/database"
	"github.com/hitoshi/unitconv/internal/handler"
	"github.com/hitoshi/unitconv/internal/logger"
	"github.com/hitoshi/unitconv/internal/metrics"
	"github.com/hitoshi/unitconv/internal/middleware"
	"github.com/hitoshi/unitconv/internal/profile"
	"github.com/hitoshi/unitconv/internal/repository"
	"github.com/hitoshi/unitconv/internal/security"
	"github.com/hitoshi/unitconv/internal/user"
	"github.com/hitoshi/unitconv/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルで環境変数を補完する
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
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
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	switch cmd {
	case CommandHealthcheck:
		// 軽量サブコマンドのため、フル初期化をスキップする
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)

	case CommandAdmin:
		// 管理コマンドはDBに接続せずゲートウェイ経由で操作する
		logger.SetupDefault(w)
		if err := config.LoadDotEnv(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		adminCfg, err := config.LoadAdmin()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		return runAdmin(adminCfg, os.Stdout, args[1:])
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
		return runMigrate(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// services はAPIサーバーのドメインサービス一式。
type services struct {
	auth    *auth.Service
	profile *profile.Service
	user    *user.Service
}

// buildServices はリポジトリからドメインサービスを組み立てる。
func buildServices(
	cfg *config.Config,
	users repository.AuthUserRepository,
	sessions repository.SessionRepository,
	profiles repository.ProfileRepository,
	logs repository.ActivityLogRepository,
	collector metrics.MetricsCollector,
) *services {
	sanitizer := security.NewTextSanitizer()
	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.AccessTokenTTL)

	return &services{
		auth: auth.NewService(users, sessions, profiles, tokens, sanitizer, collector, auth.ServiceConfig{
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
			AdminEmails:     cfg.AdminEmails,
			BcryptCost:      cfg.BcryptCost,
		}),
		profile: profile.NewService(profiles, sanitizer),
		user:    user.NewService(users, profiles, logs, collector),
	}
}

// rateLimiterConfig は設定値（req/min）からレートリミッター設定を作る。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitAuth > 0 {
		rlCfg.Rate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
	}
	if cfg.RateLimitBurst > 0 {
		rlCfg.Burst = cfg.RateLimitBurst
	}
	return rlCfg
}

// newRegistry はプロセス・ランタイムのコレクターを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// connectDB は設定のプール値でDBに接続し、疎通を確認する。
func connectDB(cfg *config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := connectDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. リポジトリとドメインサービスの初期化
	svc := buildServices(cfg,
		repository.NewPostgresAuthUserRepo(db),
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresProfileRepo(db),
		repository.NewPostgresActivityLogRepo(db),
		collector,
	)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg), collector)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     svc.auth,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           collector,
		Gatherer:          reg,
		HealthChecker:     db,

		AuthService:    svc.auth,
		ProfileService: svc.profile,
		UserService:    svc.user,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := connectDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresActivityLogRepo(db),
		slog.Default(),
		metrics.NewCollector(prometheus.NewRegistry()),
	)
	job.RetentionDays = cfg.LogRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.LogRetentionDays),
	)

	// キャンセルされるまでブロックする
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしまたは"up"で未適用のマイグレーションをすべて適用し、
// "down [N]"で直近N件（デフォルト1件）を戻し、"version"で現在のバージョンを表示する。
func runMigrate(cfg *config.Config, args []string) error {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}

	slog.Info("running database migrations",
		slog.String("action", action),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case "up":
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[1], err)
			}
			steps = n
		}
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("current migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil

	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or version)", action)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
