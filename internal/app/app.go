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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/bankdash/internal/accountsvc"
	"github.com/hitoshi/bankdash/internal/aggregator"
	"github.com/hitoshi/bankdash/internal/auth"
	"github.com/hitoshi/bankdash/internal/banklink"
	"github.com/hitoshi/bankdash/internal/config"
	"github.com/hitoshi/bankdash/internal/dashboard"
	"github.com/hitoshi/bankdash/internal/database"
	"github.com/hitoshi/bankdash/internal/handler"
	"github.com/hitoshi/bankdash/internal/logger"
	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/repository"
	"github.com/hitoshi/bankdash/internal/security"
	"github.com/hitoshi/bankdash/internal/telemetry"
	"github.com/hitoshi/bankdash/internal/worker/cleanup"
	"github.com/hitoshi/bankdash/internal/worker/itemcheck"
)

const (
	pingTimeout           = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	telemetryFlushTimeout = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envファイルがあれば環境変数に読み込み、JSON構造化ログをセットアップしてConfigを返す。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルの読み込み（既存の環境変数は上書きしない）
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)

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
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DBとRedisへ接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. Redis接続（連携フローの保存先）
	redisClient, err := openRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	flushTraces, err := setupTelemetry(cfg, cfg.OTelServiceName)
	if err != nil {
		return err
	}
	defer flushTraces()

	// 3. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 4. セキュリティサービスの初期化
	sealer, err := security.NewTokenSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token sealer: %w", err)
	}
	sanitizer := security.NewTextSanitizer()

	// 5. 外部サービスクライアントの初期化
	accountFactory := accountsvc.NewFactory(accountsvc.Config{
		Endpoint:  cfg.AccountServiceEndpoint,
		ProjectID: cfg.AccountServiceProjectID,
		APIKey:    cfg.AccountServiceAPIKey,
		Timeout:   cfg.ExternalTimeout,
	}, collector)
	aggregatorClient := newAggregatorClient(cfg, collector)

	// 6. リポジトリの初期化
	itemRepo := repository.NewPostgresBankItemRepo(db)
	eventRepo := repository.NewPostgresLinkEventRepo(db)
	flowStore := banklink.NewRedisFlowStore(redisClient)

	// 7. ドメインサービスの初期化
	authService := auth.NewService(auth.NewClientFactory(accountFactory), slog.Default())

	bankLinkService := banklink.NewService(
		aggregatorClient, itemRepo, eventRepo, flowStore,
		sealer, sanitizer, collector, slog.Default(),
		banklink.Config{
			ClientName:   cfg.AggregatorClientName,
			Products:     cfg.AggregatorProducts,
			CountryCodes: cfg.AggregatorCountries,
			MaxAttempts:  cfg.LinkTokenMaxAttempts,
			RetryBase:    cfg.LinkTokenRetryBase,
			FlowTTL:      cfg.LinkFlowTTL,
		},
	)

	dashboardService := dashboard.NewService(
		aggregatorClient, itemRepo, sealer, sanitizer, slog.Default(),
		dashboard.Config{
			LookbackDays: cfg.TransactionsLookbackDays,
			Concurrency:  cfg.DashboardConcurrency,
		},
	)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitAuth, cfg.RateLimitLinkToken),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: true,
			CookieDomain: cfg.CookieDomain,
		},
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
		HealthCheckers: map[string]handler.HealthChecker{
			"database": db,
			"redis":    redisPinger{client: redisClient},
		},

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieName:       cfg.SessionCookieName,
			CookieDomain:     cfg.CookieDomain,
			CookieSecure:     true,
			SignInSetsCookie: cfg.SignInSetsCookie,
		},

		BankLinkService:  bankLinkService,
		DashboardService: dashboardService,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := newServer(cfg.ServerPort, router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
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
// 連携済み銀行の状態確認スケジューラとログのクリーンアップジョブを起動し、
// /health と /metrics を提供する小さなHTTPサーバーを併走させる。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	flushTraces, err := setupTelemetry(cfg, cfg.OTelServiceName+"-worker")
	if err != nil {
		return err
	}
	defer flushTraces()

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. 依存関係の初期化
	sealer, err := security.NewTokenSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token sealer: %w", err)
	}
	itemRepo := repository.NewPostgresBankItemRepo(db)
	aggregatorClient := newAggregatorClient(cfg, collector)

	// 4. 状態確認スケジューラ
	checker := itemcheck.NewChecker(
		itemRepo, aggregatorClient, sealer, collector,
		slog.Default(), cfg.ItemCheckInterval,
	)
	scheduler := itemcheck.NewScheduler(
		itemRepo, checker, slog.Default(), cfg.ItemCheckMaxConcurrent,
	)

	// 5. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), cfg.LogRetentionDays)

	// 6. ヘルスチェックとメトリクス用HTTPサーバー
	mux := http.NewServeMux()
	mux.Handle("/health", handler.NewHealthHandler(map[string]handler.HealthChecker{
		"database": db,
	}))
	mux.Handle("/", metrics.SetupMetricsRoute(reg))
	server := newServer(cfg.ServerPort, mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("item_check_interval", cfg.ItemCheckInterval),
		slog.Int("max_concurrent", cfg.ItemCheckMaxConcurrent),
		slog.Int("log_retention_days", cfg.LogRetentionDays),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx, cfg.ItemCheckInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cleanup.Interval)
		return nil
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("worker server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// setupTelemetry はトレースプロバイダーを設定し、終了時に未送信のスパンをフラッシュする関数を返す。
func setupTelemetry(cfg *config.Config, serviceName string) (func(), error) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:  serviceName,
		Environment:  cfg.AppEnv,
		OTLPEndpoint: cfg.OTelExporterEndpoint,
		SampleRatio:  cfg.OTelTracesSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	slog.Info("tracing initialized",
		slog.String("service", serviceName),
		slog.String("otlp_endpoint", cfg.OTelExporterEndpoint),
	)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("トレースのフラッシュに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}, nil
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

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// openRedis はRedis接続を開き、疎通を確認する。
func openRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established")
	return client, nil
}

// newRegistry はプロセスとランタイムのコレクタを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newAggregatorClient(cfg *config.Config, collector metrics.MetricsCollector) *aggregator.Client {
	return aggregator.NewClient(aggregator.Config{
		BaseURL:  cfg.AggregatorBaseURL,
		ClientID: cfg.AggregatorClientID,
		Secret:   cfg.AggregatorSecret,
		Timeout:  cfg.ExternalTimeout,
	}, collector)
}

func newServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// redisPinger はRedisクライアントをヘルスチェックに適合させる。
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
