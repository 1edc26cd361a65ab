package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/newsmill/internal/abtest"
	"github.com/hitoshi/newsmill/internal/auth"
	"github.com/hitoshi/newsmill/internal/config"
	"github.com/hitoshi/newsmill/internal/database"
	"github.com/hitoshi/newsmill/internal/handler"
	"github.com/hitoshi/newsmill/internal/logger"
	"github.com/hitoshi/newsmill/internal/metrics"
	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/selfheal"
	"github.com/hitoshi/newsmill/internal/worker/fetch"
	"github.com/hitoshi/newsmill/internal/worker/sendpoll"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefaultWithLevel(w, cfg.LogLevel)

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

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandInit:
		return runInit(cfg, w)
	case CommandFetchContent:
		return runFetchContent(cfg, w)
	case CommandProcessScheduled:
		return runProcessScheduled(cfg, w)
	case CommandDailyMaintenance:
		return runDailyMaintenance(cfg, w)
	case CommandGenerateReport:
		return runGenerateReport(cfg, w, rest)
	case CommandSetupCron:
		return runSetupCron(w)
	case CommandRemoveCron:
		return runRemoveCron(w)
	case CommandAddSubscriber:
		return runAddSubscriber(cfg, w, rest)
	case CommandCreateNewsletter:
		return runCreateNewsletter(cfg, w, rest)
	case CommandGenerateTestNewsletter:
		return runGenerateTestNewsletter(cfg, w, rest)
	case CommandPreviewNewsletter:
		return runPreviewNewsletter(cfg, w, rest)
	case CommandSendTestEmail:
		return runSendTestEmail(cfg, w, rest)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 1. 認証サービスの初期化
	authService := auth.NewService(c.users, auth.ServiceConfig{
		JWTSecret:        cfg.JWTSecret,
		TokenTTL:         cfg.JWTExpiry,
		RegistrationOpen: cfg.EnableRegistration,
	})

	// 2. Prometheusメトリクスの初期化。
	// トラッキングはメトリクス記録デコレータ経由でルーターに渡す。
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. レートリミッターの初期化（configのRateLimitGeneralはreq/min単位）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 4. ルーターの構築
	deps := &handler.RouterDeps{
		TokenVerifier:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		AuthService: authService,

		SubscriptionService: c.subscription,
		UnsubscribeService:  c.subscription,

		Generator: c.generator,
		Delivery:  c.delivery,

		Tracker: &metricsTracker{tracker: c.tracker, metrics: collector},

		Newsletters: c.newsletters,
		ABTests:     c.abtests,
		Subscribers: c.subscribers,
		Sources:     c.sources,
		Editions:    c.editions,
		Events:      c.events,

		URLGuard: c.guard,

		DB:              c.db,
		MetricsHandler:  metrics.Handler(registry),
		EnableAnalytics: cfg.EnableAnalytics,
		Logger:          slog.Default(),
	}

	if cfg.EnableABTesting {
		deps.ABTestService = abtest.NewService(c.abtests, slog.Default())
	}

	router := handler.NewRouter(deps)

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

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
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
// フェッチスケジューラ・送信ポーラー・日次メンテナンス・自己修復・
// A/Bテスト評価をバックグラウンドで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 1. スケジューラとポーラーの初期化
	scheduler := fetch.NewScheduler(c.aggregator, slog.Default())
	poller := sendpoll.NewPoller(c.delivery, slog.Default())

	// 2. 自己修復オーケストレータの初期化
	checks := []selfheal.Check{
		selfheal.NewDatabaseCheck(c.db),
		selfheal.NewSMTPCheck(c.sender, relayCandidates(cfg)),
		selfheal.NewOllamaCheck(c.llm, cfg.OllamaModel),
		selfheal.NewFeedCheck(c.sources),
	}
	orchestrator := selfheal.NewOrchestrator(checks, selfheal.Config{
		CheckInterval: cfg.HealCheckInterval,
		FailureLimit:  cfg.HealFailureLimit,
		Cooldown:      cfg.HealCooldown,
	}, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Duration("send_poll_interval", cfg.SendPollInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	// 送信ポーラーと自己修復をバックグラウンドで起動
	go poller.Start(ctx, cfg.SendPollInterval)
	go orchestrator.Start(ctx)

	// メンテナンスジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := c.maintenance.Run(ctx); err != nil {
			slog.Error("maintenance job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.maintenance.Run(ctx); err != nil {
					slog.Error("maintenance job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// A/Bテスト評価を定期実行（フラグ有効時のみ）
	if cfg.EnableABTesting {
		abService := abtest.NewService(c.abtests, slog.Default())
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := abService.EvaluateRunningTests(ctx, time.Now()); err != nil {
						slog.Error("ab test evaluation failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	// フェッチスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.FetchInterval)

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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
