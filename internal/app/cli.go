package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/config"
	"github.com/hitoshi/newsmill/internal/content"
	"github.com/hitoshi/newsmill/internal/cron"
	"github.com/hitoshi/newsmill/internal/database"
	"github.com/hitoshi/newsmill/internal/delivery"
	"github.com/hitoshi/newsmill/internal/email"
	"github.com/hitoshi/newsmill/internal/generator"
	"github.com/hitoshi/newsmill/internal/llm"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/security"
	"github.com/hitoshi/newsmill/internal/segment"
	"github.com/hitoshi/newsmill/internal/subscription"
	"github.com/hitoshi/newsmill/internal/template"
	"github.com/hitoshi/newsmill/internal/token"
	"github.com/hitoshi/newsmill/internal/tracking"
	"github.com/hitoshi/newsmill/internal/worker/cleanup"
)

// container はDB接続と全ドメインサービスを保持する。
// サーバー・ワーカー・ワンショットCLIコマンドで共通のワイヤリングを使う。
type container struct {
	db *sql.DB

	users       repository.UserRepository
	newsletters repository.NewsletterRepository
	subscribers repository.SubscriberRepository
	sources     repository.SourceRepository
	contents    repository.ContentRepository
	editions    repository.EditionRepository
	events      repository.EventRepository
	cache       repository.CacheRepository
	abtests     repository.ABTestRepository

	guard        security.URLGuard
	tokens       *token.Manager
	sender       *email.SMTPSender
	llm          llm.Client
	aggregator   *content.Aggregator
	generator    *generator.Generator
	personalizer *generator.Personalizer
	delivery     *delivery.Manager
	tracker      *tracking.Tracker
	subscription *subscription.Service
	maintenance  *cleanup.MaintenanceJob
}

// newContainer はDB接続を開き、全依存関係をワイヤリングする。
func newContainer(cfg *config.Config) (*container, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. リポジトリの初期化
	c := &container{
		db:          db,
		users:       repository.NewPostgresUserRepo(db),
		newsletters: repository.NewPostgresNewsletterRepo(db),
		subscribers: repository.NewPostgresSubscriberRepo(db),
		sources:     repository.NewPostgresSourceRepo(db),
		contents:    repository.NewPostgresContentRepo(db),
		editions:    repository.NewPostgresEditionRepo(db),
		events:      repository.NewPostgresEventRepo(db),
		cache:       repository.NewPostgresCacheRepo(db),
		abtests:     repository.NewPostgresABTestRepo(db),
	}

	// 3. セキュリティ・トークン・テンプレート
	c.guard = security.NewURLGuard()
	sanitizer := security.NewContentSanitizer()
	c.tokens = token.NewManager(cfg.JWTSecret)

	engine, err := template.NewEngine()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	// 4. 外部サービスクライアント
	c.sender = email.NewSMTPSender(email.RelayConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		Timeout:  cfg.SMTPTimeout,
	}, slog.Default())
	c.llm = llm.NewOllamaClient(llm.OllamaConfig{
		Host:       cfg.OllamaHost,
		Model:      cfg.OllamaModel,
		Timeout:    cfg.OllamaTimeout,
		MaxRetries: cfg.OllamaMaxRetries,
		CacheTTL:   cfg.CacheTTL,
	}, c.cache)

	// 5. ドメインサービスの初期化
	fetcher := content.NewFetcher(
		c.sources, c.contents, c.guard, sanitizer,
		slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize,
	)
	c.aggregator = content.NewAggregator(c.sources, fetcher, slog.Default(), cfg.FetchMaxConcurrent)

	c.generator = generator.NewGenerator(c.newsletters, c.contents, c.editions, c.llm, slog.Default())
	c.personalizer = generator.NewPersonalizer(engine, c.tokens, cfg.UnsubscribeBaseURL)

	c.tracker = tracking.NewTracker(c.events, c.editions, c.subscribers, slog.Default())

	c.delivery = delivery.NewManager(
		c.editions, c.newsletters, c.subscribers, c.events,
		c.sender, c.personalizer,
		delivery.Config{
			FromAddress:     cfg.SMTPFrom,
			BatchSize:       cfg.DeliveryBatchSize,
			TrackingBaseURL: cfg.TrackingBaseURL,
		},
		slog.Default(),
	)

	c.subscription = subscription.NewService(
		c.subscribers, c.newsletters, c.tokens, c.sender, c.tracker,
		subscription.Config{FromAddress: cfg.SMTPFrom, BaseURL: cfg.BaseURL},
		slog.Default(),
	)

	classifier := segment.NewClassifier(c.subscribers, c.events, slog.Default())
	c.maintenance = cleanup.NewMaintenanceJob(
		c.contents, c.events, c.cache, c.newsletters, classifier, slog.Default(),
	)
	c.maintenance.ContentRetentionDays = cfg.ContentRetentionDays
	c.maintenance.EventRetentionDays = cfg.EventRetentionDays

	return c, nil
}

// Close はDB接続を閉じる。
func (c *container) Close() {
	c.db.Close()
}

// relayCandidates はSMTP_RELAYSに列挙されたhost:portを自己修復時の
// 切り替え候補リストに変換する。解釈できないエントリはスキップする。
func relayCandidates(cfg *config.Config) []email.RelayConfig {
	var relays []email.RelayConfig
	for _, addr := range cfg.SMTPRelays {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			slog.Warn("skipping unparsable smtp relay", slog.String("relay", addr))
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			slog.Warn("skipping unparsable smtp relay", slog.String("relay", addr))
			continue
		}
		relays = append(relays, email.RelayConfig{
			Host:     host,
			Port:     port,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			Timeout:  cfg.SMTPTimeout,
		})
	}
	return relays
}

// runInit はデータベースを初期化する。
// マイグレーションを適用し、埋め込みテンプレートの整合性を確認する。
func runInit(cfg *config.Config, w io.Writer) error {
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if _, err := template.NewEngine(); err != nil {
		return fmt.Errorf("template validation failed: %w", err)
	}
	fmt.Fprintln(w, "database initialized")
	return nil
}

// runFetchContent はコンテンツ収集を1サイクルだけ実行する。cronからの呼び出し用。
func runFetchContent(cfg *config.Config, w io.Writer) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.aggregator.FetchAll(context.Background())
	if err != nil {
		return fmt.Errorf("content fetch failed: %w", err)
	}

	fmt.Fprintf(w, "fetched content: parsed=%d inserted=%d skipped=%d\n",
		stats.Parsed, stats.Inserted, stats.Skipped)
	return nil
}

// runProcessScheduled は送信予定時刻が到来したエディションを配信する。cronからの呼び出し用。
func runProcessScheduled(cfg *config.Config, w io.Writer) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.delivery.ProcessScheduledSends(context.Background()); err != nil {
		return fmt.Errorf("scheduled send processing failed: %w", err)
	}

	fmt.Fprintln(w, "scheduled sends processed")
	return nil
}

// runDailyMaintenance は日次メンテナンスを1回実行する。cronからの呼び出し用。
func runDailyMaintenance(cfg *config.Config, w io.Writer) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.maintenance.Run(context.Background()); err != nil {
		return fmt.Errorf("daily maintenance failed: %w", err)
	}

	fmt.Fprintln(w, "daily maintenance completed")
	return nil
}

// runGenerateReport は分析レポートをテキストで出力する。
// 引数でニュースレターIDを指定した場合はそのニュースレターのみ対象にする。
func runGenerateReport(cfg *config.Config, w io.Writer, args []string) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	var newsletters []*model.Newsletter
	if len(args) > 0 {
		n, err := c.newsletters.FindByID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load newsletter: %w", err)
		}
		if n == nil {
			return fmt.Errorf("newsletter %s not found", args[0])
		}
		newsletters = []*model.Newsletter{n}
	} else {
		newsletters, err = c.newsletters.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("failed to list newsletters: %w", err)
		}
	}

	fmt.Fprintf(w, "Analytics Report (%s)\n", time.Now().Format("2006-01-02 15:04"))
	for _, n := range newsletters {
		statsRows, err := c.editions.ListStatsByNewsletter(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("failed to load stats for %s: %w", n.ID, err)
		}

		var totalSent, rated int
		var openSum, clickSum float64
		for _, s := range statsRows {
			totalSent += s.SentCount
			if s.SentCount > 0 {
				openSum += s.OpenRate()
				clickSum += s.ClickRate()
				rated++
			}
		}
		avgOpen, avgClick := 0.0, 0.0
		if rated > 0 {
			avgOpen = openSum / float64(rated)
			avgClick = clickSum / float64(rated)
		}

		fmt.Fprintf(w, "\n%s (%s)\n", n.Name, n.ID)
		fmt.Fprintf(w, "  subscribers:    %d\n", n.SubscriberCount)
		fmt.Fprintf(w, "  editions:       %d\n", len(statsRows))
		fmt.Fprintf(w, "  emails sent:    %d\n", totalSent)
		fmt.Fprintf(w, "  avg open rate:  %.1f%%\n", avgOpen)
		fmt.Fprintf(w, "  avg click rate: %.1f%%\n", avgClick)
	}
	return nil
}

// runSetupCron は自バイナリのcronジョブをcrontabにインストールする。
func runSetupCron(w io.Writer) error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve binary path: %w", err)
	}

	manager := cron.NewManager(bin, slog.Default())
	if err := manager.Install(context.Background()); err != nil {
		return fmt.Errorf("cron installation failed: %w", err)
	}

	fmt.Fprintln(w, "cron jobs installed:")
	fmt.Fprint(w, manager.CronBlock())
	return nil
}

// runRemoveCron はcrontabから自ジョブのブロックを削除する。
func runRemoveCron(w io.Writer) error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve binary path: %w", err)
	}

	manager := cron.NewManager(bin, slog.Default())
	if err := manager.Remove(context.Background()); err != nil {
		return fmt.Errorf("cron removal failed: %w", err)
	}

	fmt.Fprintln(w, "cron jobs removed")
	return nil
}

// runAddSubscriber は購読者を追加し、確認メールを送信する。
func runAddSubscriber(cfg *config.Config, w io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: newsmill add-subscriber <newsletter-id> <email> [name]")
	}
	newsletterID, emailAddr := args[0], args[1]
	name := ""
	if len(args) > 2 {
		name = args[2]
	}

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.subscription.Subscribe(context.Background(), newsletterID, emailAddr, name)
	if err != nil {
		return fmt.Errorf("failed to add subscriber: %w", err)
	}

	fmt.Fprintf(w, "subscriber %s added (id=%s, status=%s)\n", sub.Email, sub.ID, sub.Status)
	return nil
}

// runCreateNewsletter はニュースレターをデフォルト設定で作成する。
func runCreateNewsletter(cfg *config.Config, w io.Writer, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: newsmill create-newsletter <owner-email> <name> <niche>")
	}
	ownerEmail, name, niche := args[0], args[1], args[2]

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	owner, err := c.users.FindByEmail(ctx, ownerEmail)
	if err != nil {
		return fmt.Errorf("failed to look up owner: %w", err)
	}
	if owner == nil {
		return fmt.Errorf("user %s not found", ownerEmail)
	}

	now := time.Now()
	newsletter := &model.Newsletter{
		ID:        uuid.New().String(),
		UserID:    owner.ID,
		Name:      name,
		Niche:     niche,
		Status:    model.NewsletterStatusActive,
		Settings:  model.DefaultNewsletterSettings(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.newsletters.Create(ctx, newsletter); err != nil {
		return fmt.Errorf("failed to create newsletter: %w", err)
	}

	fmt.Fprintf(w, "newsletter %q created (id=%s)\n", newsletter.Name, newsletter.ID)
	return nil
}

// runGenerateTestNewsletter はエディションを生成して下書きとして保存する。
func runGenerateTestNewsletter(cfg *config.Config, w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: newsmill generate-test-newsletter <newsletter-id>")
	}

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	edition, err := c.generator.GenerateEdition(context.Background(), args[0], nil)
	if err != nil {
		return fmt.Errorf("edition generation failed: %w", err)
	}

	itemCount := 0
	for _, section := range edition.Content.Sections {
		itemCount += len(section.Items)
	}
	fmt.Fprintf(w, "edition generated (id=%s)\n", edition.ID)
	fmt.Fprintf(w, "  subject:  %s\n", edition.Subject)
	fmt.Fprintf(w, "  sections: %d\n", len(edition.Content.Sections))
	fmt.Fprintf(w, "  articles: %d\n", itemCount)
	return nil
}

// runPreviewNewsletter はエディションのHTML本文を出力する。
// ブラウザ確認用にサンプル購読者でパーソナライズする。
func runPreviewNewsletter(cfg *config.Config, w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: newsmill preview-newsletter <edition-id>")
	}

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	edition, err := c.editions.FindByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load edition: %w", err)
	}
	if edition == nil {
		return fmt.Errorf("edition %s not found", args[0])
	}

	newsletter, err := c.newsletters.FindByID(ctx, edition.NewsletterID)
	if err != nil {
		return fmt.Errorf("failed to load newsletter: %w", err)
	}
	if newsletter == nil {
		return fmt.Errorf("newsletter %s not found", edition.NewsletterID)
	}

	preview := &model.Subscriber{
		ID:    "preview",
		Email: "preview@example.com",
		Name:  "Preview Reader",
	}
	html, _, err := c.personalizer.Render(newsletter, edition, preview, time.Now())
	if err != nil {
		return fmt.Errorf("preview rendering failed: %w", err)
	}

	fmt.Fprintln(w, html)
	return nil
}

// runSendTestEmail はエディションをテストモードで指定アドレスに送信する。
// 状態遷移や統計更新は行われない。
func runSendTestEmail(cfg *config.Config, w io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: newsmill send-test-email <edition-id> <email> [email...]")
	}
	editionID, recipients := args[0], args[1:]

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.delivery.SendEdition(context.Background(), editionID, true, recipients)
	if err != nil {
		return fmt.Errorf("test send failed: %w", err)
	}

	fmt.Fprintf(w, "test send completed: sent=%d failed=%d\n", result.Sent, len(result.Failed))
	for _, f := range result.Failed {
		fmt.Fprintf(w, "  %s: %s\n", f.Email, f.Reason)
	}
	return nil
}
