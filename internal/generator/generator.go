// Package generator はコンテンツプールからエディションを組み立てる。
// レシオ選定 → LLMエンリッチ → セクション構成 → 件名生成 → 永続化の
// 一連のパイプラインを提供する。
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/llm"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/ratio"
	"github.com/hitoshi/newsmill/internal/repository"
)

// defaultRatios はニュースレターに目標比率が設定されていない場合の既定値。
var defaultRatios = model.Ratios{Original: 0.65, Curated: 0.25, Syndicated: 0.10}

const (
	defaultMinItems = 5
	defaultMaxItems = 15

	// poolLimit は1エディションの候補として取得する記事数の上限。
	poolLimit = 200

	// maxTakeaways は1記事あたりのキーテイクアウェイ数の上限。
	maxTakeaways = 3
)

// Generator はエディションの生成を行う。
type Generator struct {
	newsletters repository.NewsletterRepository
	contents    repository.ContentRepository
	editions    repository.EditionRepository
	llmClient   llm.Client
	logger      *slog.Logger
}

// NewGenerator はGeneratorの新しいインスタンスを生成する。
func NewGenerator(
	newsletters repository.NewsletterRepository,
	contents repository.ContentRepository,
	editions repository.EditionRepository,
	llmClient llm.Client,
	logger *slog.Logger,
) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		newsletters: newsletters,
		contents:    contents,
		editions:    editions,
		llmClient:   llmClient,
		logger:      logger,
	}
}

// GenerateEdition はニュースレターの新しいエディションを生成し、下書きとして
// 永続化する。scheduledForが指定されている場合はscheduled状態で作成する。
func (g *Generator) GenerateEdition(ctx context.Context, newsletterID string, scheduledFor *time.Time) (*model.Edition, error) {
	newsletter, err := g.newsletters.FindByID(ctx, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("ニュースレターの取得に失敗しました: %w", err)
	}
	if newsletter == nil {
		return nil, model.NewNewsletterNotFoundError(newsletterID)
	}

	pool, err := g.collectPool(ctx, newsletter)
	if err != nil {
		return nil, err
	}

	selected, metrics, err := g.selectContent(newsletter, pool)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, model.NewNoContentError(newsletter.Niche)
	}

	g.enrichItems(ctx, selected)

	sections := buildSections(selected)
	subject := g.generateSubject(ctx, newsletter, selected)
	intro := buildIntro(len(selected))

	now := time.Now().UTC()
	status := model.EditionStatusDraft
	if scheduledFor != nil {
		status = model.EditionStatusScheduled
	}

	edition := &model.Edition{
		ID:           uuid.NewString(),
		NewsletterID: newsletter.ID,
		Subject:      subject,
		Content: model.EditionContent{
			Intro:    intro,
			Sections: sections,
		},
		Status:       status,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := g.editions.Create(ctx, edition); err != nil {
		return nil, fmt.Errorf("エディションの保存に失敗しました: %w", err)
	}

	g.logger.Info("エディションを生成しました",
		slog.String("edition_id", edition.ID),
		slog.String("newsletter_id", newsletter.ID),
		slog.String("subject", subject),
		slog.Int("item_count", len(selected)),
		slog.Float64("avg_quality", metrics.AverageQuality),
	)
	return edition, nil
}

// collectPool はニッチの直近記事を取得し、重複を除いた候補プールを返す。
func (g *Generator) collectPool(ctx context.Context, newsletter *model.Newsletter) ([]*model.ContentItem, error) {
	since := time.Now().UTC().Add(-lookbackWindow(newsletter.Settings.Frequency))
	pool, err := g.contents.ListRecentByNiche(ctx, newsletter.Niche, since, poolLimit)
	if err != nil {
		return nil, fmt.Errorf("コンテンツプールの取得に失敗しました: %w", err)
	}
	return ratio.DeduplicateContent(pool), nil
}

// lookbackWindow は配信頻度に応じた記事収集の遡り期間を返す。
func lookbackWindow(frequency string) time.Duration {
	switch frequency {
	case "daily":
		return 48 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default: // weekly
		return 7 * 24 * time.Hour
	}
}

func (g *Generator) selectContent(newsletter *model.Newsletter, pool []*model.ContentItem) ([]*model.ContentItem, ratio.Metrics, error) {
	ratios := defaultRatios
	if newsletter.Settings.TargetRatios != nil {
		ratios = *newsletter.Settings.TargetRatios
	}
	maxItems := newsletter.Settings.MaxArticles
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}

	manager, err := ratio.NewManager(ratios, defaultMinItems, maxItems, g.logger)
	if err != nil {
		return nil, ratio.Metrics{}, err
	}

	selected, metrics := manager.SelectContent(pool, maxItems, 0.5)
	return selected, metrics, nil
}

// enrichItems は要約のない記事にLLM要約とキーテイクアウェイを付与する。
// LLM側は抽出型フォールバックを持つため、ここでエラーにはならない。
// 付与結果はDBにも書き戻す（次回以降はキャッシュ扱い）。
func (g *Generator) enrichItems(ctx context.Context, items []*model.ContentItem) {
	for _, item := range items {
		changed := false

		if item.Summary == "" && item.Content != "" {
			summary, err := g.llmClient.Summarize(ctx, item.Content)
			if err != nil {
				g.logger.Warn("要約の生成に失敗しました",
					slog.String("item_id", item.ID),
					slog.String("error", err.Error()),
				)
			} else if summary != "" {
				item.Summary = summary
				changed = true
			}
		}

		if len(item.KeyTakeaways) == 0 && item.ContentType == model.ContentTypeOriginal {
			takeaways := extractTakeaways(item.Summary)
			if len(takeaways) > 0 {
				item.KeyTakeaways = takeaways
				changed = true
			}
		}

		if changed {
			if err := g.contents.UpdateEnrichment(ctx, item); err != nil {
				g.logger.Warn("エンリッチ結果の保存に失敗しました",
					slog.String("item_id", item.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// extractTakeaways は要約文からキーテイクアウェイを抽出する。
// 文単位に区切り、短すぎる断片を除いた先頭からmaxTakeaways件を返す。
func extractTakeaways(summary string) []string {
	if summary == "" {
		return nil
	}
	var takeaways []string
	for _, sentence := range strings.FieldsFunc(summary, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '。'
	}) {
		trimmed := strings.TrimSpace(sentence)
		if len(trimmed) < 20 {
			continue
		}
		takeaways = append(takeaways, trimmed)
		if len(takeaways) >= maxTakeaways {
			break
		}
	}
	return takeaways
}

// buildSections は選定済み記事をセクションに振り分ける。
// 最高スコアの1件をfeatured、残りをコンテンツ種別ごとのセクションに置く。
// syndicatedはquick_linksとしてまとめる。
func buildSections(selected []*model.ContentItem) []model.EditionSection {
	if len(selected) == 0 {
		return nil
	}

	// SelectContentはスコア降順で返すため先頭がfeatured
	featured := selected[0]
	rest := selected[1:]

	byKind := map[string][]model.EditionArticle{}
	for _, item := range rest {
		kind := sectionKindFor(item.ContentType)
		byKind[kind] = append(byKind[kind], toArticle(item))
	}

	sections := []model.EditionSection{
		{Kind: "featured", Items: []model.EditionArticle{toArticle(featured)}},
	}
	for _, kind := range []string{"original", "curated", "quick_links"} {
		if items := byKind[kind]; len(items) > 0 {
			sections = append(sections, model.EditionSection{Kind: kind, Items: items})
		}
	}
	return sections
}

func sectionKindFor(ct model.ContentType) string {
	switch ct {
	case model.ContentTypeOriginal:
		return "original"
	case model.ContentTypeCurated:
		return "curated"
	default:
		return "quick_links"
	}
}

func toArticle(item *model.ContentItem) model.EditionArticle {
	return model.EditionArticle{
		ContentItemID:   item.ID,
		Title:           item.Title,
		Summary:         item.Summary,
		URL:             item.URL,
		Source:          item.Source,
		ContentType:     string(item.ContentType),
		KeyTakeaways:    item.KeyTakeaways,
		ReadTimeMinutes: item.ReadTimeMinutes,
	}
}

// generateSubject はLLMで件名を生成する。
// 失敗時は「{ニュースレター名} — {トップ記事タイトル}」にフォールバックする。
func (g *Generator) generateSubject(ctx context.Context, newsletter *model.Newsletter, selected []*model.ContentItem) string {
	fallback := fmt.Sprintf("%s — %s", newsletter.Name, selected[0].Title)

	var titles []string
	for i, item := range selected {
		if i >= 5 {
			break
		}
		titles = append(titles, item.Title)
	}
	subject, err := g.llmClient.GenerateTitle(ctx, strings.Join(titles, "\n"))
	if err != nil || strings.TrimSpace(subject) == "" {
		if err != nil {
			g.logger.Warn("件名の生成に失敗しました", slog.String("error", err.Error()))
		}
		return fallback
	}
	return strings.TrimSpace(subject)
}

func buildIntro(count int) string {
	if count == 1 {
		return "One story stood out this time. Here it is."
	}
	return fmt.Sprintf("Here are %d hand-picked stories for you.", count)
}
