package content

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// SourceFetcher は個別ソースのフェッチ処理のインターフェース。
// テスト時にモックに差し替え可能。
type SourceFetcher interface {
	Fetch(ctx context.Context, source *model.ContentSource, nicheKeywords []string) (FetchStats, error)
}

// nicheKeywords はニッチごとのデフォルトキーワード。
// ソース自身のキーワードと合わせて関連度スコアに使用する。
var nicheKeywords = map[string][]string{
	"tech":    {"golang", "rust", "kubernetes", "api", "database", "cloud", "security"},
	"ai":      {"llm", "machine learning", "neural", "model", "training", "inference"},
	"startup": {"funding", "saas", "growth", "product", "revenue", "founder"},
}

// NicheKeywords はニッチのデフォルトキーワードを返す。未知のニッチは空。
func NicheKeywords(niche string) []string {
	return nicheKeywords[niche]
}

// Aggregator は全フェッチ可能ソースの記事収集を統括する。
// semaphoreパターンで最大並列数を制御する。
type Aggregator struct {
	sourceRepo     repository.SourceRepository
	fetcher        SourceFetcher
	logger         *slog.Logger
	maxConcurrency int
}

// NewAggregator はAggregatorの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewAggregator(
	sourceRepo repository.SourceRepository,
	fetcher SourceFetcher,
	logger *slog.Logger,
	maxConcurrency int,
) *Aggregator {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Aggregator{
		sourceRepo:     sourceRepo,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// FetchAll はフェッチ可能な全ソースを並列でフェッチし、合計の結果を返す。
// 個別ソースの失敗はログに記録して継続する。
func (a *Aggregator) FetchAll(ctx context.Context) (FetchStats, error) {
	start := time.Now()
	var total FetchStats

	sources, err := a.sourceRepo.ListFetchable(ctx, time.Now())
	if err != nil {
		return total, err
	}

	if len(sources) == 0 {
		a.logger.Info("フェッチ対象のソースはありません")
		return total, nil
	}

	a.logger.Info("コンテンツ収集サイクルを開始します",
		slog.Int("source_count", len(sources)),
		slog.Int("max_concurrency", a.maxConcurrency),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, a.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, source := range sources {
		wg.Add(1)
		sem <- struct{}{}

		go func(s *model.ContentSource) {
			defer wg.Done()
			defer func() { <-sem }()

			stats, err := a.fetcher.Fetch(ctx, s, NicheKeywords(s.Niche))
			if err != nil {
				a.logger.Error("ソースフェッチに失敗しました",
					slog.String("source_id", s.ID),
					slog.String("source_url", s.URL),
					slog.String("error", err.Error()),
				)
				return
			}

			mu.Lock()
			total.Parsed += stats.Parsed
			total.Inserted += stats.Inserted
			total.Skipped += stats.Skipped
			mu.Unlock()
		}(source)
	}

	wg.Wait()

	duration := time.Since(start)
	a.logger.Info("コンテンツ収集サイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Int("items_parsed", total.Parsed),
		slog.Int("items_inserted", total.Inserted),
		slog.Int("items_skipped", total.Skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return total, nil
}
