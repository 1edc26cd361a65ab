package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/security"
)

const (
	// initialBackoff は連続失敗時の初回バックオフ（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff はバックオフの上限（12時間）。
	maxBackoff = 12 * time.Hour
	// autoDisableThreshold は連続失敗によるソース自動無効化の閾値。
	autoDisableThreshold = 10
)

// FetchStats は1ソースのフェッチ結果の集計。
type FetchStats struct {
	Parsed   int // パースした記事数
	Inserted int // 新規保存された記事数
	Skipped  int // 重複によりスキップされた記事数
}

// Fetcher は個別ソースのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedによる条件付きGET、SSRF検証、gofeedによるパース、
// サニタイズ・スコアリングを経てContentRepositoryに保存する。
type Fetcher struct {
	sourceRepo  repository.SourceRepository
	contentRepo repository.ContentRepository
	guard       security.URLGuard
	sanitizer   security.Sanitizer
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	sourceRepo repository.SourceRepository,
	contentRepo repository.ContentRepository,
	guard security.URLGuard,
	sanitizer security.Sanitizer,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		sourceRepo:  sourceRepo,
		contentRepo: contentRepo,
		guard:       guard,
		sanitizer:   sanitizer,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はソースをフェッチし、結果に応じてソース状態を更新する。
func (f *Fetcher) Fetch(ctx context.Context, source *model.ContentSource, nicheKeywords []string) (FetchStats, error) {
	start := time.Now()
	var stats FetchStats

	// SSRF検証
	if err := f.guard.ValidateURL(source.URL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("source_url", source.URL),
			slog.String("error", err.Error()),
		)
		f.recordFailure(ctx, source, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
		return stats, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	// HTTPリクエスト構築
	client := f.guard.SafeClient(f.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return stats, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "Newsmill/1.0 Newsletter Aggregator")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag / Last-Modified
	if source.ETag != "" {
		req.Header.Set("If-None-Match", source.ETag)
	}
	if source.LastModified != "" {
		req.Header.Set("If-Modified-Since", source.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("source_url", source.URL),
			slog.String("error", err.Error()),
		)
		f.recordFailure(ctx, source, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		return stats, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// 304: コンテンツ未変更
		f.logger.Info("ソースは未変更です（304）",
			slog.String("source_id", source.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		f.recordSuccess(ctx, source)
		return stats, nil

	case resp.StatusCode == http.StatusOK:
		// 続行

	default:
		// 4xx/5xx: 連続失敗として記録
		reason := fmt.Sprintf("HTTPステータス %d", resp.StatusCode)
		f.logger.Warn("ソースフェッチに失敗しました",
			slog.String("source_id", source.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_failures", source.ConsecutiveFailures+1),
		)
		f.recordFailure(ctx, source, reason)
		return stats, fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		f.recordFailure(ctx, source, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		return stats, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}

	// ETag/Last-Modifiedを保存
	if etag := resp.Header.Get("ETag"); etag != "" {
		source.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		source.LastModified = lastMod
	}

	// gofeedでフィードをパース
	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("source_id", source.ID),
			slog.String("source_url", source.URL),
			slog.String("error", err.Error()),
		)
		// パース失敗も連続失敗としてカウントし、自動無効化の対象にする
		f.recordFailure(ctx, source, fmt.Sprintf("パース失敗: %s", err.Error()))
		return stats, nil
	}

	now := time.Now()
	for _, feedItem := range parsedFeed.Items {
		if feedItem == nil || feedItem.Link == "" {
			continue
		}
		item := f.convertItem(feedItem, source, nicheKeywords, now)
		stats.Parsed++

		inserted, err := f.contentRepo.Create(ctx, item)
		if err != nil {
			f.logger.Error("記事の保存に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("url", item.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Skipped++
		}
	}

	f.recordSuccess(ctx, source)

	f.logger.Info("ソースフェッチが完了しました",
		slog.String("source_id", source.ID),
		slog.String("source_url", source.URL),
		slog.Int("items_parsed", stats.Parsed),
		slog.Int("items_inserted", stats.Inserted),
		slog.Int("items_skipped", stats.Skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return stats, nil
}

// convertItem はgofeedの記事をContentItemに変換する。
// 本文はサニタイズし、スコアと付随メタデータを計算する。
func (f *Fetcher) convertItem(feedItem *gofeed.Item, source *model.ContentSource, nicheKeywords []string, now time.Time) *model.ContentItem {
	rawContent := feedItem.Content
	if rawContent == "" {
		rawContent = feedItem.Description
	}
	sanitized := f.sanitizer.Sanitize(rawContent)

	publishedAt := now
	if feedItem.PublishedParsed != nil {
		publishedAt = *feedItem.PublishedParsed
	} else if feedItem.UpdatedParsed != nil {
		publishedAt = *feedItem.UpdatedParsed
	}

	item := &model.ContentItem{
		ID:          uuid.New().String(),
		SourceID:    source.ID,
		Niche:       source.Niche,
		Title:       feedItem.Title,
		Content:     sanitized,
		Summary:     f.sanitizer.Sanitize(feedItem.Description),
		URL:         feedItem.Link,
		URLHash:     model.URLHashOf(feedItem.Link),
		Source:      source.Name,
		PublishedAt: publishedAt,
		FetchedAt:   now,
		HasCode:     DetectCode(rawContent),
		HasVisuals:  DetectVisuals(rawContent),
	}
	item.ReadTimeMinutes = EstimateReadTime(sanitized)
	item.Score = ScoreItem(item, source, nicheKeywords, now)
	item.ContentType = InferContentType(item, source)

	// フィードのカテゴリをタグとして引き継ぐ
	for _, cat := range feedItem.Categories {
		if cat != "" {
			item.Tags = append(item.Tags, cat)
		}
	}
	return item
}

// recordFailure は連続失敗回数を加算し、閾値到達時はソースを自動無効化する。
func (f *Fetcher) recordFailure(ctx context.Context, source *model.ContentSource, reason string) {
	source.ConsecutiveFailures++

	if source.ConsecutiveFailures >= autoDisableThreshold {
		until := time.Now().Add(CalculateBackoff(source.ConsecutiveFailures))
		if err := f.sourceRepo.Disable(ctx, source.ID, until,
			fmt.Sprintf("連続失敗が%d回に達しました: %s", source.ConsecutiveFailures, reason)); err != nil {
			f.logger.Error("ソースの自動無効化に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := f.sourceRepo.UpdateFetchState(ctx, source); err != nil {
		f.logger.Error("ソース状態の更新に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}
}

// recordSuccess は連続失敗回数をリセットし、フェッチ時刻を記録する。
func (f *Fetcher) recordSuccess(ctx context.Context, source *model.ContentSource) {
	source.ConsecutiveFailures = 0
	now := time.Now()
	source.LastFetchedAt = &now

	if err := f.sourceRepo.UpdateFetchState(ctx, source); err != nil {
		f.logger.Error("ソース状態の更新に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}
}

// CalculateBackoff は連続失敗回数に基づく指数バックオフ時間を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveFailures int) time.Duration {
	delay := initialBackoff
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
