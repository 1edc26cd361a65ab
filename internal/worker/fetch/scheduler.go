// Package fetch はコンテンツ収集のバックグラウンド実行を提供する。
// ティッカー駆動でcontent.Aggregatorの収集サイクルを繰り返す。
package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/newsmill/internal/content"
)

// AggregatorService はコンテンツ収集サイクルの実行インターフェース。
type AggregatorService interface {
	// FetchAll はフェッチ可能な全ソースを並列でフェッチし、合計の結果を返す。
	FetchAll(ctx context.Context) (content.FetchStats, error)
}

// Scheduler はコンテンツ収集のスケジューリングを行う。
// 1時間間隔（デフォルト）のティッカーで収集サイクルを起動する。
// 並列制御はAggregator側のsemaphoreが担う。
type Scheduler struct {
	aggregator AggregatorService
	logger     *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(aggregator AggregatorService, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		aggregator: aggregator,
		logger:     logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("コンテンツ収集スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("収集サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("コンテンツ収集スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("収集サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は収集サイクルを1回実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	stats, err := s.aggregator.FetchAll(ctx)
	if err != nil {
		return err
	}

	s.logger.Info("収集サイクルが完了しました",
		slog.Int("items_parsed", stats.Parsed),
		slog.Int("items_inserted", stats.Inserted),
		slog.Int("items_skipped", stats.Skipped),
	)
	return nil
}
