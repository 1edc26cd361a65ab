// Package cleanup は日次メンテナンスジョブを提供する。
// 保持期間を超過した記事・イベントとLLMキャッシュの期限切れエントリを削除し、
// ニュースレターの購読者カウントと購読者セグメントを再計算する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newsmill/internal/repository"
)

// SegmentRecomputer は購読者セグメントの再計算インターフェース。
type SegmentRecomputer interface {
	RecomputeAll(ctx context.Context, now time.Time) error
}

// MaintenanceJob は日次実行のバッチジョブ。冪等な処理のみで構成され、
// 多重実行や削除対象なしでもエラーにならない。
type MaintenanceJob struct {
	contents    repository.ContentRepository
	events      repository.EventRepository
	cache       repository.CacheRepository
	newsletters repository.NewsletterRepository
	segments    SegmentRecomputer
	logger      *slog.Logger

	ContentRetentionDays int // 記事の保持日数（デフォルト: 30）
	EventRetentionDays   int // イベントの保持日数（デフォルト: 180）
}

// NewMaintenanceJob は新しいMaintenanceJobを生成する。
func NewMaintenanceJob(
	contents repository.ContentRepository,
	events repository.EventRepository,
	cache repository.CacheRepository,
	newsletters repository.NewsletterRepository,
	segments SegmentRecomputer,
	logger *slog.Logger,
) *MaintenanceJob {
	return &MaintenanceJob{
		contents:             contents,
		events:               events,
		cache:                cache,
		newsletters:          newsletters,
		segments:             segments,
		logger:               logger,
		ContentRetentionDays: 30,
		EventRetentionDays:   180,
	}
}

// Run はメンテナンス処理を順番に実行する。
// 個別ステップの失敗は記録して後続ステップを継続し、
// 1つでも失敗があった場合はまとめてエラーを返す。
func (j *MaintenanceJob) Run(ctx context.Context) error {
	start := time.Now()
	now := time.Now()
	var failed []string

	contentCutoff := now.AddDate(0, 0, -j.ContentRetentionDays)
	if deleted, err := j.contents.DeleteOlderThan(ctx, contentCutoff); err != nil {
		j.logger.Error("記事の削除に失敗しました", slog.String("error", err.Error()))
		failed = append(failed, "content")
	} else {
		j.logger.Info("保持期間超過の記事を削除しました",
			slog.Int64("deleted_count", deleted),
			slog.Int("retention_days", j.ContentRetentionDays),
		)
	}

	eventCutoff := now.AddDate(0, 0, -j.EventRetentionDays)
	if deleted, err := j.events.DeleteOlderThan(ctx, eventCutoff); err != nil {
		j.logger.Error("イベントの削除に失敗しました", slog.String("error", err.Error()))
		failed = append(failed, "events")
	} else {
		j.logger.Info("保持期間超過のイベントを削除しました",
			slog.Int64("deleted_count", deleted),
			slog.Int("retention_days", j.EventRetentionDays),
		)
	}

	if deleted, err := j.cache.DeleteExpired(ctx, now); err != nil {
		j.logger.Error("キャッシュの削除に失敗しました", slog.String("error", err.Error()))
		failed = append(failed, "cache")
	} else {
		j.logger.Info("期限切れキャッシュを削除しました",
			slog.Int64("deleted_count", deleted),
		)
	}

	if err := j.newsletters.RecountSubscribers(ctx); err != nil {
		j.logger.Error("購読者カウントの再計算に失敗しました", slog.String("error", err.Error()))
		failed = append(failed, "recount")
	} else {
		j.logger.Info("購読者カウントを再計算しました")
	}

	if j.segments != nil {
		if err := j.segments.RecomputeAll(ctx, now); err != nil {
			j.logger.Error("セグメントの再計算に失敗しました", slog.String("error", err.Error()))
			failed = append(failed, "segments")
		} else {
			j.logger.Info("購読者セグメントを再計算しました")
		}
	}

	duration := time.Since(start)
	if len(failed) > 0 {
		return fmt.Errorf("メンテナンスジョブの一部が失敗しました: %v", failed)
	}

	j.logger.Info("メンテナンスジョブが完了しました",
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}
