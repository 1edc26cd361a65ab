// Package segment は購読者のエンゲージメントに基づくセグメント分類を行う。
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

const (
	// engagementWindow はセグメント判定に使用する直近の集計期間。
	engagementWindow = 30 * 24 * time.Hour
	// inactiveWindow はこの期間開封がなければinactiveとみなす。
	inactiveWindow = 90 * 24 * time.Hour
	// newWindow は登録からこの期間内の購読者をnewとみなす。
	newWindow = 7 * 24 * time.Hour

	highlyEngagedOpenRate = 0.5
	highlyEngagedMinOpens = 5
	regularOpenRate       = 0.2
)

// Classifier は購読者のセグメント再計算を行う。
type Classifier struct {
	subscribers repository.SubscriberRepository
	events      repository.EventRepository
	logger      *slog.Logger
}

// NewClassifier はClassifierの新しいインスタンスを生成する。
func NewClassifier(subscribers repository.SubscriberRepository, events repository.EventRepository, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{subscribers: subscribers, events: events, logger: logger}
}

// RecomputeAll は全購読者のセグメントを再計算して保存する。
func (c *Classifier) RecomputeAll(ctx context.Context, now time.Time) error {
	subscribers, err := c.subscribers.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}

	recent, err := c.events.EngagementSince(ctx, now.Add(-engagementWindow))
	if err != nil {
		return fmt.Errorf("直近エンゲージメントの取得に失敗しました: %w", err)
	}
	longTerm, err := c.events.EngagementSince(ctx, now.Add(-inactiveWindow))
	if err != nil {
		return fmt.Errorf("長期エンゲージメントの取得に失敗しました: %w", err)
	}

	recentBySubscriber := indexBySubscriber(recent)
	longTermBySubscriber := indexBySubscriber(longTerm)

	updated := 0
	for _, sub := range subscribers {
		segments := Classify(sub, recentBySubscriber[sub.ID], longTermBySubscriber[sub.ID], now)
		if sliceEqual(segments, sub.Segments) {
			continue
		}
		if err := c.subscribers.UpdateSegments(ctx, sub.ID, segments); err != nil {
			c.logger.Error("セグメントの更新に失敗しました",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		updated++
	}

	c.logger.Info("セグメントを再計算しました",
		slog.Int("total", len(subscribers)),
		slog.Int("updated", updated),
	)
	return nil
}

// Classify は購読者1人のセグメントを判定する。
// recentは直近30日、longTermは直近90日のエンゲージメント集計（存在しない場合はnil）。
func Classify(sub *model.Subscriber, recent, longTerm *model.EngagementSummary, now time.Time) []string {
	var segments []string

	if now.Sub(sub.CreatedAt) < newWindow {
		segments = append(segments, model.SegmentNew)
	}

	recentOpens := 0
	recentRate := 0.0
	if recent != nil {
		recentOpens = recent.OpenCount
		recentRate = recent.OpenRate()
	}

	switch {
	case recentRate >= highlyEngagedOpenRate && recentOpens >= highlyEngagedMinOpens:
		segments = append(segments, model.SegmentHighlyEngaged)
	case recentRate >= regularOpenRate:
		segments = append(segments, model.SegmentRegular)
	case recentOpens == 0:
		// 直近30日に開封がない。過去90日に開封があればat_risk、
		// どちらにもなければinactive。
		if longTerm != nil && longTerm.OpenCount > 0 {
			segments = append(segments, model.SegmentAtRisk)
		} else if now.Sub(sub.CreatedAt) >= newWindow {
			segments = append(segments, model.SegmentInactive)
		}
	}

	return segments
}

func indexBySubscriber(summaries []*model.EngagementSummary) map[string]*model.EngagementSummary {
	indexed := make(map[string]*model.EngagementSummary, len(summaries))
	for _, s := range summaries {
		indexed[s.SubscriberID] = s
	}
	return indexed
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
