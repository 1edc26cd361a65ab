// Package tracking は開封・クリック・バウンス等の購読者イベントを記録する。
// 生イベントは常に追記し、統計カウンタは(購読者, エディション)単位の
// 初回イベントのみ加算する。
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// Tracker はトラッキングイベントの記録を行う。
type Tracker struct {
	events      repository.EventRepository
	editions    repository.EditionRepository
	subscribers repository.SubscriberRepository
	logger      *slog.Logger
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker(
	events repository.EventRepository,
	editions repository.EditionRepository,
	subscribers repository.SubscriberRepository,
	logger *slog.Logger,
) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		events:      events,
		editions:    editions,
		subscribers: subscribers,
		logger:      logger,
	}
}

// RecordOpen は開封イベントを記録する。
// トラッキングIDが未知の場合は何もせず成功を返す（ピクセルは常に返すため）。
// 生イベントは毎回記録し、opened_countは初回開封のみ加算する。
func (t *Tracker) RecordOpen(ctx context.Context, trackingID, ipAddress, userAgent string) error {
	return t.record(ctx, trackingID, model.EventTypeOpen, "", ipAddress, userAgent, "opened_count")
}

// RecordClick はクリックイベントを記録する。
// 未知のトラッキングIDは何もせず成功を返す（リダイレクトは常に行うため）。
func (t *Tracker) RecordClick(ctx context.Context, trackingID, url, ipAddress, userAgent string) error {
	return t.record(ctx, trackingID, model.EventTypeClick, url, ipAddress, userAgent, "clicked_count")
}

func (t *Tracker) record(ctx context.Context, trackingID string, eventType model.EventType, url, ipAddress, userAgent, statColumn string) error {
	sent, err := t.events.FindSentByTrackingID(ctx, trackingID)
	if err != nil {
		return fmt.Errorf("送信イベントの検索に失敗しました: %w", err)
	}
	if sent == nil {
		// 古いメールや不正なIDからのアクセス。記録せず成功扱い。
		return nil
	}

	event := &model.SubscriberEvent{
		ID:           uuid.NewString(),
		SubscriberID: sent.SubscriberID,
		EditionID:    sent.EditionID,
		Type:         eventType,
		TrackingID:   trackingID,
		URL:          url,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		OccurredAt:   time.Now().UTC(),
	}
	// 初回判定は追記と不可分。同一購読者からの同時アクセスでも
	// 統計カウンタを二重加算しない。
	first, err := t.events.AppendFirstOfKind(ctx, event)
	if err != nil {
		return fmt.Errorf("イベントの記録に失敗しました: %w", err)
	}

	if first {
		if err := t.editions.IncrementStat(ctx, sent.EditionID, statColumn); err != nil {
			return fmt.Errorf("統計の加算に失敗しました: %w", err)
		}
	}

	t.logger.Debug("トラッキングイベントを記録しました",
		slog.String("type", string(eventType)),
		slog.String("edition_id", sent.EditionID),
		slog.String("subscriber_id", sent.SubscriberID),
		slog.Bool("first_of_kind", first),
	)
	return nil
}

// RecordBounce はバウンスを記録し、購読者を配信停止状態にする。
func (t *Tracker) RecordBounce(ctx context.Context, subscriberID, editionID string) error {
	return t.recordSuppression(ctx, subscriberID, editionID,
		model.EventTypeBounce, model.SubscriberStatusBounced, "bounced_count")
}

// RecordComplaint は迷惑メール報告を記録し、購読者を配信停止状態にする。
func (t *Tracker) RecordComplaint(ctx context.Context, subscriberID, editionID string) error {
	return t.recordSuppression(ctx, subscriberID, editionID,
		model.EventTypeComplaint, model.SubscriberStatusComplained, "complained_count")
}

// RecordUnsubscribe は購読解除イベントを記録し、統計を加算する。
// editionIDは不明な場合は空でよい（その場合は統計を加算しない）。
func (t *Tracker) RecordUnsubscribe(ctx context.Context, subscriberID, editionID string) error {
	event := &model.SubscriberEvent{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		EditionID:    editionID,
		Type:         model.EventTypeUnsubscribe,
		OccurredAt:   time.Now().UTC(),
	}
	first, err := t.events.AppendFirstOfKind(ctx, event)
	if err != nil {
		return fmt.Errorf("イベントの記録に失敗しました: %w", err)
	}
	if first && editionID != "" {
		if err := t.editions.IncrementStat(ctx, editionID, "unsubscribed_count"); err != nil {
			return fmt.Errorf("統計の加算に失敗しました: %w", err)
		}
	}
	return nil
}

func (t *Tracker) recordSuppression(ctx context.Context, subscriberID, editionID string, eventType model.EventType, status model.SubscriberStatus, statColumn string) error {
	event := &model.SubscriberEvent{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		EditionID:    editionID,
		Type:         eventType,
		OccurredAt:   time.Now().UTC(),
	}
	first, err := t.events.AppendFirstOfKind(ctx, event)
	if err != nil {
		return fmt.Errorf("イベントの記録に失敗しました: %w", err)
	}
	if err := t.subscribers.UpdateStatus(ctx, subscriberID, status); err != nil {
		return fmt.Errorf("購読者状態の更新に失敗しました: %w", err)
	}
	if first && editionID != "" {
		if err := t.editions.IncrementStat(ctx, editionID, statColumn); err != nil {
			return fmt.Errorf("統計の加算に失敗しました: %w", err)
		}
	}

	t.logger.Info("配信停止イベントを記録しました",
		slog.String("type", string(eventType)),
		slog.String("subscriber_id", subscriberID),
	)
	return nil
}
