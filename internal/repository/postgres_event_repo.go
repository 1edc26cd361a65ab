package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用した購読者イベントリポジトリ。
// subscriber_eventsは追記専用で、更新は行わず削除は保持期間の掃除のみ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// Append はイベントを追記する。
func (r *PostgresEventRepo) Append(ctx context.Context, ev *model.SubscriberEvent) error {
	var editionID any
	if ev.EditionID != "" {
		editionID = ev.EditionID
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriber_events (id, subscriber_id, edition_id, event_type, tracking_id, url, ip_address, user_agent, first_of_kind, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.SubscriberID, editionID, ev.Type, ev.TrackingID,
		ev.URL, ev.IPAddress, ev.UserAgent, ev.FirstOfKind, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの追記に失敗しました: %w", err)
	}
	return nil
}

func scanEvent(scan func(dest ...any) error) (*model.SubscriberEvent, error) {
	ev := &model.SubscriberEvent{}
	var editionID sql.NullString
	if err := scan(&ev.ID, &ev.SubscriberID, &editionID, &ev.Type, &ev.TrackingID,
		&ev.URL, &ev.IPAddress, &ev.UserAgent, &ev.FirstOfKind, &ev.OccurredAt); err != nil {
		return nil, err
	}
	ev.EditionID = editionID.String
	return ev, nil
}

// FindSentByTrackingID はトラッキングIDに一致するSENTイベントを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindSentByTrackingID(ctx context.Context, trackingID string) (*model.SubscriberEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, subscriber_id, edition_id, event_type, tracking_id, url, ip_address, user_agent, first_of_kind, occurred_at
		 FROM subscriber_events
		 WHERE tracking_id = $1 AND event_type = 'sent'
		 ORDER BY occurred_at ASC LIMIT 1`,
		trackingID,
	)
	ev, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("送信イベントの検索に失敗しました: %w", err)
	}
	return ev, nil
}

// AppendFirstOfKind はイベントを追記し、(subscriber, edition, type)の初回
// だったかを返す。まずfirst_of_kind=TRUEでの挿入を試み、部分ユニーク
// インデックスidx_subscriber_events_firstにより初回の座席は同時アクセス
// でも一つしか埋まらない。敗れた側は通常のイベントとして追記する。
func (r *PostgresEventRepo) AppendFirstOfKind(ctx context.Context, ev *model.SubscriberEvent) (bool, error) {
	var editionID any
	if ev.EditionID != "" {
		editionID = ev.EditionID
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriber_events (id, subscriber_id, edition_id, event_type, tracking_id, url, ip_address, user_agent, first_of_kind, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		 ON CONFLICT (subscriber_id, edition_id, event_type) WHERE first_of_kind DO NOTHING`,
		ev.ID, ev.SubscriberID, editionID, ev.Type, ev.TrackingID,
		ev.URL, ev.IPAddress, ev.UserAgent, ev.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("イベントの追記に失敗しました: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		ev.FirstOfKind = true
		return true, nil
	}
	ev.FirstOfKind = false
	return false, r.Append(ctx, ev)
}

// ListSentSubscriberIDs はエディションにSENTイベントを持つ購読者ID集合を返す。
func (r *PostgresEventRepo) ListSentSubscriberIDs(ctx context.Context, editionID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT subscriber_id FROM subscriber_events
		 WHERE edition_id = $1 AND event_type = 'sent'`,
		editionID,
	)
	if err != nil {
		return nil, fmt.Errorf("送信済み購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	sent := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("送信済み購読者行の読み取りに失敗しました: %w", err)
		}
		sent[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信済み購読者の走査に失敗しました: %w", err)
	}
	return sent, nil
}

// EngagementSince は指定時刻以降の購読者ごとのエンゲージメント集計を返す。
// 開封・クリックはユニーク（first_of_kind）で数える。
func (r *PostgresEventRepo) EngagementSince(ctx context.Context, since time.Time) ([]*model.EngagementSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT subscriber_id,
		        COUNT(*) FILTER (WHERE event_type = 'sent'),
		        COUNT(*) FILTER (WHERE event_type = 'open' AND first_of_kind),
		        COUNT(*) FILTER (WHERE event_type = 'click' AND first_of_kind),
		        MAX(occurred_at) FILTER (WHERE event_type = 'open'),
		        MAX(occurred_at) FILTER (WHERE event_type = 'click')
		 FROM subscriber_events
		 WHERE occurred_at >= $1
		 GROUP BY subscriber_id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("エンゲージメント集計に失敗しました: %w", err)
	}
	defer rows.Close()

	var summaries []*model.EngagementSummary
	for rows.Next() {
		s := &model.EngagementSummary{}
		var lastOpen, lastClick sql.NullTime
		if err := rows.Scan(&s.SubscriberID, &s.SentCount, &s.OpenCount, &s.ClickCount, &lastOpen, &lastClick); err != nil {
			return nil, fmt.Errorf("エンゲージメント行の読み取りに失敗しました: %w", err)
		}
		if lastOpen.Valid {
			s.LastOpenAt = &lastOpen.Time
		}
		if lastClick.Valid {
			s.LastClickAt = &lastClick.Time
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エンゲージメント集計の走査に失敗しました: %w", err)
	}
	return summaries, nil
}

// DeleteOlderThan は指定時刻より古いイベントを削除し、削除件数を返す。
func (r *PostgresEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriber_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("古いイベントの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
