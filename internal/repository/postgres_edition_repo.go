package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresEditionRepo はPostgreSQLを使用したエディションリポジトリ。
// エディション本体と1:1のedition_statsの両方を扱う。
type PostgresEditionRepo struct {
	db *sql.DB
}

// NewPostgresEditionRepo はPostgresEditionRepoを生成する。
func NewPostgresEditionRepo(db *sql.DB) *PostgresEditionRepo {
	return &PostgresEditionRepo{db: db}
}

const editionColumns = `id, newsletter_id, subject, content, status, test_mode, scheduled_for, sent_at, created_at, updated_at`

func scanEdition(scan func(dest ...any) error) (*model.Edition, error) {
	e := &model.Edition{}
	var contentJSON []byte
	if err := scan(&e.ID, &e.NewsletterID, &e.Subject, &contentJSON, &e.Status, &e.TestMode,
		&e.ScheduledFor, &e.SentAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(contentJSON) > 0 {
		if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("エディション本文の復元に失敗しました: %w", err)
		}
	}
	return e, nil
}

// FindByID は指定IDのエディションを取得する。見つからない場合はnilを返す。
func (r *PostgresEditionRepo) FindByID(ctx context.Context, id string) (*model.Edition, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+editionColumns+` FROM editions WHERE id = $1`, id)
	e, err := scanEdition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("エディションの取得に失敗しました: %w", err)
	}
	return e, nil
}

// ListByNewsletter はニュースレターのエディション一覧を作成日時降順で返す。
func (r *PostgresEditionRepo) ListByNewsletter(ctx context.Context, newsletterID string, limit int) ([]*model.Edition, error) {
	return r.query(ctx,
		`SELECT `+editionColumns+` FROM editions
		 WHERE newsletter_id = $1 ORDER BY created_at DESC LIMIT $2`,
		newsletterID, limit,
	)
}

// ListScheduledDue は送信予定時刻が到来したscheduled状態の非テストエディション一覧を返す。
func (r *PostgresEditionRepo) ListScheduledDue(ctx context.Context, now time.Time) ([]*model.Edition, error) {
	return r.query(ctx,
		`SELECT `+editionColumns+` FROM editions
		 WHERE status = 'scheduled' AND test_mode = FALSE AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		 ORDER BY scheduled_for ASC`,
		now,
	)
}

func (r *PostgresEditionRepo) query(ctx context.Context, query string, args ...any) ([]*model.Edition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("エディション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var editions []*model.Edition
	for rows.Next() {
		e, err := scanEdition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("エディション行の読み取りに失敗しました: %w", err)
		}
		editions = append(editions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エディション一覧の走査に失敗しました: %w", err)
	}
	return editions, nil
}

// Create はエディションを作成する。
func (r *PostgresEditionRepo) Create(ctx context.Context, e *model.Edition) error {
	contentJSON, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("エディション本文のシリアライズに失敗しました: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO editions (id, newsletter_id, subject, content, status, test_mode, scheduled_for, sent_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.NewsletterID, e.Subject, contentJSON, e.Status, e.TestMode,
		e.ScheduledFor, e.SentAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("エディションの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はエディションの件名・本文・予定時刻を更新する。
func (r *PostgresEditionRepo) Update(ctx context.Context, e *model.Edition) error {
	contentJSON, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("エディション本文のシリアライズに失敗しました: %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE editions SET subject = $2, content = $3, scheduled_for = $4, status = $5, updated_at = NOW()
		 WHERE id = $1`,
		e.ID, e.Subject, contentJSON, e.ScheduledFor, e.Status,
	)
	if err != nil {
		return fmt.Errorf("エディションの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("エディションが見つかりません: %s", e.ID)
	}
	return nil
}

// UpdateStatus はエディションの状態を更新する。
func (r *PostgresEditionRepo) UpdateStatus(ctx context.Context, id string, status model.EditionStatus, sentAt *time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE editions SET status = $2, sent_at = COALESCE($3, sent_at), updated_at = NOW()
		 WHERE id = $1`,
		id, status, sentAt,
	)
	if err != nil {
		return fmt.Errorf("エディション状態の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("エディションが見つかりません: %s", id)
	}
	return nil
}

// GetStats はエディションの統計を取得する。見つからない場合はnilを返す。
func (r *PostgresEditionRepo) GetStats(ctx context.Context, editionID string) (*model.EditionStats, error) {
	stats := &model.EditionStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT edition_id, sent_count, delivered_count, opened_count, clicked_count, bounced_count, complained_count, unsubscribed_count, updated_at
		 FROM edition_stats WHERE edition_id = $1`,
		editionID,
	).Scan(&stats.EditionID, &stats.SentCount, &stats.DeliveredCount, &stats.OpenedCount,
		&stats.ClickedCount, &stats.BouncedCount, &stats.ComplainedCount, &stats.UnsubscribedCount, &stats.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("エディション統計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

// UpsertStats は統計行を作成または上書きする。
func (r *PostgresEditionRepo) UpsertStats(ctx context.Context, stats *model.EditionStats) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO edition_stats (edition_id, sent_count, delivered_count, opened_count, clicked_count, bounced_count, complained_count, unsubscribed_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (edition_id) DO UPDATE SET
		     sent_count = EXCLUDED.sent_count,
		     delivered_count = EXCLUDED.delivered_count,
		     updated_at = NOW()`,
		stats.EditionID, stats.SentCount, stats.DeliveredCount, stats.OpenedCount,
		stats.ClickedCount, stats.BouncedCount, stats.ComplainedCount, stats.UnsubscribedCount,
	)
	if err != nil {
		return fmt.Errorf("エディション統計のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// statColumns はIncrementStatで加算可能なカラムの許可リスト。
// カラム名はプレースホルダにできないため明示的に検証する。
var statColumns = map[string]bool{
	"opened_count":       true,
	"clicked_count":      true,
	"bounced_count":      true,
	"complained_count":   true,
	"unsubscribed_count": true,
}

// IncrementStat は統計の指定カウンタをアトミックに加算する。
func (r *PostgresEditionRepo) IncrementStat(ctx context.Context, editionID string, column string) error {
	if !statColumns[column] {
		return fmt.Errorf("不正な統計カラムです: %s", column)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO edition_stats (edition_id, `+column+`, updated_at)
		 VALUES ($1, 1, NOW())
		 ON CONFLICT (edition_id) DO UPDATE SET
		     `+column+` = edition_stats.`+column+` + 1,
		     updated_at = NOW()`,
		editionID,
	)
	if err != nil {
		return fmt.Errorf("エディション統計の加算に失敗しました: %w", err)
	}
	return nil
}

// ListStatsByNewsletter はニュースレター配下の全エディション統計を返す。
func (r *PostgresEditionRepo) ListStatsByNewsletter(ctx context.Context, newsletterID string) ([]*model.EditionStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.edition_id, s.sent_count, s.delivered_count, s.opened_count, s.clicked_count, s.bounced_count, s.complained_count, s.unsubscribed_count, s.updated_at
		 FROM edition_stats s
		 JOIN editions e ON e.id = s.edition_id
		 WHERE e.newsletter_id = $1
		 ORDER BY e.created_at DESC`,
		newsletterID,
	)
	if err != nil {
		return nil, fmt.Errorf("エディション統計一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []*model.EditionStats
	for rows.Next() {
		stats := &model.EditionStats{}
		if err := rows.Scan(&stats.EditionID, &stats.SentCount, &stats.DeliveredCount, &stats.OpenedCount,
			&stats.ClickedCount, &stats.BouncedCount, &stats.ComplainedCount, &stats.UnsubscribedCount, &stats.UpdatedAt); err != nil {
			return nil, fmt.Errorf("エディション統計行の読み取りに失敗しました: %w", err)
		}
		results = append(results, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エディション統計一覧の走査に失敗しました: %w", err)
	}
	return results, nil
}

// compile-time interface check
var _ EditionRepository = (*PostgresEditionRepo)(nil)
