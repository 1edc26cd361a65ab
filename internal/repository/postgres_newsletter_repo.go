package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresNewsletterRepo はPostgreSQLを使用したニュースレターリポジトリ。
type PostgresNewsletterRepo struct {
	db *sql.DB
}

// NewPostgresNewsletterRepo はPostgresNewsletterRepoを生成する。
func NewPostgresNewsletterRepo(db *sql.DB) *PostgresNewsletterRepo {
	return &PostgresNewsletterRepo{db: db}
}

// scanNewsletter は1行をNewsletterに読み取る。settingsはJSONBから復元する。
func scanNewsletter(scan func(dest ...any) error) (*model.Newsletter, error) {
	n := &model.Newsletter{}
	var settingsJSON []byte
	if err := scan(&n.ID, &n.UserID, &n.Name, &n.Niche, &n.Status, &settingsJSON, &n.SubscriberCount, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Settings = model.DefaultNewsletterSettings()
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &n.Settings); err != nil {
			return nil, fmt.Errorf("ニュースレター設定の復元に失敗しました: %w", err)
		}
	}
	return n, nil
}

// FindByID は指定IDのニュースレターを取得する。見つからない場合はnilを返す。
func (r *PostgresNewsletterRepo) FindByID(ctx context.Context, id string) (*model.Newsletter, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, niche, status, settings, subscriber_count, created_at, updated_at
		 FROM newsletters WHERE id = $1`,
		id,
	)
	n, err := scanNewsletter(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ニュースレターの取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListByUser はユーザーの所有するニュースレター一覧を返す。
func (r *PostgresNewsletterRepo) ListByUser(ctx context.Context, userID string) ([]*model.Newsletter, error) {
	return r.list(ctx,
		`SELECT id, user_id, name, niche, status, settings, subscriber_count, created_at, updated_at
		 FROM newsletters WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
}

// ListActive は配信中の全ニュースレターを返す。
func (r *PostgresNewsletterRepo) ListActive(ctx context.Context) ([]*model.Newsletter, error) {
	return r.list(ctx,
		`SELECT id, user_id, name, niche, status, settings, subscriber_count, created_at, updated_at
		 FROM newsletters WHERE status = 'active' ORDER BY created_at ASC`,
	)
}

func (r *PostgresNewsletterRepo) list(ctx context.Context, query string, args ...any) ([]*model.Newsletter, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ニュースレター一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var newsletters []*model.Newsletter
	for rows.Next() {
		n, err := scanNewsletter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ニュースレター行の読み取りに失敗しました: %w", err)
		}
		newsletters = append(newsletters, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ニュースレター一覧の走査に失敗しました: %w", err)
	}
	return newsletters, nil
}

// Create はニュースレターを作成する。
func (r *PostgresNewsletterRepo) Create(ctx context.Context, n *model.Newsletter) error {
	settingsJSON, err := json.Marshal(n.Settings)
	if err != nil {
		return fmt.Errorf("ニュースレター設定のシリアライズに失敗しました: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO newsletters (id, user_id, name, niche, status, settings, subscriber_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, n.Name, n.Niche, n.Status, settingsJSON, n.SubscriberCount, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ニュースレターの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はニュースレターの名前・ニッチ・設定を更新する。
func (r *PostgresNewsletterRepo) Update(ctx context.Context, n *model.Newsletter) error {
	settingsJSON, err := json.Marshal(n.Settings)
	if err != nil {
		return fmt.Errorf("ニュースレター設定のシリアライズに失敗しました: %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE newsletters SET name = $2, niche = $3, settings = $4, updated_at = NOW()
		 WHERE id = $1`,
		n.ID, n.Name, n.Niche, settingsJSON,
	)
	if err != nil {
		return fmt.Errorf("ニュースレターの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("ニュースレターが見つかりません: %s", n.ID)
	}
	return nil
}

// Archive はニュースレターをソフトアーカイブする。
func (r *PostgresNewsletterRepo) Archive(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE newsletters SET status = 'archived', updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ニュースレターのアーカイブに失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("ニュースレターが見つかりません: %s", id)
	}
	return nil
}

// RecountSubscribers は全ニュースレターのsubscriber_countを
// 有効な購読の件数で再計算する。
func (r *PostgresNewsletterRepo) RecountSubscribers(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE newsletters n SET subscriber_count = (
		     SELECT COUNT(*)
		     FROM newsletter_subscribers ns
		     JOIN subscribers s ON s.id = ns.subscriber_id
		     WHERE ns.newsletter_id = n.id
		       AND ns.unsubscribed_at IS NULL
		       AND s.status = 'active'
		 ), updated_at = NOW()`,
	)
	if err != nil {
		return fmt.Errorf("購読者数の再計算に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ NewsletterRepository = (*PostgresNewsletterRepo)(nil)
