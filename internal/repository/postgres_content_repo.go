package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresContentRepo はPostgreSQLを使用した記事コンテンツリポジトリ。
type PostgresContentRepo struct {
	db *sql.DB
}

// NewPostgresContentRepo はPostgresContentRepoを生成する。
func NewPostgresContentRepo(db *sql.DB) *PostgresContentRepo {
	return &PostgresContentRepo{db: db}
}

const contentColumns = `id, source_id, niche, title, content, summary, url, url_hash, source, content_type, score, published_at, fetched_at, tags, key_takeaways, read_time_minutes, has_code, has_visuals`

func scanContentItem(scan func(dest ...any) error) (*model.ContentItem, error) {
	item := &model.ContentItem{}
	var sourceID sql.NullString
	var tags, takeaways pq.StringArray
	if err := scan(&item.ID, &sourceID, &item.Niche, &item.Title, &item.Content, &item.Summary,
		&item.URL, &item.URLHash, &item.Source, &item.ContentType, &item.Score,
		&item.PublishedAt, &item.FetchedAt, &tags, &takeaways,
		&item.ReadTimeMinutes, &item.HasCode, &item.HasVisuals); err != nil {
		return nil, err
	}
	item.SourceID = sourceID.String
	item.Tags = []string(tags)
	item.KeyTakeaways = []string(takeaways)
	return item, nil
}

// FindByURLHash はURLハッシュで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresContentRepo) FindByURLHash(ctx context.Context, urlHash string) (*model.ContentItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE url_hash = $1`, urlHash)
	item, err := scanContentItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の検索に失敗しました: %w", err)
	}
	return item, nil
}

// Create は記事を作成する。URLハッシュが既存の場合は何もせずfalseを返す（first-seen wins）。
func (r *PostgresContentRepo) Create(ctx context.Context, item *model.ContentItem) (bool, error) {
	var sourceID any
	if item.SourceID != "" {
		sourceID = item.SourceID
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO content_items (id, source_id, niche, title, content, summary, url, url_hash, source, content_type, score, published_at, fetched_at, tags, key_takeaways, read_time_minutes, has_code, has_visuals)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (url_hash) DO NOTHING`,
		item.ID, sourceID, item.Niche, item.Title, item.Content, item.Summary,
		item.URL, item.URLHash, item.Source, item.ContentType, item.Score,
		item.PublishedAt, item.FetchedAt, pq.Array(item.Tags), pq.Array(item.KeyTakeaways),
		item.ReadTimeMinutes, item.HasCode, item.HasVisuals,
	)
	if err != nil {
		return false, fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("作成結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateEnrichment はLLMによる要約・タグ・キーテイクアウェイを更新する。
func (r *PostgresContentRepo) UpdateEnrichment(ctx context.Context, item *model.ContentItem) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE content_items
		 SET summary = $2, tags = $3, key_takeaways = $4, content_type = $5, score = $6, read_time_minutes = $7
		 WHERE id = $1`,
		item.ID, item.Summary, pq.Array(item.Tags), pq.Array(item.KeyTakeaways),
		item.ContentType, item.Score, item.ReadTimeMinutes,
	)
	if err != nil {
		return fmt.Errorf("記事の加工結果更新に失敗しました: %w", err)
	}
	return nil
}

// ListRecentByNiche は指定ニッチの記事をpublished_at降順で返す。
func (r *PostgresContentRepo) ListRecentByNiche(ctx context.Context, niche string, since time.Time, limit int) ([]*model.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content_items
		 WHERE niche = $1 AND published_at >= $2
		 ORDER BY published_at DESC
		 LIMIT $3`,
		niche, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.ContentItem
	for rows.Next() {
		item, err := scanContentItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// DeleteOlderThan は指定時刻より古い記事を削除し、削除件数を返す。
func (r *PostgresContentRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM content_items WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("古い記事の削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ ContentRepository = (*PostgresContentRepo)(nil)
