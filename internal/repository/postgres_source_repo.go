package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したコンテンツソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, name, url, type, niche, keywords, weight, active, consecutive_failures, disabled_until, disabled_reason, etag, last_modified, last_fetched_at, created_at, updated_at`

func scanSource(scan func(dest ...any) error) (*model.ContentSource, error) {
	s := &model.ContentSource{}
	var keywords pq.StringArray
	if err := scan(&s.ID, &s.Name, &s.URL, &s.Type, &s.Niche, &keywords, &s.Weight, &s.Active,
		&s.ConsecutiveFailures, &s.DisabledUntil, &s.DisabledReason, &s.ETag, &s.LastModified,
		&s.LastFetchedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Keywords = []string(keywords)
	return s, nil
}

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.ContentSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM content_sources WHERE id = $1`, id)
	s, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コンテンツソースの取得に失敗しました: %w", err)
	}
	return s, nil
}

// List は全ソースを返す。
func (r *PostgresSourceRepo) List(ctx context.Context) ([]*model.ContentSource, error) {
	return r.query(ctx,
		`SELECT `+sourceColumns+` FROM content_sources ORDER BY created_at ASC`)
}

// ListFetchable はフェッチ可能なソース一覧を返す。
func (r *PostgresSourceRepo) ListFetchable(ctx context.Context, now time.Time) ([]*model.ContentSource, error) {
	return r.query(ctx,
		`SELECT `+sourceColumns+` FROM content_sources
		 WHERE active = TRUE AND (disabled_until IS NULL OR disabled_until <= $1)
		 ORDER BY created_at ASC`,
		now,
	)
}

// ListFailing は連続失敗回数が閾値以上のアクティブなソースを返す。
func (r *PostgresSourceRepo) ListFailing(ctx context.Context, threshold int) ([]*model.ContentSource, error) {
	return r.query(ctx,
		`SELECT `+sourceColumns+` FROM content_sources
		 WHERE active = TRUE AND consecutive_failures >= $1
		 ORDER BY consecutive_failures DESC`,
		threshold,
	)
}

func (r *PostgresSourceRepo) query(ctx context.Context, query string, args ...any) ([]*model.ContentSource, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("コンテンツソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.ContentSource
	for rows.Next() {
		s, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("コンテンツソース行の読み取りに失敗しました: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("コンテンツソース一覧の走査に失敗しました: %w", err)
	}
	return sources, nil
}

// Create はソースを作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, s *model.ContentSource) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO content_sources (id, name, url, type, niche, keywords, weight, active, consecutive_failures, disabled_until, disabled_reason, etag, last_modified, last_fetched_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.Name, s.URL, s.Type, s.Niche, pq.Array(s.Keywords), s.Weight, s.Active,
		s.ConsecutiveFailures, s.DisabledUntil, s.DisabledReason, s.ETag, s.LastModified,
		s.LastFetchedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("コンテンツソースの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はソースの設定を更新する。
func (r *PostgresSourceRepo) Update(ctx context.Context, s *model.ContentSource) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE content_sources
		 SET name = $2, url = $3, type = $4, niche = $5, keywords = $6, weight = $7, active = $8, updated_at = NOW()
		 WHERE id = $1`,
		s.ID, s.Name, s.URL, s.Type, s.Niche, pq.Array(s.Keywords), s.Weight, s.Active,
	)
	if err != nil {
		return fmt.Errorf("コンテンツソースの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("コンテンツソースが見つかりません: %s", s.ID)
	}
	return nil
}

// UpdateFetchState はフェッチ結果を更新する。
func (r *PostgresSourceRepo) UpdateFetchState(ctx context.Context, s *model.ContentSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE content_sources
		 SET consecutive_failures = $2, disabled_until = $3, disabled_reason = $4,
		     etag = $5, last_modified = $6, last_fetched_at = $7, active = $8, updated_at = NOW()
		 WHERE id = $1`,
		s.ID, s.ConsecutiveFailures, s.DisabledUntil, s.DisabledReason,
		s.ETag, s.LastModified, s.LastFetchedAt, s.Active,
	)
	if err != nil {
		return fmt.Errorf("フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// Disable はソースを指定時刻まで自動無効化する。
func (r *PostgresSourceRepo) Disable(ctx context.Context, id string, until time.Time, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE content_sources SET disabled_until = $2, disabled_reason = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, until, reason,
	)
	if err != nil {
		return fmt.Errorf("コンテンツソースの無効化に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("コンテンツソースが見つかりません: %s", id)
	}
	return nil
}

// Delete はソースを削除する。
func (r *PostgresSourceRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM content_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("コンテンツソースの削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("コンテンツソースが見つかりません: %s", id)
	}
	return nil
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
