package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresCacheRepo はPostgreSQLを使用したLLMレスポンスキャッシュリポジトリ。
type PostgresCacheRepo struct {
	db *sql.DB
}

// NewPostgresCacheRepo はPostgresCacheRepoを生成する。
func NewPostgresCacheRepo(db *sql.DB) *PostgresCacheRepo {
	return &PostgresCacheRepo{db: db}
}

// Get は有効期限内のエントリを取得し、hit_countを加算する。
// 存在しないか期限切れの場合はnilを返す。
func (r *PostgresCacheRepo) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	entry := &model.CacheEntry{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1
		 WHERE cache_key = $1 AND expires_at > NOW()
		 RETURNING cache_key, operation, model, response, expires_at, hit_count, created_at`,
		key,
	).Scan(&entry.Key, &entry.Operation, &entry.Model, &entry.Response,
		&entry.ExpiresAt, &entry.HitCount, &entry.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キャッシュの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// Put はエントリをUPSERTする。
func (r *PostgresCacheRepo) Put(ctx context.Context, entry *model.CacheEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, operation, model, response, expires_at, hit_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, NOW())
		 ON CONFLICT (cache_key) DO UPDATE SET
		     response = EXCLUDED.response,
		     expires_at = EXCLUDED.expires_at`,
		entry.Key, entry.Operation, entry.Model, entry.Response, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("キャッシュの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れエントリを削除し、削除件数を返す。
func (r *PostgresCacheRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("期限切れキャッシュの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ CacheRepository = (*PostgresCacheRepo)(nil)
