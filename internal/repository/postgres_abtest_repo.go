package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresABTestRepo はPostgreSQLを使用したA/Bテストリポジトリ。
type PostgresABTestRepo struct {
	db *sql.DB
}

// NewPostgresABTestRepo はPostgresABTestRepoを生成する。
func NewPostgresABTestRepo(db *sql.DB) *PostgresABTestRepo {
	return &PostgresABTestRepo{db: db}
}

// CreateTest はテストとバリアント一式を同一トランザクションで作成する。
func (r *PostgresABTestRepo) CreateTest(ctx context.Context, test *model.ABTest, variants []*model.TestVariant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ab_tests (id, edition_id, name, metric, status, min_sample_size, confidence_threshold, max_runtime_seconds, started_at, completed_at, winner_variant_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`,
		test.ID, test.EditionID, test.Name, test.Metric, test.Status,
		test.MinSampleSize, test.ConfidenceThreshold, int64(test.MaxRuntime.Seconds()),
		test.StartedAt, test.CompletedAt, test.WinnerVariantID, test.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("A/Bテストの作成に失敗しました: %w", err)
	}

	for _, v := range variants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO test_variants (id, test_id, name, subject, is_control, assigned, sends, opens, clicks, conversions)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			v.ID, test.ID, v.Name, v.Subject, v.IsControl,
			v.Assigned, v.Sends, v.Opens, v.Clicks, v.Conversions,
		)
		if err != nil {
			return fmt.Errorf("バリアントの作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func scanABTest(scan func(dest ...any) error) (*model.ABTest, error) {
	t := &model.ABTest{}
	var maxRuntimeSeconds int64
	var winner sql.NullString
	if err := scan(&t.ID, &t.EditionID, &t.Name, &t.Metric, &t.Status,
		&t.MinSampleSize, &t.ConfidenceThreshold, &maxRuntimeSeconds,
		&t.StartedAt, &t.CompletedAt, &winner, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.MaxRuntime = time.Duration(maxRuntimeSeconds) * time.Second
	t.WinnerVariantID = winner.String
	return t, nil
}

const abTestColumns = `id, edition_id, name, metric, status, min_sample_size, confidence_threshold, max_runtime_seconds, started_at, completed_at, winner_variant_id, created_at`

// FindTestByID はテストを取得する。見つからない場合はnilを返す。
func (r *PostgresABTestRepo) FindTestByID(ctx context.Context, id string) (*model.ABTest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+abTestColumns+` FROM ab_tests WHERE id = $1`, id)
	t, err := scanABTest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("A/Bテストの取得に失敗しました: %w", err)
	}
	return t, nil
}

// ListVariants はテストのバリアント一覧を返す。コントロールが先頭になる。
func (r *PostgresABTestRepo) ListVariants(ctx context.Context, testID string) ([]*model.TestVariant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, test_id, name, subject, is_control, assigned, sends, opens, clicks, conversions
		 FROM test_variants WHERE test_id = $1
		 ORDER BY is_control DESC, name ASC`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("バリアント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var variants []*model.TestVariant
	for rows.Next() {
		v := &model.TestVariant{}
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Subject, &v.IsControl,
			&v.Assigned, &v.Sends, &v.Opens, &v.Clicks, &v.Conversions); err != nil {
			return nil, fmt.Errorf("バリアント行の読み取りに失敗しました: %w", err)
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バリアント一覧の走査に失敗しました: %w", err)
	}
	return variants, nil
}

// ListRunning は実行中のテスト一覧を返す。
func (r *PostgresABTestRepo) ListRunning(ctx context.Context) ([]*model.ABTest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+abTestColumns+` FROM ab_tests WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("実行中テスト一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tests []*model.ABTest
	for rows.Next() {
		t, err := scanABTest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("A/Bテスト行の読み取りに失敗しました: %w", err)
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行中テスト一覧の走査に失敗しました: %w", err)
	}
	return tests, nil
}

// UpdateTestStatus はテストの状態・勝者・完了時刻を更新する。
func (r *PostgresABTestRepo) UpdateTestStatus(ctx context.Context, test *model.ABTest) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ab_tests SET status = $2, started_at = $3, completed_at = $4, winner_variant_id = NULLIF($5, '')
		 WHERE id = $1`,
		test.ID, test.Status, test.StartedAt, test.CompletedAt, test.WinnerVariantID,
	)
	if err != nil {
		return fmt.Errorf("A/Bテスト状態の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("A/Bテストが見つかりません: %s", test.ID)
	}
	return nil
}

// variantColumns はIncrementVariantで加算可能なカラムの許可リスト。
var variantColumns = map[string]bool{
	"assigned":    true,
	"sends":       true,
	"opens":       true,
	"clicks":      true,
	"conversions": true,
}

// IncrementVariant はバリアントの指定カウンタをアトミックに加算する。
func (r *PostgresABTestRepo) IncrementVariant(ctx context.Context, variantID string, column string) error {
	if !variantColumns[column] {
		return fmt.Errorf("不正なバリアントカラムです: %s", column)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE test_variants SET `+column+` = `+column+` + 1 WHERE id = $1`,
		variantID,
	)
	if err != nil {
		return fmt.Errorf("バリアントカウンタの加算に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ABTestRepository = (*PostgresABTestRepo)(nil)
