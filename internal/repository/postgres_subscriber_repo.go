package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/newsmill/internal/model"
)

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

const subscriberColumns = `id, email, name, status, verification_token, verified_at, preferences, segments, created_at, updated_at`

// scanSubscriber は1行をSubscriberに読み取る。preferencesはJSONBから復元する。
func scanSubscriber(scan func(dest ...any) error) (*model.Subscriber, error) {
	s := &model.Subscriber{}
	var prefsJSON []byte
	var segments pq.StringArray
	if err := scan(&s.ID, &s.Email, &s.Name, &s.Status, &s.VerificationToken, &s.VerifiedAt, &prefsJSON, &segments, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if len(prefsJSON) > 0 {
		if err := json.Unmarshal(prefsJSON, &s.Preferences); err != nil {
			return nil, fmt.Errorf("購読者設定の復元に失敗しました: %w", err)
		}
	}
	s.Segments = []string(segments)
	return s, nil
}

// FindByID は指定IDの購読者を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id)
	s, err := scanSubscriber(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindByEmail はメールアドレスで購読者を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = $1`, email)
	s, err := scanSubscriber(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メールアドレスによる購読者の検索に失敗しました: %w", err)
	}
	return s, nil
}

// Create は購読者を作成する。
func (r *PostgresSubscriberRepo) Create(ctx context.Context, s *model.Subscriber) error {
	prefsJSON, err := json.Marshal(s.Preferences)
	if err != nil {
		return fmt.Errorf("購読者設定のシリアライズに失敗しました: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, email, name, status, verification_token, verified_at, preferences, segments, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.Email, s.Name, s.Status, s.VerificationToken, s.VerifiedAt, prefsJSON, pq.Array(s.Segments), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus は購読者の状態を更新する。
func (r *PostgresSubscriberRepo) UpdateStatus(ctx context.Context, id string, status model.SubscriberStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("購読者状態の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("購読者が見つかりません: %s", id)
	}
	return nil
}

// MarkVerified は購読者をメール確認済みにし、statusをactiveへ更新する。
func (r *PostgresSubscriberRepo) MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET verified_at = $2, status = 'active', verification_token = '', updated_at = NOW()
		 WHERE id = $1`,
		id, verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("購読者の確認済み更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("購読者が見つかりません: %s", id)
	}
	return nil
}

// UpdateSegments は購読者のセグメントを更新する。
func (r *PostgresSubscriberRepo) UpdateSegments(ctx context.Context, id string, segments []string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET segments = $2, updated_at = NOW() WHERE id = $1`,
		id, pq.Array(segments),
	)
	if err != nil {
		return fmt.Errorf("購読者セグメントの更新に失敗しました: %w", err)
	}
	return nil
}

// Subscribe はニュースレターへの購読を作成する。
// 解除済みの購読が存在する場合は再購読としてunsubscribed_atをNULLに戻す。
func (r *PostgresSubscriberRepo) Subscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO newsletter_subscribers (newsletter_id, subscriber_id, subscribed_at, unsubscribed_at)
		 VALUES ($1, $2, $3, NULL)
		 ON CONFLICT (newsletter_id, subscriber_id)
		 DO UPDATE SET subscribed_at = $3, unsubscribed_at = NULL`,
		newsletterID, subscriberID, at,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// Unsubscribe は購読のunsubscribed_atを設定する。
func (r *PostgresSubscriberRepo) Unsubscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE newsletter_subscribers SET unsubscribed_at = $3
		 WHERE newsletter_id = $1 AND subscriber_id = $2 AND unsubscribed_at IS NULL`,
		newsletterID, subscriberID, at,
	)
	if err != nil {
		return fmt.Errorf("購読解除に失敗しました: %w", err)
	}
	// 既に解除済みの場合は冪等に成功扱いとする
	if _, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return nil
}

// FindSubscription はニュースレターと購読者の購読関係を取得する。
func (r *PostgresSubscriberRepo) FindSubscription(ctx context.Context, newsletterID, subscriberID string) (*model.NewsletterSubscriber, error) {
	ns := &model.NewsletterSubscriber{}
	err := r.db.QueryRowContext(ctx,
		`SELECT newsletter_id, subscriber_id, subscribed_at, unsubscribed_at
		 FROM newsletter_subscribers WHERE newsletter_id = $1 AND subscriber_id = $2`,
		newsletterID, subscriberID,
	).Scan(&ns.NewsletterID, &ns.SubscriberID, &ns.SubscribedAt, &ns.UnsubscribedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読関係の取得に失敗しました: %w", err)
	}
	return ns, nil
}

// ListActiveByNewsletter は配信対象の購読者一覧を返す。
// 有効な購読かつstatus=activeかつメール確認済みの購読者のみを対象とする。
func (r *PostgresSubscriberRepo) ListActiveByNewsletter(ctx context.Context, newsletterID string) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.email, s.name, s.status, s.verification_token, s.verified_at, s.preferences, s.segments, s.created_at, s.updated_at
		 FROM subscribers s
		 JOIN newsletter_subscribers ns ON ns.subscriber_id = s.id
		 WHERE ns.newsletter_id = $1
		   AND ns.unsubscribed_at IS NULL
		   AND s.status = 'active'
		   AND s.verified_at IS NOT NULL
		 ORDER BY ns.subscribed_at ASC`,
		newsletterID,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信対象購読者の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// ListByNewsletter はニュースレターの全購読者を購読情報付きで返す。
func (r *PostgresSubscriberRepo) ListByNewsletter(ctx context.Context, newsletterID string) ([]SubscriberWithSubscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.email, s.name, s.status, s.verification_token, s.verified_at, s.preferences, s.segments, s.created_at, s.updated_at,
		        ns.subscribed_at, ns.unsubscribed_at
		 FROM subscribers s
		 JOIN newsletter_subscribers ns ON ns.subscriber_id = s.id
		 WHERE ns.newsletter_id = $1
		 ORDER BY ns.subscribed_at ASC`,
		newsletterID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []SubscriberWithSubscription
	for rows.Next() {
		var info SubscriberWithSubscription
		var prefsJSON []byte
		var segments pq.StringArray
		if err := rows.Scan(
			&info.ID, &info.Email, &info.Name, &info.Status, &info.VerificationToken, &info.VerifiedAt,
			&prefsJSON, &segments, &info.CreatedAt, &info.UpdatedAt,
			&info.SubscribedAt, &info.UnsubscribedAt,
		); err != nil {
			return nil, fmt.Errorf("購読者行（購読情報付き）の読み取りに失敗しました: %w", err)
		}
		if len(prefsJSON) > 0 {
			if err := json.Unmarshal(prefsJSON, &info.Preferences); err != nil {
				return nil, fmt.Errorf("購読者設定の復元に失敗しました: %w", err)
			}
		}
		info.Segments = []string(segments)
		results = append(results, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}
	return results, nil
}

// ListAll は全購読者を返す。
func (r *PostgresSubscriberRepo) ListAll(ctx context.Context) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("全購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("全購読者の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// compile-time interface check
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)
