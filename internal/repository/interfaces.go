// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error
}

// NewsletterRepository はニュースレターデータの永続化インターフェース。
type NewsletterRepository interface {
	// FindByID は指定IDのニュースレターを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Newsletter, error)

	// ListByUser はユーザーの所有するニュースレター一覧を返す。
	ListByUser(ctx context.Context, userID string) ([]*model.Newsletter, error)

	// ListActive は配信中の全ニュースレターを返す。
	ListActive(ctx context.Context) ([]*model.Newsletter, error)

	// Create はニュースレターを作成する。
	Create(ctx context.Context, n *model.Newsletter) error

	// Update はニュースレターの名前・ニッチ・設定を更新する。
	Update(ctx context.Context, n *model.Newsletter) error

	// Archive はニュースレターをソフトアーカイブする。物理削除は行わない。
	Archive(ctx context.Context, id string) error

	// RecountSubscribers は全ニュースレターのsubscriber_countを
	// 有効な購読（unsubscribed_at IS NULL）の件数で再計算する。
	RecountSubscribers(ctx context.Context) error
}

// SubscriberRepository は購読者データの永続化インターフェース。
type SubscriberRepository interface {
	// FindByID は指定IDの購読者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscriber, error)

	// FindByEmail はメールアドレスで購読者を検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Subscriber, error)

	// Create は購読者を作成する。
	Create(ctx context.Context, s *model.Subscriber) error

	// UpdateStatus は購読者の状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.SubscriberStatus) error

	// MarkVerified は購読者をメール確認済みにし、statusをactiveへ更新する。
	MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error

	// UpdateSegments は購読者のセグメントを更新する。
	UpdateSegments(ctx context.Context, id string, segments []string) error

	// Subscribe はニュースレターへの購読を作成する。
	// 解除済みの購読が存在する場合はunsubscribed_atをNULLに戻して再購読する。
	Subscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error

	// Unsubscribe は購読のunsubscribed_atを設定する。
	Unsubscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error

	// FindSubscription はニュースレターと購読者の購読関係を取得する。
	// 見つからない場合はnilを返す。
	FindSubscription(ctx context.Context, newsletterID, subscriberID string) (*model.NewsletterSubscriber, error)

	// ListActiveByNewsletter は配信対象の購読者一覧を返す。
	// 有効な購読（unsubscribed_at IS NULL）かつstatus=activeかつ
	// verified_atがNULLでない購読者のみを対象とする。
	ListActiveByNewsletter(ctx context.Context, newsletterID string) ([]*model.Subscriber, error)

	// ListByNewsletter はニュースレターの全購読者を購読情報付きで返す。
	ListByNewsletter(ctx context.Context, newsletterID string) ([]SubscriberWithSubscription, error)

	// ListAll は全購読者を返す。セグメント再計算で使用する。
	ListAll(ctx context.Context) ([]*model.Subscriber, error)
}

// SourceRepository はコンテンツソースの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ContentSource, error)

	// List は全ソースを返す。
	List(ctx context.Context) ([]*model.ContentSource, error)

	// ListFetchable はフェッチ可能なソース一覧を返す。
	// active=true かつ disabled_until が NULL または経過済みのものが対象。
	ListFetchable(ctx context.Context, now time.Time) ([]*model.ContentSource, error)

	// ListFailing は連続失敗回数が閾値以上のアクティブなソースを返す。
	ListFailing(ctx context.Context, threshold int) ([]*model.ContentSource, error)

	// Create はソースを作成する。
	Create(ctx context.Context, s *model.ContentSource) error

	// Update はソースの設定を更新する。
	Update(ctx context.Context, s *model.ContentSource) error

	// UpdateFetchState はフェッチ結果（ETag、連続失敗回数等）を更新する。
	UpdateFetchState(ctx context.Context, s *model.ContentSource) error

	// Disable はソースを指定時刻まで自動無効化する。
	Disable(ctx context.Context, id string, until time.Time, reason string) error

	// Delete はソースを削除する。
	Delete(ctx context.Context, id string) error
}

// ContentRepository は記事コンテンツの永続化インターフェース。
type ContentRepository interface {
	// FindByURLHash はURLハッシュで記事を検索する。見つからない場合はnilを返す。
	FindByURLHash(ctx context.Context, urlHash string) (*model.ContentItem, error)

	// Create は記事を作成する。URLハッシュが既存の場合は何もしない（first-seen wins）。
	Create(ctx context.Context, item *model.ContentItem) (bool, error)

	// UpdateEnrichment はLLMによる要約・タグ・キーテイクアウェイを更新する。
	UpdateEnrichment(ctx context.Context, item *model.ContentItem) error

	// ListRecentByNiche は指定ニッチの記事をpublished_at降順で返す。
	ListRecentByNiche(ctx context.Context, niche string, since time.Time, limit int) ([]*model.ContentItem, error)

	// DeleteOlderThan は指定時刻より古い記事を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EditionRepository はエディションデータの永続化インターフェース。
type EditionRepository interface {
	// FindByID は指定IDのエディションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Edition, error)

	// ListByNewsletter はニュースレターのエディション一覧を作成日時降順で返す。
	ListByNewsletter(ctx context.Context, newsletterID string, limit int) ([]*model.Edition, error)

	// ListScheduledDue は送信予定時刻が到来したscheduled状態の
	// 非テストエディション一覧を返す。
	ListScheduledDue(ctx context.Context, now time.Time) ([]*model.Edition, error)

	// Create はエディションを作成する。
	Create(ctx context.Context, e *model.Edition) error

	// Update はエディションの件名・本文・予定時刻を更新する。
	Update(ctx context.Context, e *model.Edition) error

	// UpdateStatus はエディションの状態を更新する。
	// sentAtがnilでない場合はsent_atも同時に設定する。
	UpdateStatus(ctx context.Context, id string, status model.EditionStatus, sentAt *time.Time) error

	// GetStats はエディションの統計を取得する。見つからない場合はnilを返す。
	GetStats(ctx context.Context, editionID string) (*model.EditionStats, error)

	// UpsertStats は統計行を作成または上書きする。送信中のチェックポイントで使用する。
	UpsertStats(ctx context.Context, stats *model.EditionStats) error

	// IncrementStat は統計の指定カウンタをアトミックに加算する。
	// columnは opened_count / clicked_count / bounced_count /
	// complained_count / unsubscribed_count のいずれか。
	IncrementStat(ctx context.Context, editionID string, column string) error

	// ListStatsByNewsletter はニュースレター配下の全エディション統計を返す。
	ListStatsByNewsletter(ctx context.Context, newsletterID string) ([]*model.EditionStats, error)
}

// EventRepository は購読者イベントの永続化インターフェース。
// イベントは追記専用であり、更新・削除APIは保持期間による一括削除のみ。
type EventRepository interface {
	// Append はイベントを追記する。
	Append(ctx context.Context, ev *model.SubscriberEvent) error

	// FindSentByTrackingID はトラッキングIDに一致するSENTイベントを検索する。
	// トラッキングIDから(subscriber, edition)を解決する唯一の手段。
	// 見つからない場合はnilを返す。
	FindSentByTrackingID(ctx context.Context, trackingID string) (*model.SubscriberEvent, error)

	// AppendFirstOfKind はイベントを追記し、(subscriber, edition, type)の
	// 初回だったかを返す。初回判定は追記と不可分に行われ、同時アクセスでも
	// 初回は一度だけ成立する。evのFirstOfKindは判定結果で上書きされる。
	AppendFirstOfKind(ctx context.Context, ev *model.SubscriberEvent) (bool, error)

	// ListSentSubscriberIDs はエディションに対してSENTイベントを持つ
	// 購読者IDの集合を返す。再送信時の重複排除に使用する。
	ListSentSubscriberIDs(ctx context.Context, editionID string) (map[string]bool, error)

	// EngagementSince は指定時刻以降の購読者ごとのエンゲージメント集計を返す。
	EngagementSince(ctx context.Context, since time.Time) ([]*model.EngagementSummary, error)

	// DeleteOlderThan は指定時刻より古いイベントを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheRepository はLLMレスポンスキャッシュの永続化インターフェース。
type CacheRepository interface {
	// Get は有効期限内のエントリを取得し、hit_countを加算する。
	// 存在しないか期限切れの場合はnilを返す。
	Get(ctx context.Context, key string) (*model.CacheEntry, error)

	// Put はエントリをUPSERTする。同一キーへの同時書き込みは
	// 内容が同一のため最後の書き込みが勝つ動作で問題ない。
	Put(ctx context.Context, entry *model.CacheEntry) error

	// DeleteExpired は期限切れエントリを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ABTestRepository はA/Bテストデータの永続化インターフェース。
type ABTestRepository interface {
	// CreateTest はテストとバリアント一式を同一トランザクションで作成する。
	CreateTest(ctx context.Context, test *model.ABTest, variants []*model.TestVariant) error

	// FindTestByID はテストを取得する。見つからない場合はnilを返す。
	FindTestByID(ctx context.Context, id string) (*model.ABTest, error)

	// ListVariants はテストのバリアント一覧を返す。
	ListVariants(ctx context.Context, testID string) ([]*model.TestVariant, error)

	// ListRunning は実行中のテスト一覧を返す。
	ListRunning(ctx context.Context) ([]*model.ABTest, error)

	// UpdateTestStatus はテストの状態・勝者・完了時刻を更新する。
	UpdateTestStatus(ctx context.Context, test *model.ABTest) error

	// IncrementVariant はバリアントの指定カウンタをアトミックに加算する。
	// columnは assigned / sends / opens / clicks / conversions のいずれか。
	IncrementVariant(ctx context.Context, variantID string, column string) error
}

// SubscriberWithSubscription は購読者と購読情報を結合した構造体。
type SubscriberWithSubscription struct {
	model.Subscriber
	SubscribedAt   time.Time
	UnsubscribedAt *time.Time
}
