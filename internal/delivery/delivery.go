// Package delivery はエディションの配信を管理する。
// 受信者の解決、バッチ並行送信、トラッキングの埋め込み、送信状態の遷移、
// 統計のチェックポイントまでの送信パイプライン全体を担う。
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/email"
	"github.com/hitoshi/newsmill/internal/generator"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

const (
	defaultBatchSize     = 50
	defaultMaxConcurrent = 10

	// checkpointInterval は統計をDBへ書き出す処理件数の間隔。
	// 送信途中でも部分的な統計を照会できるようにする。
	checkpointInterval = 200
)

// Config は配信マネージャの設定。
type Config struct {
	FromAddress     string
	BatchSize       int
	MaxConcurrent   int
	TrackingBaseURL string
}

// Failure は1受信者の送信失敗を表す。
type Failure struct {
	Email  string
	Reason string
}

// Result は1エディションの配信結果を表す。
type Result struct {
	Sent   int
	Failed []Failure
	Total  int
}

// Manager はエディション配信を実行する。
type Manager struct {
	editions     repository.EditionRepository
	newsletters  repository.NewsletterRepository
	subscribers  repository.SubscriberRepository
	events       repository.EventRepository
	sender       email.Sender
	personalizer *generator.Personalizer
	config       Config
	logger       *slog.Logger
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(
	editions repository.EditionRepository,
	newsletters repository.NewsletterRepository,
	subscribers repository.SubscriberRepository,
	events repository.EventRepository,
	sender email.Sender,
	personalizer *generator.Personalizer,
	config Config,
	logger *slog.Logger,
) *Manager {
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		editions:     editions,
		newsletters:  newsletters,
		subscribers:  subscribers,
		events:       events,
		sender:       sender,
		personalizer: personalizer,
		config:       config,
		logger:       logger,
	}
}

// SendEdition はエディションを配信する。
// テストモードでは指定アドレスへの送信のみを行い、状態遷移・SENTイベント・
// 統計更新は行わない。本番モードでは送信前にsending、完了後にsentへ遷移する。
// 個々の受信者の失敗は結果に記録され、配信全体は継続する。
func (m *Manager) SendEdition(ctx context.Context, editionID string, testMode bool, testEmails []string) (*Result, error) {
	edition, err := m.editions.FindByID(ctx, editionID)
	if err != nil {
		return nil, fmt.Errorf("エディションの取得に失敗しました: %w", err)
	}
	if edition == nil {
		return nil, model.NewEditionNotFoundError(editionID)
	}
	if edition.Status == model.EditionStatusSent && !testMode {
		return nil, model.NewEditionAlreadySentError(editionID)
	}

	newsletter, err := m.newsletters.FindByID(ctx, edition.NewsletterID)
	if err != nil {
		return nil, fmt.Errorf("ニュースレターの取得に失敗しました: %w", err)
	}
	if newsletter == nil {
		return nil, model.NewNewsletterNotFoundError(edition.NewsletterID)
	}

	recipients, err := m.resolveRecipients(ctx, newsletter.ID, testMode, testEmails)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, model.NewNoRecipientsError()
	}

	if !testMode {
		if err := m.editions.UpdateStatus(ctx, edition.ID, model.EditionStatusSending, nil); err != nil {
			return nil, fmt.Errorf("送信状態への遷移に失敗しました: %w", err)
		}
	}

	result := m.sendToRecipients(ctx, newsletter, edition, recipients, testMode)

	if !testMode {
		sentAt := time.Now().UTC()
		if err := m.editions.UpdateStatus(ctx, edition.ID, model.EditionStatusSent, &sentAt); err != nil {
			return result, fmt.Errorf("送信完了状態への遷移に失敗しました: %w", err)
		}
		m.checkpointStats(ctx, edition.ID, result)
	}

	m.logger.Info("エディションの配信が完了しました",
		slog.String("edition_id", edition.ID),
		slog.Bool("test_mode", testMode),
		slog.Int("sent", result.Sent),
		slog.Int("failed", len(result.Failed)),
		slog.Int("total", result.Total),
	)
	return result, nil
}

// ResendFailed は前回の配信でSENTイベントが記録されなかった受信者にのみ
// 再送信する。送信済みの購読者へ二重に届くことはない。
func (m *Manager) ResendFailed(ctx context.Context, editionID string) (*Result, error) {
	edition, err := m.editions.FindByID(ctx, editionID)
	if err != nil {
		return nil, fmt.Errorf("エディションの取得に失敗しました: %w", err)
	}
	if edition == nil {
		return nil, model.NewEditionNotFoundError(editionID)
	}

	newsletter, err := m.newsletters.FindByID(ctx, edition.NewsletterID)
	if err != nil {
		return nil, fmt.Errorf("ニュースレターの取得に失敗しました: %w", err)
	}
	if newsletter == nil {
		return nil, model.NewNewsletterNotFoundError(edition.NewsletterID)
	}

	all, err := m.subscribers.ListActiveByNewsletter(ctx, newsletter.ID)
	if err != nil {
		return nil, fmt.Errorf("受信者一覧の取得に失敗しました: %w", err)
	}
	alreadySent, err := m.events.ListSentSubscriberIDs(ctx, edition.ID)
	if err != nil {
		return nil, fmt.Errorf("送信済み購読者の取得に失敗しました: %w", err)
	}

	var remaining []*model.Subscriber
	for _, sub := range all {
		if !alreadySent[sub.ID] {
			remaining = append(remaining, sub)
		}
	}
	if len(remaining) == 0 {
		return &Result{}, nil
	}

	result := m.sendToRecipients(ctx, newsletter, edition, remaining, false)

	// 再送信分は初回配信の統計に積み増す
	stats, err := m.editions.GetStats(ctx, edition.ID)
	if err == nil {
		base := 0
		if stats != nil {
			base = stats.SentCount
		}
		m.checkpointStats(ctx, edition.ID, &Result{Sent: base + result.Sent})
	}

	m.logger.Info("失敗分の再送信が完了しました",
		slog.String("edition_id", edition.ID),
		slog.Int("sent", result.Sent),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// ProcessScheduledSends は送信予定時刻が到来したエディションを順に配信する。
// 個々のエディションの失敗はfailed状態にして記録し、残りの処理は継続する。
func (m *Manager) ProcessScheduledSends(ctx context.Context) error {
	due, err := m.editions.ListScheduledDue(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("送信予定エディションの取得に失敗しました: %w", err)
	}

	for _, edition := range due {
		if _, err := m.SendEdition(ctx, edition.ID, false, nil); err != nil {
			m.logger.Error("予約配信に失敗しました",
				slog.String("edition_id", edition.ID),
				slog.String("error", err.Error()),
			)
			if statusErr := m.editions.UpdateStatus(ctx, edition.ID, model.EditionStatusFailed, nil); statusErr != nil {
				m.logger.Error("失敗状態への遷移に失敗しました",
					slog.String("edition_id", edition.ID),
					slog.String("error", statusErr.Error()),
				)
			}
		}
	}
	return nil
}

// resolveRecipients は配信対象の購読者を解決する。
// テストモードでは指定アドレスから一時的な購読者を合成する。
func (m *Manager) resolveRecipients(ctx context.Context, newsletterID string, testMode bool, testEmails []string) ([]*model.Subscriber, error) {
	if testMode {
		now := time.Now().UTC()
		recipients := make([]*model.Subscriber, 0, len(testEmails))
		for _, addr := range testEmails {
			recipients = append(recipients, &model.Subscriber{
				ID:         "test-" + uuid.NewString(),
				Email:      addr,
				Status:     model.SubscriberStatusActive,
				VerifiedAt: &now,
			})
		}
		return recipients, nil
	}

	recipients, err := m.subscribers.ListActiveByNewsletter(ctx, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("受信者一覧の取得に失敗しました: %w", err)
	}
	return recipients, nil
}

// sendToRecipients は受信者をバッチに分割し、バッチ内は並行送信する。
// バッチは投入順に処理され、バッチごとにWaitGroupで完了を待つ。
func (m *Manager) sendToRecipients(ctx context.Context, newsletter *model.Newsletter, edition *model.Edition, recipients []*model.Subscriber, testMode bool) *Result {
	result := &Result{Total: len(recipients)}
	var mu sync.Mutex
	sem := make(chan struct{}, m.config.MaxConcurrent)
	processed := 0
	lastCheckpoint := 0

	for start := 0; start < len(recipients); start += m.config.BatchSize {
		end := start + m.config.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]

		var wg sync.WaitGroup
		for _, sub := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(sub *model.Subscriber) {
				defer wg.Done()
				defer func() { <-sem }()

				err := m.deliverOne(ctx, newsletter, edition, sub, testMode)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed = append(result.Failed, Failure{Email: sub.Email, Reason: err.Error()})
					m.logger.Warn("受信者への送信に失敗しました",
						slog.String("edition_id", edition.ID),
						slog.String("email", sub.Email),
						slog.String("error", err.Error()),
					)
				} else {
					result.Sent++
				}
			}(sub)
		}
		wg.Wait()

		processed += len(batch)
		if !testMode && processed-lastCheckpoint >= checkpointInterval {
			m.checkpointStats(ctx, edition.ID, result)
			lastCheckpoint = processed
		}
	}
	return result
}

// deliverOne は1受信者への送信を行う。
// パーソナライズ、トラッキング埋め込み、送信、SENTイベントの記録まで。
func (m *Manager) deliverOne(ctx context.Context, newsletter *model.Newsletter, edition *model.Edition, sub *model.Subscriber, testMode bool) error {
	now := time.Now().UTC()

	html, text, err := m.personalizer.Render(newsletter, edition, sub, now)
	if err != nil {
		return err
	}

	trackingID := NewTrackingID(edition.ID, sub.ID)
	html = RewriteLinks(html, m.config.TrackingBaseURL, trackingID)
	html = InjectTrackingPixel(html, m.config.TrackingBaseURL, trackingID)

	oneClickURL, err := m.personalizer.OneClickUnsubscribeURL(sub.ID, newsletter.ID, now)
	if err != nil {
		return err
	}

	msg := &email.Message{
		From:    m.config.FromAddress,
		To:      sub.Email,
		Subject: edition.Subject,
		HTML:    html,
		Text:    text,
		Headers: map[string]string{
			"List-Unsubscribe": fmt.Sprintf("<mailto:%s?subject=unsubscribe>, <%s>",
				m.config.FromAddress, oneClickURL),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
			"X-Newsletter-ID":       newsletter.ID,
			"X-Edition-ID":          edition.ID,
		},
	}

	if err := m.sender.Send(ctx, msg); err != nil {
		return err
	}

	if !testMode {
		event := &model.SubscriberEvent{
			ID:           uuid.NewString(),
			SubscriberID: sub.ID,
			EditionID:    edition.ID,
			Type:         model.EventTypeSent,
			TrackingID:   trackingID,
			OccurredAt:   now,
		}
		if err := m.events.Append(ctx, event); err != nil {
			// 送信自体は成功しているため失敗扱いにはしない
			m.logger.Error("SENTイベントの記録に失敗しました",
				slog.String("edition_id", edition.ID),
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// checkpointStats は現時点の送信数を統計テーブルへ書き出す。
func (m *Manager) checkpointStats(ctx context.Context, editionID string, result *Result) {
	stats := &model.EditionStats{
		EditionID:      editionID,
		SentCount:      result.Sent,
		DeliveredCount: result.Sent,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := m.editions.UpsertStats(ctx, stats); err != nil {
		m.logger.Error("統計のチェックポイントに失敗しました",
			slog.String("edition_id", editionID),
			slog.String("error", err.Error()),
		)
	}
}
