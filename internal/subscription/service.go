// Package subscription は購読の開始・確認・解除のドメインロジックを提供する。
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/email"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/token"
)

// UnsubscribeRecorder は購読解除イベントの記録に必要なインターフェース。
// tracking.Trackerの部分集合として定義する。
type UnsubscribeRecorder interface {
	RecordUnsubscribe(ctx context.Context, subscriberID, editionID string) error
}

// Config は購読サービスの設定。
type Config struct {
	FromAddress string // 確認メールの差出人
	BaseURL     string // 確認リンクのベースURL
}

// Service は購読管理のサービス層。
// 購読開始時のメール確認フロー、トークンによる確認・解除を提供する。
type Service struct {
	subscribers repository.SubscriberRepository
	newsletters repository.NewsletterRepository
	tokens      *token.Manager
	sender      email.Sender
	recorder    UnsubscribeRecorder
	config      Config
	logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	subscribers repository.SubscriberRepository,
	newsletters repository.NewsletterRepository,
	tokens *token.Manager,
	sender email.Sender,
	recorder UnsubscribeRecorder,
	config Config,
	logger *slog.Logger,
) *Service {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Service{
		subscribers: subscribers,
		newsletters: newsletters,
		tokens:      tokens,
		sender:      sender,
		recorder:    recorder,
		config:      config,
		logger:      logger,
	}
}

// Subscribe はニュースレターへの購読を開始する。
// 既存の購読者はメールアドレスで再利用し、未確認の購読者には確認メールを送信する。
// 確認メールの送信失敗は購読自体を失敗させず、ログに記録する。
func (s *Service) Subscribe(ctx context.Context, newsletterID, emailAddr, name string) (*model.Subscriber, error) {
	addr, err := mail.ParseAddress(emailAddr)
	if err != nil {
		return nil, model.NewInvalidEmailError(emailAddr)
	}

	newsletter, err := s.newsletters.FindByID(ctx, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("ニュースレターの取得に失敗しました: %w", err)
	}
	if newsletter == nil || !model.IsNewsletterActive(newsletter) {
		return nil, model.NewNewsletterNotFoundError(newsletterID)
	}

	now := time.Now()

	sub, err := s.subscribers.FindByEmail(ctx, addr.Address)
	if err != nil {
		return nil, fmt.Errorf("購読者の検索に失敗しました: %w", err)
	}
	if sub == nil {
		sub = &model.Subscriber{
			ID:        uuid.NewString(),
			Email:     addr.Address,
			Name:      name,
			Status:    model.SubscriberStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		verificationToken, err := s.tokens.IssueVerification(sub.ID, now)
		if err != nil {
			return nil, fmt.Errorf("確認トークンの発行に失敗しました: %w", err)
		}
		sub.VerificationToken = verificationToken

		if err := s.subscribers.Create(ctx, sub); err != nil {
			return nil, fmt.Errorf("購読者の作成に失敗しました: %w", err)
		}
	}

	if err := s.subscribers.Subscribe(ctx, newsletterID, sub.ID, now); err != nil {
		return nil, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	// 未確認の購読者には確認メールを送る
	if sub.VerifiedAt == nil {
		if err := s.sendVerificationEmail(ctx, newsletter, sub, now); err != nil {
			s.logger.Warn("確認メールの送信に失敗",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("購読を受け付けました",
		slog.String("newsletter_id", newsletterID),
		slog.String("subscriber_id", sub.ID),
		slog.Bool("verified", sub.VerifiedAt != nil),
	)
	return sub, nil
}

// Verify はメール確認トークンを検証し、購読者をアクティブにする。
// 既に確認済みの場合も成功として扱う。
func (s *Service) Verify(ctx context.Context, tok string, now time.Time) (*model.Subscriber, error) {
	subscriberID, err := s.tokens.VerifyVerification(tok, now)
	if err != nil {
		return nil, err
	}

	sub, err := s.subscribers.FindByID(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return nil, model.NewInvalidTokenError()
	}

	if sub.VerifiedAt == nil {
		if err := s.subscribers.MarkVerified(ctx, sub.ID, now); err != nil {
			return nil, fmt.Errorf("確認状態の更新に失敗しました: %w", err)
		}
		sub.VerifiedAt = &now
		sub.Status = model.SubscriberStatusActive
		s.logger.Info("購読者を確認済みにしました", slog.String("subscriber_id", sub.ID))
	}
	return sub, nil
}

// Unsubscribe は購読解除トークンを検証し、該当する購読を解除する。
// 購読解除イベントを記録し、購読者の状態をunsubscribedに更新する。
func (s *Service) Unsubscribe(ctx context.Context, tok string, now time.Time) error {
	subscriberID, newsletterID, err := s.tokens.VerifyUnsubscribe(tok, now)
	if err != nil {
		return err
	}

	if err := s.subscribers.Unsubscribe(ctx, newsletterID, subscriberID, now); err != nil {
		return fmt.Errorf("購読の解除に失敗しました: %w", err)
	}
	if err := s.subscribers.UpdateStatus(ctx, subscriberID, model.SubscriberStatusUnsubscribed); err != nil {
		return fmt.Errorf("購読者状態の更新に失敗しました: %w", err)
	}

	if s.recorder != nil {
		if err := s.recorder.RecordUnsubscribe(ctx, subscriberID, ""); err != nil {
			s.logger.Warn("購読解除イベントの記録に失敗",
				slog.String("subscriber_id", subscriberID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("購読を解除しました",
		slog.String("newsletter_id", newsletterID),
		slog.String("subscriber_id", subscriberID),
	)
	return nil
}

// ListByNewsletter はニュースレターの購読者一覧を購読情報付きで返す。
func (s *Service) ListByNewsletter(ctx context.Context, newsletterID string) ([]repository.SubscriberWithSubscription, error) {
	newsletter, err := s.newsletters.FindByID(ctx, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("ニュースレターの取得に失敗しました: %w", err)
	}
	if newsletter == nil {
		return nil, model.NewNewsletterNotFoundError(newsletterID)
	}
	rows, err := s.subscribers.ListByNewsletter(ctx, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	return rows, nil
}

// VerificationURL はメール確認リンクを生成する。
func (s *Service) VerificationURL(tok string) string {
	return fmt.Sprintf("%s/api/v1/verify?token=%s", s.config.BaseURL, url.QueryEscape(tok))
}

// sendVerificationEmail は確認リンク付きのメールを送信する。
func (s *Service) sendVerificationEmail(ctx context.Context, newsletter *model.Newsletter, sub *model.Subscriber, now time.Time) error {
	verificationToken, err := s.tokens.IssueVerification(sub.ID, now)
	if err != nil {
		return fmt.Errorf("確認トークンの発行に失敗しました: %w", err)
	}
	verifyURL := s.VerificationURL(verificationToken)

	msg := &email.Message{
		From:    s.config.FromAddress,
		To:      sub.Email,
		Subject: fmt.Sprintf("Confirm your subscription to %s", newsletter.Name),
		Text: fmt.Sprintf(
			"Thanks for subscribing to %s!\n\nPlease confirm your email address by opening the link below:\n\n%s\n\nIf you did not request this, you can ignore this email.\n",
			newsletter.Name, verifyURL),
		HTML: fmt.Sprintf(
			`<html><body><p>Thanks for subscribing to <strong>%s</strong>!</p><p>Please confirm your email address:</p><p><a href="%s">Confirm subscription</a></p><p>If you did not request this, you can ignore this email.</p></body></html>`,
			newsletter.Name, verifyURL),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("確認メールの送信に失敗しました: %w", err)
	}
	return nil
}
