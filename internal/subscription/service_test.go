package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsmill/internal/email"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/token"
)

// --- モック定義 ---

type mockSubscriberRepo struct {
	byEmail       map[string]*model.Subscriber
	byID          map[string]*model.Subscriber
	created       []*model.Subscriber
	subscriptions []string // "newsletterID/subscriberID"
	unsubscribed  []string
	statusUpdates map[string]model.SubscriberStatus
	verified      []string
}

func newMockSubscriberRepo() *mockSubscriberRepo {
	return &mockSubscriberRepo{
		byEmail:       make(map[string]*model.Subscriber),
		byID:          make(map[string]*model.Subscriber),
		statusUpdates: make(map[string]model.SubscriberStatus),
	}
}

func (m *mockSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	return m.byID[id], nil
}

func (m *mockSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	return m.byEmail[email], nil
}

func (m *mockSubscriberRepo) Create(ctx context.Context, s *model.Subscriber) error {
	m.created = append(m.created, s)
	m.byEmail[s.Email] = s
	m.byID[s.ID] = s
	return nil
}

func (m *mockSubscriberRepo) UpdateStatus(ctx context.Context, id string, status model.SubscriberStatus) error {
	m.statusUpdates[id] = status
	return nil
}

func (m *mockSubscriberRepo) MarkVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	m.verified = append(m.verified, id)
	return nil
}

func (m *mockSubscriberRepo) UpdateSegments(ctx context.Context, id string, segments []string) error {
	return nil
}

func (m *mockSubscriberRepo) Subscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error {
	m.subscriptions = append(m.subscriptions, newsletterID+"/"+subscriberID)
	return nil
}

func (m *mockSubscriberRepo) Unsubscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error {
	m.unsubscribed = append(m.unsubscribed, newsletterID+"/"+subscriberID)
	return nil
}

func (m *mockSubscriberRepo) FindSubscription(ctx context.Context, newsletterID, subscriberID string) (*model.NewsletterSubscriber, error) {
	return nil, nil
}

func (m *mockSubscriberRepo) ListActiveByNewsletter(ctx context.Context, newsletterID string) ([]*model.Subscriber, error) {
	return nil, nil
}

func (m *mockSubscriberRepo) ListByNewsletter(ctx context.Context, newsletterID string) ([]repository.SubscriberWithSubscription, error) {
	var rows []repository.SubscriberWithSubscription
	for _, s := range m.byID {
		rows = append(rows, repository.SubscriberWithSubscription{Subscriber: *s})
	}
	return rows, nil
}

func (m *mockSubscriberRepo) ListAll(ctx context.Context) ([]*model.Subscriber, error) {
	return nil, nil
}

type mockNewsletterRepo struct {
	newsletter *model.Newsletter
}

func (m *mockNewsletterRepo) FindByID(ctx context.Context, id string) (*model.Newsletter, error) {
	if m.newsletter != nil && m.newsletter.ID == id {
		return m.newsletter, nil
	}
	return nil, nil
}

func (m *mockNewsletterRepo) ListByUser(ctx context.Context, userID string) ([]*model.Newsletter, error) {
	return nil, nil
}

func (m *mockNewsletterRepo) ListActive(ctx context.Context) ([]*model.Newsletter, error) {
	return nil, nil
}

func (m *mockNewsletterRepo) Create(ctx context.Context, n *model.Newsletter) error { return nil }
func (m *mockNewsletterRepo) Update(ctx context.Context, n *model.Newsletter) error { return nil }
func (m *mockNewsletterRepo) Archive(ctx context.Context, id string) error          { return nil }
func (m *mockNewsletterRepo) RecountSubscribers(ctx context.Context) error          { return nil }

type mockSender struct {
	sent    []*email.Message
	sendErr error
}

func (m *mockSender) Send(ctx context.Context, msg *email.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockSender) SendBatch(ctx context.Context, msgs []*email.Message) []error {
	errs := make([]error, len(msgs))
	for i, msg := range msgs {
		errs[i] = m.Send(ctx, msg)
	}
	return errs
}

type mockRecorder struct {
	recorded []string
}

func (m *mockRecorder) RecordUnsubscribe(ctx context.Context, subscriberID, editionID string) error {
	m.recorded = append(m.recorded, subscriberID)
	return nil
}

var (
	_ repository.SubscriberRepository = (*mockSubscriberRepo)(nil)
	_ repository.NewsletterRepository = (*mockNewsletterRepo)(nil)
	_ email.Sender                    = (*mockSender)(nil)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNewsletter() *model.Newsletter {
	return &model.Newsletter{
		ID:     "nl-1",
		UserID: "user-1",
		Name:   "Tech Weekly",
		Niche:  "tech",
		Status: model.NewsletterStatusActive,
	}
}

func newTestService(subs *mockSubscriberRepo, nls *mockNewsletterRepo, sender *mockSender, recorder *mockRecorder) *Service {
	var rec UnsubscribeRecorder
	if recorder != nil {
		rec = recorder
	}
	return NewService(subs, nls, token.NewManager("test-secret"), sender, rec,
		Config{FromAddress: "digest@news.example.com", BaseURL: "https://news.example.com/"},
		discardLogger())
}

// TestSubscribe_NewSubscriber_SendsVerification は新規購読者の作成と
// 確認メールの送信を検証する。
func TestSubscribe_NewSubscriber_SendsVerification(t *testing.T) {
	subs := newMockSubscriberRepo()
	sender := &mockSender{}
	svc := newTestService(subs, &mockNewsletterRepo{newsletter: testNewsletter()}, sender, nil)

	sub, err := svc.Subscribe(context.Background(), "nl-1", "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sub.Status != model.SubscriberStatusPending {
		t.Errorf("status = %q, want %q", sub.Status, model.SubscriberStatusPending)
	}
	if sub.VerificationToken == "" {
		t.Error("verification token should be set")
	}
	if len(subs.created) != 1 {
		t.Fatalf("created = %d, want 1", len(subs.created))
	}
	if len(subs.subscriptions) != 1 || subs.subscriptions[0] != "nl-1/"+sub.ID {
		t.Errorf("subscriptions = %v", subs.subscriptions)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "alice@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "Tech Weekly") {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "/api/v1/verify?token=") {
		t.Errorf("HTML should contain verification link: %q", msg.HTML)
	}
}

// TestSubscribe_ExistingVerifiedSubscriber_NoEmail は確認済み購読者の
// 再購読で確認メールが送られないことを検証する。
func TestSubscribe_ExistingVerifiedSubscriber_NoEmail(t *testing.T) {
	subs := newMockSubscriberRepo()
	verifiedAt := time.Now().Add(-24 * time.Hour)
	existing := &model.Subscriber{
		ID:         "sub-1",
		Email:      "bob@example.com",
		Status:     model.SubscriberStatusActive,
		VerifiedAt: &verifiedAt,
	}
	subs.byEmail[existing.Email] = existing
	subs.byID[existing.ID] = existing

	sender := &mockSender{}
	svc := newTestService(subs, &mockNewsletterRepo{newsletter: testNewsletter()}, sender, nil)

	sub, err := svc.Subscribe(context.Background(), "nl-1", "bob@example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sub.ID != "sub-1" {
		t.Errorf("should reuse existing subscriber: got %q", sub.ID)
	}
	if len(subs.created) != 0 {
		t.Errorf("should not create new subscriber: created = %d", len(subs.created))
	}
	if len(sender.sent) != 0 {
		t.Errorf("should not send verification email: sent = %d", len(sender.sent))
	}
}

// TestSubscribe_InvalidEmail は不正なメールアドレスでエラーが返ることを検証する。
func TestSubscribe_InvalidEmail(t *testing.T) {
	svc := newTestService(newMockSubscriberRepo(), &mockNewsletterRepo{newsletter: testNewsletter()}, &mockSender{}, nil)

	_, err := svc.Subscribe(context.Background(), "nl-1", "not-an-email", "")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidEmail {
		t.Errorf("expected invalid email error, got %v", err)
	}
}

// TestSubscribe_NewsletterNotFound は存在しないニュースレターでエラーが返ることを検証する。
func TestSubscribe_NewsletterNotFound(t *testing.T) {
	svc := newTestService(newMockSubscriberRepo(), &mockNewsletterRepo{}, &mockSender{}, nil)

	_, err := svc.Subscribe(context.Background(), "nl-missing", "alice@example.com", "")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNewsletterNotFound {
		t.Errorf("expected newsletter not found error, got %v", err)
	}
}

// TestSubscribe_ArchivedNewsletter はアーカイブ済みニュースレターへの
// 購読が拒否されることを検証する。
func TestSubscribe_ArchivedNewsletter(t *testing.T) {
	nl := testNewsletter()
	nl.Status = model.NewsletterStatusArchived
	svc := newTestService(newMockSubscriberRepo(), &mockNewsletterRepo{newsletter: nl}, &mockSender{}, nil)

	_, err := svc.Subscribe(context.Background(), "nl-1", "alice@example.com", "")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNewsletterNotFound {
		t.Errorf("expected newsletter not found error, got %v", err)
	}
}

// TestSubscribe_EmailFailureDoesNotFailSubscription は確認メール送信の失敗が
// 購読自体を失敗させないことを検証する。
func TestSubscribe_EmailFailureDoesNotFailSubscription(t *testing.T) {
	subs := newMockSubscriberRepo()
	sender := &mockSender{sendErr: fmt.Errorf("smtp down")}
	svc := newTestService(subs, &mockNewsletterRepo{newsletter: testNewsletter()}, sender, nil)

	sub, err := svc.Subscribe(context.Background(), "nl-1", "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("subscription should succeed despite email failure: %v", err)
	}
	if sub == nil {
		t.Fatal("expected subscriber")
	}
	if len(subs.subscriptions) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(subs.subscriptions))
	}
}

// TestVerify_MarksSubscriberVerified はトークン検証で購読者が
// アクティブになることを検証する。
func TestVerify_MarksSubscriberVerified(t *testing.T) {
	subs := newMockSubscriberRepo()
	sub := &model.Subscriber{ID: "sub-1", Email: "alice@example.com", Status: model.SubscriberStatusPending}
	subs.byID[sub.ID] = sub

	tokens := token.NewManager("test-secret")
	now := time.Now()
	tok, err := tokens.IssueVerification("sub-1", now)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	svc := newTestService(subs, &mockNewsletterRepo{newsletter: testNewsletter()}, &mockSender{}, nil)

	verified, err := svc.Verify(context.Background(), tok, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verified.Status != model.SubscriberStatusActive {
		t.Errorf("status = %q, want active", verified.Status)
	}
	if len(subs.verified) != 1 || subs.verified[0] != "sub-1" {
		t.Errorf("verified = %v", subs.verified)
	}
}

// TestVerify_ExpiredToken は期限切れトークンでエラーが返ることを検証する。
func TestVerify_ExpiredToken(t *testing.T) {
	tokens := token.NewManager("test-secret")
	now := time.Now()
	tok, _ := tokens.IssueVerification("sub-1", now)

	svc := newTestService(newMockSubscriberRepo(), &mockNewsletterRepo{}, &mockSender{}, nil)

	_, err := svc.Verify(context.Background(), tok, now.Add(token.VerificationTokenTTL+time.Hour))

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidToken {
		t.Errorf("expected invalid token error, got %v", err)
	}
}

// TestVerify_UnknownSubscriber はトークンが指す購読者が存在しない場合に
// エラーが返ることを検証する。
func TestVerify_UnknownSubscriber(t *testing.T) {
	tokens := token.NewManager("test-secret")
	now := time.Now()
	tok, _ := tokens.IssueVerification("sub-ghost", now)

	svc := newTestService(newMockSubscriberRepo(), &mockNewsletterRepo{}, &mockSender{}, nil)

	_, err := svc.Verify(context.Background(), tok, now)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidToken {
		t.Errorf("expected invalid token error, got %v", err)
	}
}

// TestUnsubscribe_RemovesSubscriptionAndRecordsEvent は購読解除トークンで
// 購読解除・状態更新・イベント記録が行われることを検証する。
func TestUnsubscribe_RemovesSubscriptionAndRecordsEvent(t *testing.T) {
	subs := newMockSubscriberRepo()
	recorder := &mockRecorder{}
	svc := newTestService(subs, &mockNewsletterRepo{newsletter: testNewsletter()}, &mockSender{}, recorder)

	tokens := token.NewManager("test-secret")
	now := time.Now()
	tok, err := tokens.IssueUnsubscribe("sub-1", "nl-1", now)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if err := svc.Unsubscribe(context.Background(), tok, now.Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(subs.unsubscribed) != 1 || subs.unsubscribed[0] != "nl-1/sub-1" {
		t.Errorf("unsubscribed = %v", subs.unsubscribed)
	}
	if subs.statusUpdates["sub-1"] != model.SubscriberStatusUnsubscribed {
		t.Errorf("status = %q, want unsubscribed", subs.statusUpdates["sub-1"])
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0] != "sub-1" {
		t.Errorf("recorded = %v", recorder.recorded)
	}
}

// TestUnsubscribe_TamperedToken は改ざんされたトークンでエラーが返ることを検証する。
func TestUnsubscribe_TamperedToken(t *testing.T) {
	subs := newMockSubscriberRepo()
	svc := newTestService(subs, &mockNewsletterRepo{}, &mockSender{}, nil)

	tokens := token.NewManager("test-secret")
	tok, _ := tokens.IssueUnsubscribe("sub-1", "nl-1", time.Now())

	err := svc.Unsubscribe(context.Background(), tok+"x", time.Now())

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidToken {
		t.Errorf("expected invalid token error, got %v", err)
	}
	if len(subs.unsubscribed) != 0 {
		t.Errorf("should not unsubscribe: %v", subs.unsubscribed)
	}
}
