package segment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Classify のテスト ---

// TestClassify はセグメント判定規則をテストする。
func TestClassify(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	oldSubscriber := &model.Subscriber{ID: "sub-1", CreatedAt: now.Add(-60 * 24 * time.Hour)}

	tests := []struct {
		name     string
		sub      *model.Subscriber
		recent   *model.EngagementSummary
		longTerm *model.EngagementSummary
		want     []string
	}{
		{
			name:   "開封率50%以上かつ5回以上はhighly_engaged",
			sub:    oldSubscriber,
			recent: &model.EngagementSummary{SentCount: 10, OpenCount: 6},
			want:   []string{model.SegmentHighlyEngaged},
		},
		{
			name:   "開封率は高いが回数不足はregular",
			sub:    oldSubscriber,
			recent: &model.EngagementSummary{SentCount: 4, OpenCount: 3},
			want:   []string{model.SegmentRegular},
		},
		{
			name:   "開封率20%以上はregular",
			sub:    oldSubscriber,
			recent: &model.EngagementSummary{SentCount: 10, OpenCount: 3},
			want:   []string{model.SegmentRegular},
		},
		{
			name:     "直近開封なしでも過去90日に開封があればat_risk",
			sub:      oldSubscriber,
			recent:   &model.EngagementSummary{SentCount: 4, OpenCount: 0},
			longTerm: &model.EngagementSummary{SentCount: 12, OpenCount: 3},
			want:     []string{model.SegmentAtRisk},
		},
		{
			name:     "90日間開封なしはinactive",
			sub:      oldSubscriber,
			recent:   &model.EngagementSummary{SentCount: 4, OpenCount: 0},
			longTerm: &model.EngagementSummary{SentCount: 12, OpenCount: 0},
			want:     []string{model.SegmentInactive},
		},
		{
			name: "集計が存在しない古い購読者はinactive",
			sub:  oldSubscriber,
			want: []string{model.SegmentInactive},
		},
		{
			name: "登録7日以内はnew",
			sub:  &model.Subscriber{ID: "sub-2", CreatedAt: now.Add(-2 * 24 * time.Hour)},
			want: []string{model.SegmentNew},
		},
		{
			name:   "新規かつエンゲージ済みは両方",
			sub:    &model.Subscriber{ID: "sub-3", CreatedAt: now.Add(-2 * 24 * time.Hour)},
			recent: &model.EngagementSummary{SentCount: 2, OpenCount: 1},
			want:   []string{model.SegmentNew, model.SegmentRegular},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.sub, tt.recent, tt.longTerm, now)
			if len(got) != len(tt.want) {
				t.Fatalf("期待: %v, 結果: %v", tt.want, got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("期待: %v, 結果: %v", tt.want, got)
				}
			}
		})
	}
}

// --- モック定義 ---

type mockSubscriberRepo struct {
	all     []*model.Subscriber
	updates map[string][]string
}

func (m *mockSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	return nil, nil
}
func (m *mockSubscriberRepo) FindByEmail(ctx context.Context, e string) (*model.Subscriber, error) {
	return nil, nil
}
func (m *mockSubscriberRepo) Create(ctx context.Context, s *model.Subscriber) error { return nil }
func (m *mockSubscriberRepo) UpdateStatus(ctx context.Context, id string, status model.SubscriberStatus) error {
	return nil
}
func (m *mockSubscriberRepo) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (m *mockSubscriberRepo) UpdateSegments(ctx context.Context, id string, segments []string) error {
	if m.updates == nil {
		m.updates = map[string][]string{}
	}
	m.updates[id] = segments
	return nil
}
func (m *mockSubscriberRepo) Subscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error {
	return nil
}
func (m *mockSubscriberRepo) Unsubscribe(ctx context.Context, newsletterID, subscriberID string, at time.Time) error {
	return nil
}
func (m *mockSubscriberRepo) FindSubscription(ctx context.Context, newsletterID, subscriberID string) (*model.NewsletterSubscriber, error) {
	return nil, nil
}
func (m *mockSubscriberRepo) ListActiveByNewsletter(ctx context.Context, newsletterID string) ([]*model.Subscriber, error) {
	return nil, nil
}
func (m *mockSubscriberRepo) ListByNewsletter(ctx context.Context, newsletterID string) ([]repository.SubscriberWithSubscription, error) {
	return nil, nil
}
func (m *mockSubscriberRepo) ListAll(ctx context.Context) ([]*model.Subscriber, error) {
	return m.all, nil
}

type mockEventRepo struct {
	recent   []*model.EngagementSummary
	longTerm []*model.EngagementSummary
}

func (m *mockEventRepo) Append(ctx context.Context, ev *model.SubscriberEvent) error { return nil }
func (m *mockEventRepo) FindSentByTrackingID(ctx context.Context, trackingID string) (*model.SubscriberEvent, error) {
	return nil, nil
}
func (m *mockEventRepo) AppendFirstOfKind(ctx context.Context, ev *model.SubscriberEvent) (bool, error) {
	ev.FirstOfKind = true
	return true, m.Append(ctx, ev)
}
func (m *mockEventRepo) ListSentSubscriberIDs(ctx context.Context, editionID string) (map[string]bool, error) {
	return nil, nil
}
func (m *mockEventRepo) EngagementSince(ctx context.Context, since time.Time) ([]*model.EngagementSummary, error) {
	// 30日窓と90日窓の2回呼ばれる。遡りが深い方がlongTerm。
	if time.Since(since) > 60*24*time.Hour {
		return m.longTerm, nil
	}
	return m.recent, nil
}
func (m *mockEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

var (
	_ repository.SubscriberRepository = (*mockSubscriberRepo)(nil)
	_ repository.EventRepository      = (*mockEventRepo)(nil)
)

// --- RecomputeAll のテスト ---

// TestRecomputeAll_UpdatesChangedSegments は変化した購読者のみ更新されることをテストする。
func TestRecomputeAll_UpdatesChangedSegments(t *testing.T) {
	now := time.Now()
	old := now.Add(-60 * 24 * time.Hour)
	subscribers := &mockSubscriberRepo{
		all: []*model.Subscriber{
			{ID: "sub-1", CreatedAt: old, Segments: []string{model.SegmentRegular}},
			{ID: "sub-2", CreatedAt: old, Segments: []string{model.SegmentInactive}},
		},
	}
	events := &mockEventRepo{
		recent: []*model.EngagementSummary{
			{SubscriberID: "sub-1", SentCount: 10, OpenCount: 8},
		},
		longTerm: []*model.EngagementSummary{
			{SubscriberID: "sub-1", SentCount: 30, OpenCount: 20},
		},
	}
	c := NewClassifier(subscribers, events, discardLogger())

	if err := c.RecomputeAll(context.Background(), now); err != nil {
		t.Fatalf("RecomputeAll returned error: %v", err)
	}

	got1 := subscribers.updates["sub-1"]
	if len(got1) != 1 || got1[0] != model.SegmentHighlyEngaged {
		t.Errorf("sub-1はhighly_engagedに更新されるべき。結果: %v", got1)
	}
	if _, ok := subscribers.updates["sub-2"]; ok {
		t.Error("セグメントが変化しないsub-2は更新すべきではない")
	}
}
