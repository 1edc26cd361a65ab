package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// --- モック定義 ---

// mockEventRepository はEventRepositoryのモック実装。
type mockEventRepository struct {
	summaries []*model.EngagementSummary
}

var _ repository.EventRepository = (*mockEventRepository)(nil)

func (m *mockEventRepository) Append(ctx context.Context, ev *model.SubscriberEvent) error {
	return nil
}

func (m *mockEventRepository) FindSentByTrackingID(ctx context.Context, trackingID string) (*model.SubscriberEvent, error) {
	return nil, nil
}

func (m *mockEventRepository) AppendFirstOfKind(ctx context.Context, ev *model.SubscriberEvent) (bool, error) {
	ev.FirstOfKind = true
	return true, m.Append(ctx, ev)
}

func (m *mockEventRepository) ListSentSubscriberIDs(ctx context.Context, editionID string) (map[string]bool, error) {
	return nil, nil
}

func (m *mockEventRepository) EngagementSince(ctx context.Context, since time.Time) ([]*model.EngagementSummary, error) {
	return m.summaries, nil
}

func (m *mockEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// --- GET /api/v1/analytics/overview テスト ---

func TestAnalyticsHandler_Overview_AggregatesStats(t *testing.T) {
	nl := testNewsletter("nl-1", "user-123")
	nl.SubscriberCount = 500
	nlRepo := newMockNewsletterRepository(nl)

	edRepo := newMockEditionRepository()
	edRepo.stats["ed-1"] = &model.EditionStats{EditionID: "ed-1", SentCount: 100, OpenedCount: 40, ClickedCount: 10}
	edRepo.stats["ed-2"] = &model.EditionStats{EditionID: "ed-2", SentCount: 100, OpenedCount: 20, ClickedCount: 10}

	h := NewAnalyticsHandler(nlRepo, edRepo, newMockSubscriberRepository(), &mockEventRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/overview", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Overview(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp overviewResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Newsletters) != 1 {
		t.Fatalf("len(newsletters) = %d, want 1", len(resp.Newsletters))
	}
	ov := resp.Newsletters[0]
	if ov.SubscriberCount != 500 {
		t.Errorf("subscriber_count = %d, want 500", ov.SubscriberCount)
	}
	if ov.TotalSent != 200 {
		t.Errorf("total_sent = %d, want 200", ov.TotalSent)
	}
	// (40% + 20%) / 2 = 30%
	if ov.AvgOpenRate != 30.0 {
		t.Errorf("avg_open_rate = %v, want 30.0", ov.AvgOpenRate)
	}
	if ov.AvgClickRate != 10.0 {
		t.Errorf("avg_click_rate = %v, want 10.0", ov.AvgClickRate)
	}
}

func TestAnalyticsHandler_Overview_NoNewsletters(t *testing.T) {
	h := NewAnalyticsHandler(newMockNewsletterRepository(), newMockEditionRepository(), newMockSubscriberRepository(), &mockEventRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/overview", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Overview(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp overviewResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Newsletters) != 0 {
		t.Errorf("len(newsletters) = %d, want 0", len(resp.Newsletters))
	}
}

// --- GET /api/v1/analytics/growth テスト ---

func TestAnalyticsHandler_Growth_CountsRecentChanges(t *testing.T) {
	nlRepo := newMockNewsletterRepository(testNewsletter("nl-1", "user-123"))

	recent := time.Now().AddDate(0, 0, -5)
	old := time.Now().AddDate(0, 0, -60)
	subRepo := newMockSubscriberRepository()
	subRepo.byNewsletter = map[string][]repository.SubscriberWithSubscription{
		"nl-1": {
			{Subscriber: model.Subscriber{ID: "s1", Status: model.SubscriberStatusActive}, SubscribedAt: recent},
			{Subscriber: model.Subscriber{ID: "s2", Status: model.SubscriberStatusActive}, SubscribedAt: old},
			{Subscriber: model.Subscriber{ID: "s3", Status: model.SubscriberStatusPending}, SubscribedAt: recent},
			{Subscriber: model.Subscriber{ID: "s4", Status: model.SubscriberStatusUnsubscribed}, SubscribedAt: old, UnsubscribedAt: &recent},
		},
	}

	h := NewAnalyticsHandler(nlRepo, newMockEditionRepository(), subRepo, &mockEventRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/growth", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Growth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp growthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Newsletters) != 1 {
		t.Fatalf("len(newsletters) = %d, want 1", len(resp.Newsletters))
	}
	g := resp.Newsletters[0]
	if g.ActiveCount != 2 {
		t.Errorf("active_count = %d, want 2", g.ActiveCount)
	}
	if g.PendingCount != 1 {
		t.Errorf("pending_count = %d, want 1", g.PendingCount)
	}
	if g.SubscribedLast != 2 {
		t.Errorf("subscribed_last_30d = %d, want 2", g.SubscribedLast)
	}
	if g.UnsubscribedLast != 1 {
		t.Errorf("unsubscribed_last_30d = %d, want 1", g.UnsubscribedLast)
	}
}

// --- GET /api/v1/analytics/engagement テスト ---

func TestAnalyticsHandler_Engagement_BucketsSubscribers(t *testing.T) {
	events := &mockEventRepository{
		summaries: []*model.EngagementSummary{
			// 開封率60%かつ開封5回以上 → highly_engaged
			{SubscriberID: "s1", SentCount: 10, OpenCount: 6, ClickCount: 2},
			// 開封率30% → engaged
			{SubscriberID: "s2", SentCount: 10, OpenCount: 3},
			// 送信5回以上で開封ゼロ → at_risk
			{SubscriberID: "s3", SentCount: 8, OpenCount: 0},
		},
	}
	h := NewAnalyticsHandler(newMockNewsletterRepository(), newMockEditionRepository(), newMockSubscriberRepository(), events)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/engagement", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Engagement(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp engagementResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SubscriberNum != 3 {
		t.Errorf("subscriber_count = %d, want 3", resp.SubscriberNum)
	}
	if resp.HighlyEngaged != 1 {
		t.Errorf("highly_engaged = %d, want 1", resp.HighlyEngaged)
	}
	if resp.Engaged != 1 {
		t.Errorf("engaged = %d, want 1", resp.Engaged)
	}
	if resp.AtRisk != 1 {
		t.Errorf("at_risk = %d, want 1", resp.AtRisk)
	}
}

func TestAnalyticsHandler_Engagement_Unauthenticated(t *testing.T) {
	h := NewAnalyticsHandler(newMockNewsletterRepository(), newMockEditionRepository(), newMockSubscriberRepository(), &mockEventRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/engagement", nil)
	w := httptest.NewRecorder()

	h.Engagement(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
