package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// AnalyticsHandler は運営者向け分析エンドポイントのHTTPハンドラー。
// 配信統計と購読者イベントを横断集計する。
type AnalyticsHandler struct {
	newsletters repository.NewsletterRepository
	editions    repository.EditionRepository
	subscribers repository.SubscriberRepository
	events      repository.EventRepository
}

// NewAnalyticsHandler はAnalyticsHandlerを生成する。
func NewAnalyticsHandler(
	newsletters repository.NewsletterRepository,
	editions repository.EditionRepository,
	subscribers repository.SubscriberRepository,
	events repository.EventRepository,
) *AnalyticsHandler {
	return &AnalyticsHandler{
		newsletters: newsletters,
		editions:    editions,
		subscribers: subscribers,
		events:      events,
	}
}

// overviewResponse はニュースレター横断の概況レスポンス。
type overviewResponse struct {
	Newsletters []newsletterOverview `json:"newsletters"`
}

type newsletterOverview struct {
	NewsletterID    string  `json:"newsletter_id"`
	Name            string  `json:"name"`
	SubscriberCount int     `json:"subscriber_count"`
	EditionCount    int     `json:"edition_count"`
	TotalSent       int     `json:"total_sent"`
	AvgOpenRate     float64 `json:"avg_open_rate"`
	AvgClickRate    float64 `json:"avg_click_rate"`
}

// growthResponse はニュースレターごとの購読者増減レスポンス。
type growthResponse struct {
	Newsletters []newsletterGrowth `json:"newsletters"`
}

type newsletterGrowth struct {
	NewsletterID     string `json:"newsletter_id"`
	Name             string `json:"name"`
	ActiveCount      int    `json:"active_count"`
	PendingCount     int    `json:"pending_count"`
	UnsubscribedLast int    `json:"unsubscribed_last_30d"`
	SubscribedLast   int    `json:"subscribed_last_30d"`
}

// engagementResponse は購読者エンゲージメント分布のレスポンス。
type engagementResponse struct {
	Since          time.Time `json:"since"`
	SubscriberNum  int       `json:"subscriber_count"`
	HighlyEngaged  int       `json:"highly_engaged"`
	Engaged        int       `json:"engaged"`
	AtRisk         int       `json:"at_risk"`
	AvgOpenRatePct float64   `json:"avg_open_rate"`
}

// Overview はニュースレターごとの配信実績サマリーを返す。
// GET /api/v1/analytics/overview
func (h *AnalyticsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	newsletters, ok := h.listOwnedNewsletters(w, r)
	if !ok {
		return
	}

	overviews := make([]newsletterOverview, 0, len(newsletters))
	for _, n := range newsletters {
		statsList, err := h.editions.ListStatsByNewsletter(r.Context(), n.ID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		ov := newsletterOverview{
			NewsletterID:    n.ID,
			Name:            n.Name,
			SubscriberCount: n.SubscriberCount,
			EditionCount:    len(statsList),
		}
		var openSum, clickSum float64
		var rated int
		for _, s := range statsList {
			ov.TotalSent += s.SentCount
			if s.SentCount > 0 {
				openSum += s.OpenRate()
				clickSum += s.ClickRate()
				rated++
			}
		}
		if rated > 0 {
			ov.AvgOpenRate = openSum / float64(rated)
			ov.AvgClickRate = clickSum / float64(rated)
		}
		overviews = append(overviews, ov)
	}

	writeJSON(w, http.StatusOK, overviewResponse{Newsletters: overviews})
}

// Growth はニュースレターごとの直近30日間の購読者増減を返す。
// GET /api/v1/analytics/growth
func (h *AnalyticsHandler) Growth(w http.ResponseWriter, r *http.Request) {
	newsletters, ok := h.listOwnedNewsletters(w, r)
	if !ok {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -30)
	growths := make([]newsletterGrowth, 0, len(newsletters))
	for _, n := range newsletters {
		subs, err := h.subscribers.ListByNewsletter(r.Context(), n.ID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		g := newsletterGrowth{NewsletterID: n.ID, Name: n.Name}
		for _, s := range subs {
			switch s.Subscriber.Status {
			case model.SubscriberStatusActive:
				g.ActiveCount++
			case model.SubscriberStatusPending:
				g.PendingCount++
			}
			if s.SubscribedAt.After(cutoff) {
				g.SubscribedLast++
			}
			if s.UnsubscribedAt != nil && s.UnsubscribedAt.After(cutoff) {
				g.UnsubscribedLast++
			}
		}
		growths = append(growths, g)
	}

	writeJSON(w, http.StatusOK, growthResponse{Newsletters: growths})
}

// Engagement は直近90日間の購読者エンゲージメント分布を返す。
// GET /api/v1/analytics/engagement
func (h *AnalyticsHandler) Engagement(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.UserIDFromContext(r.Context()); err != nil {
		writeUnauthorized(w)
		return
	}

	since := time.Now().AddDate(0, 0, -90)
	summaries, err := h.events.EngagementSince(r.Context(), since)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := engagementResponse{Since: since, SubscriberNum: len(summaries)}
	var openRateSum float64
	for _, s := range summaries {
		// OpenRateは0〜1の割合を返す
		rate := s.OpenRate()
		openRateSum += rate
		switch {
		case rate >= 0.5 && s.OpenCount >= 5:
			resp.HighlyEngaged++
		case rate >= 0.2:
			resp.Engaged++
		case s.SentCount >= 5 && s.OpenCount == 0:
			resp.AtRisk++
		}
	}
	if len(summaries) > 0 {
		resp.AvgOpenRatePct = openRateSum / float64(len(summaries)) * 100
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *AnalyticsHandler) listOwnedNewsletters(w http.ResponseWriter, r *http.Request) ([]*model.Newsletter, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return nil, false
	}

	newsletters, err := h.newsletters.ListByUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	return newsletters, true
}
