package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// SubscriptionServiceInterface は購読者ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// Subscribe はニュースレターへの購読を開始し、必要に応じて確認メールを送信する。
	Subscribe(ctx context.Context, newsletterID, email, name string) (*model.Subscriber, error)
	// ListByNewsletter はニュースレターの購読者一覧を購読情報付きで返す。
	ListByNewsletter(ctx context.Context, newsletterID string) ([]repository.SubscriberWithSubscription, error)
}

// SubscriberHandler は購読者管理のHTTPハンドラー。
type SubscriberHandler struct {
	service     SubscriptionServiceInterface
	subscribers repository.SubscriberRepository
	newsletters repository.NewsletterRepository
}

// NewSubscriberHandler はSubscriberHandlerを生成する。
func NewSubscriberHandler(
	service SubscriptionServiceInterface,
	subscribers repository.SubscriberRepository,
	newsletters repository.NewsletterRepository,
) *SubscriberHandler {
	return &SubscriberHandler{
		service:     service,
		subscribers: subscribers,
		newsletters: newsletters,
	}
}

// subscribeRequest は購読開始リクエストのボディ。
type subscribeRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// subscriberResponse は購読者情報のAPIレスポンス。
type subscriberResponse struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	Status         string     `json:"status"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	Segments       []string   `json:"segments,omitempty"`
	SubscribedAt   *time.Time `json:"subscribed_at,omitempty"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
}

// Subscribe はニュースレターへの購読を開始する。
// POST /api/v1/newsletters/{id}/subscribers
func (h *SubscriberHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	newsletterID, ok := h.requireOwnedNewsletter(w, r)
	if !ok {
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	sub, err := h.service.Subscribe(r.Context(), newsletterID, req.Email, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSubscriberResponse(sub))
}

// List はニュースレターの購読者一覧を返す。
// GET /api/v1/newsletters/{id}/subscribers
func (h *SubscriberHandler) List(w http.ResponseWriter, r *http.Request) {
	newsletterID, ok := h.requireOwnedNewsletter(w, r)
	if !ok {
		return
	}

	rows, err := h.service.ListByNewsletter(r.Context(), newsletterID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]subscriberResponse, len(rows))
	for i, row := range rows {
		resp := toSubscriberResponse(&row.Subscriber)
		subscribedAt := row.SubscribedAt
		resp.SubscribedAt = &subscribedAt
		resp.UnsubscribedAt = row.UnsubscribedAt
		responses[i] = resp
	}
	writeJSON(w, http.StatusOK, responses)
}

// Get は購読者詳細を返す。
// GET /api/v1/subscribers/{id}
func (h *SubscriberHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.subscribers.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if sub == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewSubscriberNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, toSubscriberResponse(sub))
}

// Unsubscribe は購読者を配信停止状態にする。
// DELETE /api/v1/subscribers/{id}
func (h *SubscriberHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.subscribers.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if sub == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewSubscriberNotFoundError(id))
		return
	}

	if err := h.subscribers.UpdateStatus(r.Context(), id, model.SubscriberStatusUnsubscribed); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireOwnedNewsletter はパスパラメータのニュースレターが
// 認証済みユーザーの所有であることを検証し、IDを返す。
func (h *SubscriberHandler) requireOwnedNewsletter(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return "", false
	}

	id := chi.URLParam(r, "id")
	newsletter, err := h.newsletters.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return "", false
	}
	if newsletter == nil || newsletter.UserID != userID {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNewsletterNotFoundError(id))
		return "", false
	}
	return id, true
}

func toSubscriberResponse(s *model.Subscriber) subscriberResponse {
	return subscriberResponse{
		ID:         s.ID,
		Email:      s.Email,
		Name:       s.Name,
		Status:     string(s.Status),
		VerifiedAt: s.VerifiedAt,
		Segments:   s.Segments,
	}
}
