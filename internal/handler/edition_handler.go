package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmill/internal/delivery"
	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// GeneratorInterface はエディションハンドラーが必要とする生成サービスインターフェース。
type GeneratorInterface interface {
	// GenerateEdition はニュースレターの新しいエディションを生成する。
	GenerateEdition(ctx context.Context, newsletterID string, scheduledFor *time.Time) (*model.Edition, error)
}

// DeliveryInterface はエディションハンドラーが必要とする配信サービスインターフェース。
type DeliveryInterface interface {
	// SendEdition はエディションを配信する。
	SendEdition(ctx context.Context, editionID string, testMode bool, testEmails []string) (*delivery.Result, error)
	// ResendFailed は未配信の購読者にのみ再送信する。
	ResendFailed(ctx context.Context, editionID string) (*delivery.Result, error)
}

// EditionHandler はエディション管理のHTTPハンドラー。
type EditionHandler struct {
	generator   GeneratorInterface
	delivery    DeliveryInterface
	editions    repository.EditionRepository
	newsletters repository.NewsletterRepository
}

// NewEditionHandler はEditionHandlerを生成する。
func NewEditionHandler(
	generator GeneratorInterface,
	deliveryManager DeliveryInterface,
	editions repository.EditionRepository,
	newsletters repository.NewsletterRepository,
) *EditionHandler {
	return &EditionHandler{
		generator:   generator,
		delivery:    deliveryManager,
		editions:    editions,
		newsletters: newsletters,
	}
}

// generateEditionRequest はエディション生成リクエストのボディ。
type generateEditionRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

// sendEditionRequest はエディション送信リクエストのボディ。
type sendEditionRequest struct {
	TestMode   bool     `json:"test_mode"`
	TestEmails []string `json:"test_emails"`
}

// editionResponse はエディション情報のAPIレスポンス。
type editionResponse struct {
	ID           string               `json:"id"`
	NewsletterID string               `json:"newsletter_id"`
	Subject      string               `json:"subject"`
	Content      model.EditionContent `json:"content"`
	Status       string               `json:"status"`
	ScheduledFor *time.Time           `json:"scheduled_for,omitempty"`
	SentAt       *time.Time           `json:"sent_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// sendResultResponse は配信結果のAPIレスポンス。
type sendResultResponse struct {
	Sent   int               `json:"sent"`
	Failed []failureResponse `json:"failed"`
	Total  int               `json:"total"`
}

type failureResponse struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// statsResponse はエディション統計のAPIレスポンス。
type statsResponse struct {
	EditionID         string  `json:"edition_id"`
	SentCount         int     `json:"sent_count"`
	DeliveredCount    int     `json:"delivered_count"`
	OpenedCount       int     `json:"opened_count"`
	ClickedCount      int     `json:"clicked_count"`
	BouncedCount      int     `json:"bounced_count"`
	ComplainedCount   int     `json:"complained_count"`
	UnsubscribedCount int     `json:"unsubscribed_count"`
	OpenRate          float64 `json:"open_rate"`
	ClickRate         float64 `json:"click_rate"`
}

// Generate はニュースレターの新しいエディションを生成する。
// POST /api/v1/newsletters/{id}/editions
func (h *EditionHandler) Generate(w http.ResponseWriter, r *http.Request) {
	newsletterID, ok := requireOwnedNewsletter(w, r, h.newsletters, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req generateEditionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidRequestBody(w)
			return
		}
	}

	edition, err := h.generator.GenerateEdition(r.Context(), newsletterID, req.ScheduledFor)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEditionResponse(edition))
}

// List はニュースレターのエディション一覧を返す。
// GET /api/v1/newsletters/{id}/editions
func (h *EditionHandler) List(w http.ResponseWriter, r *http.Request) {
	newsletterID, ok := requireOwnedNewsletter(w, r, h.newsletters, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	editions, err := h.editions.ListByNewsletter(r.Context(), newsletterID, 50)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]editionResponse, len(editions))
	for i, e := range editions {
		responses[i] = toEditionResponse(e)
	}
	writeJSON(w, http.StatusOK, responses)
}

// Get はエディション詳細を返す。
// GET /api/v1/editions/{id}
func (h *EditionHandler) Get(w http.ResponseWriter, r *http.Request) {
	edition, ok := findOwnedEdition(w, r, h.editions, h.newsletters)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toEditionResponse(edition))
}

// Send はエディションを配信する。
// POST /api/v1/editions/{id}/send
func (h *EditionHandler) Send(w http.ResponseWriter, r *http.Request) {
	edition, ok := findOwnedEdition(w, r, h.editions, h.newsletters)
	if !ok {
		return
	}

	var req sendEditionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidRequestBody(w)
			return
		}
	}

	result, err := h.delivery.SendEdition(r.Context(), edition.ID, req.TestMode, req.TestEmails)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSendResultResponse(result))
}

// ResendFailed は前回の配信で未到達だった購読者にのみ再送信する。
// POST /api/v1/editions/{id}/resend-failed
func (h *EditionHandler) ResendFailed(w http.ResponseWriter, r *http.Request) {
	edition, ok := findOwnedEdition(w, r, h.editions, h.newsletters)
	if !ok {
		return
	}

	result, err := h.delivery.ResendFailed(r.Context(), edition.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSendResultResponse(result))
}

// Stats はエディションの配信統計を返す。
// GET /api/v1/editions/{id}/stats
func (h *EditionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	edition, ok := findOwnedEdition(w, r, h.editions, h.newsletters)
	if !ok {
		return
	}

	stats, err := h.editions.GetStats(r.Context(), edition.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if stats == nil {
		// 未送信エディションは0埋めの統計を返す
		stats = &model.EditionStats{EditionID: edition.ID}
	}

	writeJSON(w, http.StatusOK, statsResponse{
		EditionID:         stats.EditionID,
		SentCount:         stats.SentCount,
		DeliveredCount:    stats.DeliveredCount,
		OpenedCount:       stats.OpenedCount,
		ClickedCount:      stats.ClickedCount,
		BouncedCount:      stats.BouncedCount,
		ComplainedCount:   stats.ComplainedCount,
		UnsubscribedCount: stats.UnsubscribedCount,
		OpenRate:          stats.OpenRate(),
		ClickRate:         stats.ClickRate(),
	})
}

// findOwnedEdition はパスパラメータのエディションを取得し、
// 親ニュースレターの所有権を検証する。
func findOwnedEdition(w http.ResponseWriter, r *http.Request, editions repository.EditionRepository, newsletters repository.NewsletterRepository) (*model.Edition, bool) {
	id := chi.URLParam(r, "id")
	edition, err := editions.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if edition == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewEditionNotFoundError(id))
		return nil, false
	}

	if _, ok := requireOwnedNewsletter(w, r, newsletters, edition.NewsletterID); !ok {
		return nil, false
	}
	return edition, true
}

// requireOwnedNewsletter は認証済みユーザーがニュースレターの所有者で
// あることを検証する。他人のニュースレターは存在自体を隠すため404を返す。
func requireOwnedNewsletter(w http.ResponseWriter, r *http.Request, newsletters repository.NewsletterRepository, newsletterID string) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return "", false
	}

	newsletter, err := newsletters.FindByID(r.Context(), newsletterID)
	if err != nil {
		handleServiceError(w, err)
		return "", false
	}
	if newsletter == nil || newsletter.UserID != userID {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNewsletterNotFoundError(newsletterID))
		return "", false
	}
	return newsletterID, true
}

func toEditionResponse(e *model.Edition) editionResponse {
	return editionResponse{
		ID:           e.ID,
		NewsletterID: e.NewsletterID,
		Subject:      e.Subject,
		Content:      e.Content,
		Status:       string(e.Status),
		ScheduledFor: e.ScheduledFor,
		SentAt:       e.SentAt,
		CreatedAt:    e.CreatedAt,
	}
}

func toSendResultResponse(result *delivery.Result) sendResultResponse {
	failed := make([]failureResponse, len(result.Failed))
	for i, f := range result.Failed {
		failed[i] = failureResponse{Email: f.Email, Reason: f.Reason}
	}
	return sendResultResponse{
		Sent:   result.Sent,
		Failed: failed,
		Total:  result.Total,
	}
}
