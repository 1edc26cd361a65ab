package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// NewsletterHandler はニュースレター管理のHTTPハンドラー。
type NewsletterHandler struct {
	newsletters repository.NewsletterRepository
}

// NewNewsletterHandler はNewsletterHandlerを生成する。
func NewNewsletterHandler(newsletters repository.NewsletterRepository) *NewsletterHandler {
	return &NewsletterHandler{newsletters: newsletters}
}

// newsletterRequest はニュースレター作成・更新リクエストのボディ。
// 更新時はnilでないフィールドのみ反映する。
type newsletterRequest struct {
	Name     string                    `json:"name"`
	Niche    string                    `json:"niche"`
	Settings *model.NewsletterSettings `json:"settings"`
}

// newsletterResponse はニュースレター情報のAPIレスポンス。
type newsletterResponse struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	Niche           string                   `json:"niche"`
	Status          string                   `json:"status"`
	Settings        model.NewsletterSettings `json:"settings"`
	SubscriberCount int                      `json:"subscriber_count"`
	CreatedAt       time.Time                `json:"created_at"`
}

// Create はニュースレターを作成する。
// POST /api/v1/newsletters
func (h *NewsletterHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req newsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.Name == "" || req.Niche == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "nameとnicheは必須です。",
			Category: "validation",
			Action:   "ニュースレター名とニッチを指定してください。",
		})
		return
	}

	settings := model.DefaultNewsletterSettings()
	if req.Settings != nil {
		settings = mergeSettings(settings, *req.Settings)
	}
	if apiErr := validateTargetRatios(settings.TargetRatios); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	now := time.Now()
	newsletter := &model.Newsletter{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      req.Name,
		Niche:     req.Niche,
		Status:    model.NewsletterStatusActive,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.newsletters.Create(r.Context(), newsletter); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toNewsletterResponse(newsletter))
}

// List はユーザーのニュースレター一覧を返す。
// GET /api/v1/newsletters
func (h *NewsletterHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	newsletters, err := h.newsletters.ListByUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]newsletterResponse, len(newsletters))
	for i, n := range newsletters {
		responses[i] = toNewsletterResponse(n)
	}
	writeJSON(w, http.StatusOK, responses)
}

// Get はニュースレター詳細を返す。
// GET /api/v1/newsletters/{id}
func (h *NewsletterHandler) Get(w http.ResponseWriter, r *http.Request) {
	newsletter, ok := h.findOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toNewsletterResponse(newsletter))
}

// Update はニュースレターの名前・ニッチ・設定を更新する。
// PATCH /api/v1/newsletters/{id}
func (h *NewsletterHandler) Update(w http.ResponseWriter, r *http.Request) {
	newsletter, ok := h.findOwned(w, r)
	if !ok {
		return
	}

	var req newsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if req.Name != "" {
		newsletter.Name = req.Name
	}
	if req.Niche != "" {
		newsletter.Niche = req.Niche
	}
	if req.Settings != nil {
		newsletter.Settings = mergeSettings(newsletter.Settings, *req.Settings)
	}
	if apiErr := validateTargetRatios(newsletter.Settings.TargetRatios); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	newsletter.UpdatedAt = time.Now()

	if err := h.newsletters.Update(r.Context(), newsletter); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNewsletterResponse(newsletter))
}

// Archive はニュースレターをソフトアーカイブする。物理削除は行わない。
// DELETE /api/v1/newsletters/{id}
func (h *NewsletterHandler) Archive(w http.ResponseWriter, r *http.Request) {
	newsletter, ok := h.findOwned(w, r)
	if !ok {
		return
	}

	if err := h.newsletters.Archive(r.Context(), newsletter.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findOwned はパスパラメータのニュースレターを取得し、所有権を検証する。
// 所有者以外には存在を漏らさないよう404を返す。
func (h *NewsletterHandler) findOwned(w http.ResponseWriter, r *http.Request) (*model.Newsletter, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return nil, false
	}

	id := chi.URLParam(r, "id")
	newsletter, err := h.newsletters.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if newsletter == nil || newsletter.UserID != userID {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNewsletterNotFoundError(id))
		return nil, false
	}
	return newsletter, true
}

// mergeSettings は指定された設定値のみを既存設定に上書きする。
func mergeSettings(base model.NewsletterSettings, override model.NewsletterSettings) model.NewsletterSettings {
	if override.Frequency != "" {
		base.Frequency = override.Frequency
	}
	if override.SendTime != "" {
		base.SendTime = override.SendTime
	}
	if override.PriceCents != 0 {
		base.PriceCents = override.PriceCents
	}
	if override.MaxArticles != 0 {
		base.MaxArticles = override.MaxArticles
	}
	if override.TargetRatios != nil {
		base.TargetRatios = override.TargetRatios
	}
	return base
}

// validateTargetRatios は比率の合計が1.0であることを検証する。
func validateTargetRatios(ratios *model.Ratios) *model.APIError {
	if ratios == nil {
		return nil
	}
	sum := ratios.Original + ratios.Curated + ratios.Syndicated
	if math.Abs(sum-1.0) > 0.01 {
		return model.NewInvalidRatiosError(sum)
	}
	return nil
}

func toNewsletterResponse(n *model.Newsletter) newsletterResponse {
	return newsletterResponse{
		ID:              n.ID,
		Name:            n.Name,
		Niche:           n.Niche,
		Status:          string(n.Status),
		Settings:        n.Settings,
		SubscriberCount: n.SubscriberCount,
		CreatedAt:       n.CreatedAt,
	}
}
