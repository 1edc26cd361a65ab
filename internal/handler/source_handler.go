package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/security"
)

// SourceHandler はコンテンツソース管理のHTTPハンドラー。
type SourceHandler struct {
	sources repository.SourceRepository
	guard   security.URLGuard
}

// NewSourceHandler はSourceHandlerを生成する。
func NewSourceHandler(sources repository.SourceRepository, guard security.URLGuard) *SourceHandler {
	return &SourceHandler{sources: sources, guard: guard}
}

// sourceRequest はソース作成・更新リクエストのボディ。
type sourceRequest struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Type     string   `json:"type"`
	Niche    string   `json:"niche"`
	Keywords []string `json:"keywords"`
	Weight   *float64 `json:"weight"`
	Active   *bool    `json:"active"`
}

// sourceResponse はソース情報のAPIレスポンス。
type sourceResponse struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Type                string     `json:"type"`
	Niche               string     `json:"niche"`
	Keywords            []string   `json:"keywords,omitempty"`
	Weight              float64    `json:"weight"`
	Active              bool       `json:"active"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
	DisabledReason      string     `json:"disabled_reason,omitempty"`
	LastFetchedAt       *time.Time `json:"last_fetched_at,omitempty"`
}

// Create はコンテンツソースを登録する。
// POST /api/v1/sources
func (h *SourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if apiErr := h.validateSourceRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	weight := 0.5
	if req.Weight != nil {
		weight = *req.Weight
	}

	now := time.Now()
	source := &model.ContentSource{
		ID:        uuid.NewString(),
		Name:      req.Name,
		URL:       req.URL,
		Type:      model.SourceType(req.Type),
		Niche:     req.Niche,
		Keywords:  req.Keywords,
		Weight:    weight,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.sources.Create(r.Context(), source); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSourceResponse(source))
}

// List は全ソースの一覧を返す。
// GET /api/v1/sources
func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.sources.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]sourceResponse, len(sources))
	for i, s := range sources {
		responses[i] = toSourceResponse(s)
	}
	writeJSON(w, http.StatusOK, responses)
}

// Get はソース詳細を返す。
// GET /api/v1/sources/{id}
func (h *SourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	source, ok := h.find(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSourceResponse(source))
}

// Update はソースの設定を更新する。
// PATCH /api/v1/sources/{id}
func (h *SourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	source, ok := h.find(w, r)
	if !ok {
		return
	}

	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if req.Name != "" {
		source.Name = req.Name
	}
	if req.URL != "" {
		if err := h.guard.ValidateURL(req.URL); err != nil {
			handleServiceError(w, err)
			return
		}
		source.URL = req.URL
	}
	if req.Niche != "" {
		source.Niche = req.Niche
	}
	if req.Keywords != nil {
		source.Keywords = req.Keywords
	}
	if req.Weight != nil {
		source.Weight = *req.Weight
	}
	if req.Active != nil {
		source.Active = *req.Active
	}
	source.UpdatedAt = time.Now()

	if err := h.sources.Update(r.Context(), source); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceResponse(source))
}

// Delete はソースを削除する。
// DELETE /api/v1/sources/{id}
func (h *SourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	source, ok := h.find(w, r)
	if !ok {
		return
	}

	if err := h.sources.Delete(r.Context(), source.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SourceHandler) find(w http.ResponseWriter, r *http.Request) (*model.ContentSource, bool) {
	id := chi.URLParam(r, "id")
	source, err := h.sources.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if source == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewSourceNotFoundError(id))
		return nil, false
	}
	return source, true
}

// validateSourceRequest は作成リクエストの必須項目とURLの安全性を検証する。
func (h *SourceHandler) validateSourceRequest(req *sourceRequest) *model.APIError {
	if req.Name == "" || req.Niche == "" {
		return &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "nameとnicheは必須です。",
			Category: "validation",
			Action:   "ソース名とニッチを指定してください。",
		}
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return model.NewInvalidURLError(req.URL)
	}
	if req.Type != string(model.SourceTypeRSS) && req.Type != string(model.SourceTypeAPI) {
		return &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "typeはrssまたはapiである必要があります。",
			Category: "validation",
			Action:   "ソース種別を確認してください。",
		}
	}
	if err := h.guard.ValidateURL(req.URL); err != nil {
		return model.NewSSRFBlockedError()
	}
	return nil
}

func toSourceResponse(s *model.ContentSource) sourceResponse {
	return sourceResponse{
		ID:                  s.ID,
		Name:                s.Name,
		URL:                 s.URL,
		Type:                string(s.Type),
		Niche:               s.Niche,
		Keywords:            s.Keywords,
		Weight:              s.Weight,
		Active:              s.Active,
		ConsecutiveFailures: s.ConsecutiveFailures,
		DisabledUntil:       s.DisabledUntil,
		DisabledReason:      s.DisabledReason,
		LastFetchedAt:       s.LastFetchedAt,
	}
}
