package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// --- モック定義 ---

// mockNewsletterRepository はNewsletterRepositoryのモック実装。
type mockNewsletterRepository struct {
	newsletters map[string]*model.Newsletter
	created     []*model.Newsletter
	updated     []*model.Newsletter
	archived    []string
}

var _ repository.NewsletterRepository = (*mockNewsletterRepository)(nil)

func newMockNewsletterRepository(newsletters ...*model.Newsletter) *mockNewsletterRepository {
	m := &mockNewsletterRepository{newsletters: map[string]*model.Newsletter{}}
	for _, n := range newsletters {
		m.newsletters[n.ID] = n
	}
	return m
}

func (m *mockNewsletterRepository) FindByID(ctx context.Context, id string) (*model.Newsletter, error) {
	return m.newsletters[id], nil
}

func (m *mockNewsletterRepository) ListByUser(ctx context.Context, userID string) ([]*model.Newsletter, error) {
	var result []*model.Newsletter
	for _, n := range m.newsletters {
		if n.UserID == userID {
			result = append(result, n)
		}
	}
	return result, nil
}

func (m *mockNewsletterRepository) ListActive(ctx context.Context) ([]*model.Newsletter, error) {
	return nil, nil
}

func (m *mockNewsletterRepository) Create(ctx context.Context, n *model.Newsletter) error {
	m.created = append(m.created, n)
	m.newsletters[n.ID] = n
	return nil
}

func (m *mockNewsletterRepository) Update(ctx context.Context, n *model.Newsletter) error {
	m.updated = append(m.updated, n)
	m.newsletters[n.ID] = n
	return nil
}

func (m *mockNewsletterRepository) Archive(ctx context.Context, id string) error {
	m.archived = append(m.archived, id)
	return nil
}

func (m *mockNewsletterRepository) RecountSubscribers(ctx context.Context) error {
	return nil
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func testNewsletter(id, userID string) *model.Newsletter {
	return &model.Newsletter{
		ID:       id,
		UserID:   userID,
		Name:     "Tech Weekly",
		Niche:    "tech",
		Status:   model.NewsletterStatusActive,
		Settings: model.DefaultNewsletterSettings(),
	}
}

// --- POST /api/v1/newsletters テスト ---

func TestNewsletterHandler_Create_Success(t *testing.T) {
	repo := newMockNewsletterRepository()
	h := NewNewsletterHandler(repo)

	body := `{"name": "AI Digest", "niche": "ai"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/newsletters", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if len(repo.created) != 1 {
		t.Fatalf("created count = %d, want 1", len(repo.created))
	}
	created := repo.created[0]
	if created.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", created.UserID, "user-123")
	}
	if created.Status != model.NewsletterStatusActive {
		t.Errorf("Status = %q, want active", created.Status)
	}
	// 設定未指定時はデフォルト値が適用される
	if created.Settings.Frequency != "weekly" {
		t.Errorf("Frequency = %q, want %q", created.Settings.Frequency, "weekly")
	}
	if created.Settings.MaxArticles != 10 {
		t.Errorf("MaxArticles = %d, want 10", created.Settings.MaxArticles)
	}
}

func TestNewsletterHandler_Create_MissingName(t *testing.T) {
	h := NewNewsletterHandler(newMockNewsletterRepository())

	body := `{"niche": "ai"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/newsletters", bytes.NewBufferString(body))
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestNewsletterHandler_Create_InvalidRatios(t *testing.T) {
	h := NewNewsletterHandler(newMockNewsletterRepository())

	// 比率の合計が1.0から大きく外れている
	body := `{"name": "AI Digest", "niche": "ai", "settings": {"target_ratios": {"original": 0.5, "curated": 0.1, "syndicated": 0.1}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/newsletters", bytes.NewBufferString(body))
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "INVALID_RATIOS" {
		t.Errorf("code = %q, want %q", result["code"], "INVALID_RATIOS")
	}
}

func TestNewsletterHandler_Create_Unauthenticated(t *testing.T) {
	h := NewNewsletterHandler(newMockNewsletterRepository())

	body := `{"name": "AI Digest", "niche": "ai"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/newsletters", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- GET /api/v1/newsletters/{id} テスト ---

func TestNewsletterHandler_Get_Success(t *testing.T) {
	repo := newMockNewsletterRepository(testNewsletter("nl-1", "user-123"))
	h := NewNewsletterHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters/nl-1", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "nl-1")
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["name"] != "Tech Weekly" {
		t.Errorf("name = %v, want %q", resp["name"], "Tech Weekly")
	}
}

func TestNewsletterHandler_Get_OtherUsersNewsletter_Returns404(t *testing.T) {
	repo := newMockNewsletterRepository(testNewsletter("nl-1", "owner-user"))
	h := NewNewsletterHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters/nl-1", nil)
	req = withUserID(req, "other-user")
	req = withChiURLParam(req, "id", "nl-1")
	w := httptest.NewRecorder()

	h.Get(w, req)

	// 所有者以外には403ではなく404を返し、存在自体を漏らさない
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNewsletterHandler_Get_NotFound(t *testing.T) {
	h := NewNewsletterHandler(newMockNewsletterRepository())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/newsletters/missing", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "NEWSLETTER_NOT_FOUND" {
		t.Errorf("code = %q, want %q", result["code"], "NEWSLETTER_NOT_FOUND")
	}
}

// --- PATCH /api/v1/newsletters/{id} テスト ---

func TestNewsletterHandler_Update_PartialSettings(t *testing.T) {
	nl := testNewsletter("nl-1", "user-123")
	repo := newMockNewsletterRepository(nl)
	h := NewNewsletterHandler(repo)

	body := `{"settings": {"frequency": "daily"}}`
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/newsletters/nl-1", bytes.NewBufferString(body))
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "nl-1")
	w := httptest.NewRecorder()

	h.Update(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(repo.updated) != 1 {
		t.Fatalf("updated count = %d, want 1", len(repo.updated))
	}
	got := repo.updated[0]
	if got.Settings.Frequency != "daily" {
		t.Errorf("Frequency = %q, want %q", got.Settings.Frequency, "daily")
	}
	// 未指定のフィールドは元の値を維持する
	if got.Settings.SendTime != "08:00" {
		t.Errorf("SendTime = %q, want %q", got.Settings.SendTime, "08:00")
	}
	if got.Name != "Tech Weekly" {
		t.Errorf("Name = %q, want %q", got.Name, "Tech Weekly")
	}
}

// --- DELETE /api/v1/newsletters/{id} テスト ---

func TestNewsletterHandler_Archive_Success(t *testing.T) {
	repo := newMockNewsletterRepository(testNewsletter("nl-1", "user-123"))
	h := NewNewsletterHandler(repo)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/newsletters/nl-1", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "nl-1")
	w := httptest.NewRecorder()

	h.Archive(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(repo.archived) != 1 || repo.archived[0] != "nl-1" {
		t.Errorf("archived = %v, want [nl-1]", repo.archived)
	}
}

func TestNewsletterHandler_Archive_OtherUsersNewsletter_Returns404(t *testing.T) {
	repo := newMockNewsletterRepository(testNewsletter("nl-1", "owner-user"))
	h := NewNewsletterHandler(repo)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/newsletters/nl-1", nil)
	req = withUserID(req, "other-user")
	req = withChiURLParam(req, "id", "nl-1")
	w := httptest.NewRecorder()

	h.Archive(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if len(repo.archived) != 0 {
		t.Errorf("archived = %v, want empty", repo.archived)
	}
}
