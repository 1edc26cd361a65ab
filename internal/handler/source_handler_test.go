package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/security"
)

// --- モック定義 ---

// mockSourceRepository はSourceRepositoryのモック実装。
type mockSourceRepository struct {
	sources map[string]*model.ContentSource
	created []*model.ContentSource
	updated []*model.ContentSource
	deleted []string
}

var _ repository.SourceRepository = (*mockSourceRepository)(nil)

func newMockSourceRepository(sources ...*model.ContentSource) *mockSourceRepository {
	m := &mockSourceRepository{sources: map[string]*model.ContentSource{}}
	for _, s := range sources {
		m.sources[s.ID] = s
	}
	return m
}

func (m *mockSourceRepository) FindByID(ctx context.Context, id string) (*model.ContentSource, error) {
	return m.sources[id], nil
}

func (m *mockSourceRepository) List(ctx context.Context) ([]*model.ContentSource, error) {
	var result []*model.ContentSource
	for _, s := range m.sources {
		result = append(result, s)
	}
	return result, nil
}

func (m *mockSourceRepository) ListFetchable(ctx context.Context, now time.Time) ([]*model.ContentSource, error) {
	return nil, nil
}

func (m *mockSourceRepository) ListFailing(ctx context.Context, threshold int) ([]*model.ContentSource, error) {
	return nil, nil
}

func (m *mockSourceRepository) Create(ctx context.Context, s *model.ContentSource) error {
	m.created = append(m.created, s)
	m.sources[s.ID] = s
	return nil
}

func (m *mockSourceRepository) Update(ctx context.Context, s *model.ContentSource) error {
	m.updated = append(m.updated, s)
	return nil
}

func (m *mockSourceRepository) UpdateFetchState(ctx context.Context, s *model.ContentSource) error {
	return nil
}

func (m *mockSourceRepository) Disable(ctx context.Context, id string, until time.Time, reason string) error {
	return nil
}

func (m *mockSourceRepository) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	delete(m.sources, id)
	return nil
}

// mockURLGuard はURLGuardのモック実装。
type mockURLGuard struct {
	validateErr error
}

var _ security.URLGuard = (*mockURLGuard)(nil)

func (m *mockURLGuard) SafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockURLGuard) ValidateURL(rawURL string) error {
	return m.validateErr
}

func testSource(id string) *model.ContentSource {
	return &model.ContentSource{
		ID:     id,
		Name:   "Tech Blog",
		URL:    "https://blog.example.com/feed.xml",
		Type:   model.SourceTypeRSS,
		Niche:  "tech",
		Weight: 0.5,
		Active: true,
	}
}

// --- POST /api/v1/sources テスト ---

func TestSourceHandler_Create_Success(t *testing.T) {
	repo := newMockSourceRepository()
	h := NewSourceHandler(repo, &mockURLGuard{})

	body := `{"name": "Tech Blog", "url": "https://blog.example.com/feed.xml", "type": "rss", "niche": "tech", "keywords": ["go", "api"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if len(repo.created) != 1 {
		t.Fatalf("created count = %d, want 1", len(repo.created))
	}
	created := repo.created[0]
	if created.Type != model.SourceTypeRSS {
		t.Errorf("Type = %q, want rss", created.Type)
	}
	// weight未指定時はデフォルトの0.5
	if created.Weight != 0.5 {
		t.Errorf("Weight = %v, want 0.5", created.Weight)
	}
	if !created.Active {
		t.Error("expected new source to be active")
	}
}

func TestSourceHandler_Create_InvalidScheme(t *testing.T) {
	h := NewSourceHandler(newMockSourceRepository(), &mockURLGuard{})

	body := `{"name": "Bad", "url": "ftp://example.com/feed", "type": "rss", "niche": "tech"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "INVALID_URL" {
		t.Errorf("code = %q, want %q", result["code"], "INVALID_URL")
	}
}

func TestSourceHandler_Create_SSRFBlocked(t *testing.T) {
	guard := &mockURLGuard{validateErr: model.NewSSRFBlockedError()}
	repo := newMockSourceRepository()
	h := NewSourceHandler(repo, guard)

	body := `{"name": "Internal", "url": "http://169.254.169.254/latest", "type": "rss", "niche": "tech"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "SSRF_BLOCKED" {
		t.Errorf("code = %q, want %q", result["code"], "SSRF_BLOCKED")
	}
	if len(repo.created) != 0 {
		t.Errorf("created count = %d, want 0", len(repo.created))
	}
}

func TestSourceHandler_Create_InvalidType(t *testing.T) {
	h := NewSourceHandler(newMockSourceRepository(), &mockURLGuard{})

	body := `{"name": "Bad", "url": "https://example.com/feed", "type": "scraper", "niche": "tech"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- PATCH /api/v1/sources/{id} テスト ---

func TestSourceHandler_Update_PartialFields(t *testing.T) {
	src := testSource("src-1")
	repo := newMockSourceRepository(src)
	h := NewSourceHandler(repo, &mockURLGuard{})

	body := `{"weight": 0.9, "active": false}`
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/sources/src-1", bytes.NewBufferString(body))
	req = withChiURLParam(req, "id", "src-1")
	w := httptest.NewRecorder()

	h.Update(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(repo.updated) != 1 {
		t.Fatalf("updated count = %d, want 1", len(repo.updated))
	}
	got := repo.updated[0]
	if got.Weight != 0.9 {
		t.Errorf("Weight = %v, want 0.9", got.Weight)
	}
	if got.Active {
		t.Error("expected source to be deactivated")
	}
	// 未指定のフィールドは元の値を維持する
	if got.URL != "https://blog.example.com/feed.xml" {
		t.Errorf("URL = %q, want unchanged", got.URL)
	}
}

func TestSourceHandler_Update_SSRFBlockedURL(t *testing.T) {
	guard := &mockURLGuard{validateErr: model.NewSSRFBlockedError()}
	repo := newMockSourceRepository(testSource("src-1"))
	h := NewSourceHandler(repo, guard)

	body := `{"url": "http://10.0.0.1/feed"}`
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/sources/src-1", bytes.NewBufferString(body))
	req = withChiURLParam(req, "id", "src-1")
	w := httptest.NewRecorder()

	h.Update(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if len(repo.updated) != 0 {
		t.Errorf("updated count = %d, want 0", len(repo.updated))
	}
}

// --- DELETE /api/v1/sources/{id} テスト ---

func TestSourceHandler_Delete_Success(t *testing.T) {
	repo := newMockSourceRepository(testSource("src-1"))
	h := NewSourceHandler(repo, &mockURLGuard{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sources/src-1", nil)
	req = withChiURLParam(req, "id", "src-1")
	w := httptest.NewRecorder()

	h.Delete(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "src-1" {
		t.Errorf("deleted = %v, want [src-1]", repo.deleted)
	}
}

func TestSourceHandler_Delete_NotFound(t *testing.T) {
	h := NewSourceHandler(newMockSourceRepository(), &mockURLGuard{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sources/missing", nil)
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.Delete(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "SOURCE_NOT_FOUND" {
		t.Errorf("code = %q, want %q", result["code"], "SOURCE_NOT_FOUND")
	}
}

// --- GET /api/v1/sources テスト ---

func TestSourceHandler_List_ReturnsAllSources(t *testing.T) {
	repo := newMockSourceRepository(testSource("src-1"), testSource("src-2"))
	h := NewSourceHandler(repo, &mockURLGuard{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp []sourceResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Errorf("len(resp) = %d, want 2", len(resp))
	}
}
