package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// ABTestServiceInterface はA/Bテストハンドラーが必要とするサービスインターフェース。
type ABTestServiceInterface interface {
	// CreateTest はコントロール件名とバリアント件名を持つテストを作成する。
	CreateTest(ctx context.Context, editionID, name string, metric model.ABTestMetric, controlSubject string, variantSubjects []string, minSampleSize int, confidence float64, maxRuntime time.Duration) (*model.ABTest, error)
	// StartTest はdraft状態のテストを実行中にする。
	StartTest(ctx context.Context, testID string) error
}

// ABTestHandler は件名A/BテストのHTTPハンドラー。
type ABTestHandler struct {
	service     ABTestServiceInterface
	abtests     repository.ABTestRepository
	editions    repository.EditionRepository
	newsletters repository.NewsletterRepository
}

// NewABTestHandler はABTestHandlerを生成する。
func NewABTestHandler(
	service ABTestServiceInterface,
	abtests repository.ABTestRepository,
	editions repository.EditionRepository,
	newsletters repository.NewsletterRepository,
) *ABTestHandler {
	return &ABTestHandler{
		service:     service,
		abtests:     abtests,
		editions:    editions,
		newsletters: newsletters,
	}
}

// createABTestRequest はA/Bテスト作成リクエストのボディ。
type createABTestRequest struct {
	Name            string   `json:"name"`
	Metric          string   `json:"metric"`
	ControlSubject  string   `json:"control_subject"`
	VariantSubjects []string `json:"variant_subjects"`
	MinSampleSize   int      `json:"min_sample_size"`
	Confidence      float64  `json:"confidence_threshold"`
	MaxRuntimeHours int      `json:"max_runtime_hours"`
}

// abTestVariantResponse はバリアント情報のAPIレスポンス。
type abTestVariantResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Subject   string  `json:"subject"`
	IsControl bool    `json:"is_control"`
	Assigned  int     `json:"assigned"`
	Sends     int     `json:"sends"`
	Opens     int     `json:"opens"`
	Clicks    int     `json:"clicks"`
	Rate      float64 `json:"rate"`
}

// abTestResponse はA/Bテスト情報のAPIレスポンス。
type abTestResponse struct {
	ID                  string                  `json:"id"`
	EditionID           string                  `json:"edition_id"`
	Name                string                  `json:"name"`
	Metric              string                  `json:"metric"`
	Status              string                  `json:"status"`
	MinSampleSize       int                     `json:"min_sample_size"`
	ConfidenceThreshold float64                 `json:"confidence_threshold"`
	StartedAt           *time.Time              `json:"started_at,omitempty"`
	CompletedAt         *time.Time              `json:"completed_at,omitempty"`
	WinnerVariantID     string                  `json:"winner_variant_id,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	Variants            []abTestVariantResponse `json:"variants,omitempty"`
}

// Create はエディションに対する件名A/Bテストを作成する。
// POST /api/v1/editions/{id}/abtests
func (h *ABTestHandler) Create(w http.ResponseWriter, r *http.Request) {
	edition, ok := findOwnedEdition(w, r, h.editions, h.newsletters)
	if !ok {
		return
	}

	var req createABTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if len(req.VariantSubjects) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "variant_subjectsには1つ以上の件名が必要です。",
			Category: "validation",
			Action:   "テストするバリアント件名を指定してください。",
		})
		return
	}

	// コントロール件名を省略した場合はエディションの現在の件名を使う
	control := req.ControlSubject
	if control == "" {
		control = edition.Subject
	}

	test, err := h.service.CreateTest(
		r.Context(), edition.ID, req.Name,
		model.ABTestMetric(req.Metric), control, req.VariantSubjects,
		req.MinSampleSize, req.Confidence,
		time.Duration(req.MaxRuntimeHours)*time.Hour,
	)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	variants, err := h.abtests.ListVariants(r.Context(), test.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toABTestResponse(test, variants))
}

// Start はdraft状態のテストを実行中にする。
// POST /api/v1/abtests/{id}/start
func (h *ABTestHandler) Start(w http.ResponseWriter, r *http.Request) {
	test, ok := h.findOwnedTest(w, r)
	if !ok {
		return
	}
	if test.Status != model.ABTestStatusDraft {
		writeAPIErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeInvalidTransition,
			Message:  "draft状態のテストのみ開始できます。",
			Category: "newsletter",
			Action:   "テストの状態を確認してください。",
		})
		return
	}

	if err := h.service.StartTest(r.Context(), test.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get はテストの状態とバリアントごとの実績を返す。
// GET /api/v1/abtests/{id}
func (h *ABTestHandler) Get(w http.ResponseWriter, r *http.Request) {
	test, ok := h.findOwnedTest(w, r)
	if !ok {
		return
	}

	variants, err := h.abtests.ListVariants(r.Context(), test.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toABTestResponse(test, variants))
}

// findOwnedTest はパスパラメータのテストを取得し、テスト対象エディションの
// 親ニュースレターの所有権を検証する。
func (h *ABTestHandler) findOwnedTest(w http.ResponseWriter, r *http.Request) (*model.ABTest, bool) {
	id := chi.URLParam(r, "id")
	test, err := h.abtests.FindTestByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if test == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewABTestNotFoundError(id))
		return nil, false
	}

	edition, err := h.editions.FindByID(r.Context(), test.EditionID)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if edition == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewABTestNotFoundError(id))
		return nil, false
	}
	if _, ok := requireOwnedNewsletter(w, r, h.newsletters, edition.NewsletterID); !ok {
		return nil, false
	}
	return test, true
}

func toABTestResponse(test *model.ABTest, variants []*model.TestVariant) abTestResponse {
	resp := abTestResponse{
		ID:                  test.ID,
		EditionID:           test.EditionID,
		Name:                test.Name,
		Metric:              string(test.Metric),
		Status:              string(test.Status),
		MinSampleSize:       test.MinSampleSize,
		ConfidenceThreshold: test.ConfidenceThreshold,
		StartedAt:           test.StartedAt,
		CompletedAt:         test.CompletedAt,
		WinnerVariantID:     test.WinnerVariantID,
		CreatedAt:           test.CreatedAt,
	}
	for _, v := range variants {
		resp.Variants = append(resp.Variants, abTestVariantResponse{
			ID:        v.ID,
			Name:      v.Name,
			Subject:   v.Subject,
			IsControl: v.IsControl,
			Assigned:  v.Assigned,
			Sends:     v.Sends,
			Opens:     v.Opens,
			Clicks:    v.Clicks,
			Rate:      v.Rate(test.Metric),
		})
	}
	return resp
}
