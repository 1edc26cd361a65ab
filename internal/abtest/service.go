// Package abtest は件名バリアントのA/Bテストを提供する。
// バリアント割当は購読者IDのハッシュによる決定的なバケット分割で行い、
// 完了判定には2標本比率のz検定を使用する。
package abtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

const (
	defaultMinSampleSize = 100
	defaultConfidence    = 0.95
	defaultMaxRuntime    = 24 * time.Hour
)

// Service はA/Bテストの作成・割当・判定を行う。
type Service struct {
	repo   repository.ABTestRepository
	logger *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.ABTestRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// CreateTest はコントロール件名とN個のバリアント件名を持つテストを作成する。
func (s *Service) CreateTest(ctx context.Context, editionID, name string, metric model.ABTestMetric, controlSubject string, variantSubjects []string, minSampleSize int, confidence float64, maxRuntime time.Duration) (*model.ABTest, error) {
	if len(variantSubjects) == 0 {
		return nil, fmt.Errorf("バリアント件名が1つ以上必要です")
	}
	if minSampleSize <= 0 {
		minSampleSize = defaultMinSampleSize
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = defaultConfidence
	}
	if maxRuntime <= 0 {
		maxRuntime = defaultMaxRuntime
	}
	if metric == "" {
		metric = model.ABTestMetricOpenRate
	}

	test := &model.ABTest{
		ID:                  uuid.NewString(),
		EditionID:           editionID,
		Name:                name,
		Metric:              metric,
		Status:              model.ABTestStatusDraft,
		MinSampleSize:       minSampleSize,
		ConfidenceThreshold: confidence,
		MaxRuntime:          maxRuntime,
		CreatedAt:           time.Now().UTC(),
	}

	variants := make([]*model.TestVariant, 0, len(variantSubjects)+1)
	variants = append(variants, &model.TestVariant{
		ID:        uuid.NewString(),
		TestID:    test.ID,
		Name:      "control",
		Subject:   controlSubject,
		IsControl: true,
	})
	for i, subject := range variantSubjects {
		variants = append(variants, &model.TestVariant{
			ID:      uuid.NewString(),
			TestID:  test.ID,
			Name:    fmt.Sprintf("variant_%d", i+1),
			Subject: subject,
		})
	}

	if err := s.repo.CreateTest(ctx, test, variants); err != nil {
		return nil, fmt.Errorf("A/Bテストの作成に失敗しました: %w", err)
	}

	s.logger.Info("A/Bテストを作成しました",
		slog.String("test_id", test.ID),
		slog.String("edition_id", editionID),
		slog.Int("variant_count", len(variants)),
	)
	return test, nil
}

// StartTest はテストを実行中状態にする。
func (s *Service) StartTest(ctx context.Context, testID string) error {
	test, err := s.repo.FindTestByID(ctx, testID)
	if err != nil {
		return fmt.Errorf("A/Bテストの取得に失敗しました: %w", err)
	}
	if test == nil {
		return fmt.Errorf("A/Bテストが見つかりません: %s", testID)
	}
	if test.Status != model.ABTestStatusDraft {
		return fmt.Errorf("draft状態のテストのみ開始できます（現在: %s）", test.Status)
	}

	now := time.Now().UTC()
	test.Status = model.ABTestStatusRunning
	test.StartedAt = &now
	if err := s.repo.UpdateTestStatus(ctx, test); err != nil {
		return fmt.Errorf("テスト状態の更新に失敗しました: %w", err)
	}
	return nil
}

// AssignVariant は購読者をバリアントに割り当てる。
// 割当は購読者IDのハッシュによる決定的なもので、同じ購読者は常に
// 同じバリアントを受け取る。
func (s *Service) AssignVariant(ctx context.Context, testID, subscriberID string) (*model.TestVariant, error) {
	variants, err := s.repo.ListVariants(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("バリアント一覧の取得に失敗しました: %w", err)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("テストにバリアントがありません: %s", testID)
	}

	variant := variants[bucketFor(subscriberID, len(variants))]
	if err := s.repo.IncrementVariant(ctx, variant.ID, "assigned"); err != nil {
		return nil, fmt.Errorf("割当数の加算に失敗しました: %w", err)
	}
	return variant, nil
}

// bucketFor は購読者IDを[0, n)のバケットへ決定的に割り当てる。
func bucketFor(subscriberID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(subscriberID))
	return int(h.Sum32() % uint32(n))
}

// RecordSend はバリアントの送信数を加算する。
func (s *Service) RecordSend(ctx context.Context, variantID string) error {
	return s.repo.IncrementVariant(ctx, variantID, "sends")
}

// RecordOpen はバリアントの開封数を加算する。
func (s *Service) RecordOpen(ctx context.Context, variantID string) error {
	return s.repo.IncrementVariant(ctx, variantID, "opens")
}

// RecordClick はバリアントのクリック数を加算する。
func (s *Service) RecordClick(ctx context.Context, variantID string) error {
	return s.repo.IncrementVariant(ctx, variantID, "clicks")
}

// EvaluateRunningTests は実行中の全テストの完了判定を行う。
func (s *Service) EvaluateRunningTests(ctx context.Context, now time.Time) error {
	running, err := s.repo.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("実行中テストの取得に失敗しました: %w", err)
	}
	for _, test := range running {
		if err := s.evaluate(ctx, test, now); err != nil {
			s.logger.Error("テストの判定に失敗しました",
				slog.String("test_id", test.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// evaluate はテスト1件の完了判定を行う。
// 全バリアントが最小サンプルサイズに達し、かつ上位2バリアント間の差が
// 有意な場合、または実行時間の上限を超えた場合に完了する。
// 勝者は指標レートが最も高いバリアントちょうど1つ。
func (s *Service) evaluate(ctx context.Context, test *model.ABTest, now time.Time) error {
	variants, err := s.repo.ListVariants(ctx, test.ID)
	if err != nil {
		return fmt.Errorf("バリアント一覧の取得に失敗しました: %w", err)
	}
	if len(variants) < 2 {
		return nil
	}

	timedOut := test.StartedAt != nil && now.Sub(*test.StartedAt) >= test.MaxRuntime

	if !timedOut {
		for _, v := range variants {
			if v.Sends < test.MinSampleSize {
				return nil
			}
		}
		first, second := topTwo(variants, test.Metric)
		if Significance(first, second, test.Metric) < test.ConfidenceThreshold {
			return nil
		}
	}

	winner, _ := topTwo(variants, test.Metric)
	test.Status = model.ABTestStatusCompleted
	test.WinnerVariantID = winner.ID
	test.CompletedAt = &now
	if err := s.repo.UpdateTestStatus(ctx, test); err != nil {
		return fmt.Errorf("テスト状態の更新に失敗しました: %w", err)
	}

	s.logger.Info("A/Bテストが完了しました",
		slog.String("test_id", test.ID),
		slog.String("winner_variant_id", winner.ID),
		slog.Bool("timed_out", timedOut),
		slog.Float64("winner_rate", winner.Rate(test.Metric)),
	)
	return nil
}

// topTwo は指標レートの上位2バリアントを返す。
func topTwo(variants []*model.TestVariant, metric model.ABTestMetric) (*model.TestVariant, *model.TestVariant) {
	sorted := make([]*model.TestVariant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rate(metric) > sorted[j].Rate(metric)
	})
	return sorted[0], sorted[1]
}

// Significance は2標本比率のz検定による片側有意確率を返す。
// どちらかの送信数が0、または比率差がない場合は0を返す。
func Significance(a, b *model.TestVariant, metric model.ABTestMetric) float64 {
	n1, n2 := float64(a.Sends), float64(b.Sends)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1, p2 := a.Rate(metric), b.Rate(metric)

	successes1 := p1 * n1
	successes2 := p2 * n2
	pooled := (successes1 + successes2) / (n1 + n2)
	if pooled <= 0 || pooled >= 1 {
		return 0
	}

	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}
	z := math.Abs(p1-p2) / se
	return normalCDF(z)
}

// normalCDF は標準正規分布の累積分布関数。
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
