package model

import "time"

// ABTestStatus はA/Bテストの状態を表す。draft → running → completed へ遷移する。
type ABTestStatus string

const (
	// ABTestStatusDraft は作成直後の状態。
	ABTestStatusDraft ABTestStatus = "draft"
	// ABTestStatusRunning は実行中の状態。
	ABTestStatusRunning ABTestStatus = "running"
	// ABTestStatusCompleted は完了状態。勝者バリアントがちょうど1つ確定している。
	ABTestStatusCompleted ABTestStatus = "completed"
)

// ABTestMetric は勝者判定に使用する指標を表す。
type ABTestMetric string

const (
	// ABTestMetricOpenRate は開封率による判定。
	ABTestMetricOpenRate ABTestMetric = "open_rate"
	// ABTestMetricClickRate はクリック率による判定。
	ABTestMetricClickRate ABTestMetric = "click_rate"
)

// ABTest は件名・コンテンツバリアントのA/Bテストを表す。
// コントロール1つとトリートメントN個のバリアントを持つ。
type ABTest struct {
	ID                  string
	EditionID           string
	Name                string
	Metric              ABTestMetric
	Status              ABTestStatus
	MinSampleSize       int           // バリアントごとの最小サンプルサイズ
	ConfidenceThreshold float64       // 有意性の閾値（例: 0.95）
	MaxRuntime          time.Duration // 実行時間の上限
	StartedAt           *time.Time
	CompletedAt         *time.Time
	WinnerVariantID     string
	CreatedAt           time.Time
}

// TestVariant はA/Bテストのバリアントを表す。
type TestVariant struct {
	ID          string
	TestID      string
	Name        string
	Subject     string
	IsControl   bool
	Assigned    int
	Sends       int
	Opens       int
	Clicks      int
	Conversions int
}

// Rate はテスト指標に対応するバリアントの実績レートを返す。
func (v *TestVariant) Rate(metric ABTestMetric) float64 {
	if v.Sends == 0 {
		return 0
	}
	switch metric {
	case ABTestMetricClickRate:
		return float64(v.Clicks) / float64(v.Sends)
	default:
		return float64(v.Opens) / float64(v.Sends)
	}
}
