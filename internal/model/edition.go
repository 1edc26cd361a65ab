package model

import "time"

// EditionStatus はエディションの状態を表す。
// draft → (scheduled) → sending → {sent | failed} へ単調に遷移し、逆行しない。
type EditionStatus string

const (
	// EditionStatusDraft は生成直後の下書き状態。
	EditionStatusDraft EditionStatus = "draft"
	// EditionStatusScheduled は送信予約済みの状態。
	EditionStatusScheduled EditionStatus = "scheduled"
	// EditionStatusSending は送信処理中の状態。
	EditionStatusSending EditionStatus = "sending"
	// EditionStatusSent は送信完了の終端状態。
	EditionStatusSent EditionStatus = "sent"
	// EditionStatusFailed は送信失敗の終端状態。
	EditionStatusFailed EditionStatus = "failed"
)

// CanTransitionEdition はエディション状態の遷移が許可されているかを判定する。
func CanTransitionEdition(from, to EditionStatus) bool {
	switch from {
	case EditionStatusDraft:
		return to == EditionStatusScheduled || to == EditionStatusSending || to == EditionStatusFailed
	case EditionStatusScheduled:
		return to == EditionStatusSending || to == EditionStatusFailed
	case EditionStatusSending:
		return to == EditionStatusSent || to == EditionStatusFailed
	default:
		// sent / failed は終端状態
		return false
	}
}

// EditionSection はエディション内の記事セクションを表す。
type EditionSection struct {
	Title string           `json:"title"`
	Kind  string           `json:"kind"` // featured / original / curated / quick_links
	Items []EditionArticle `json:"items"`
}

// EditionArticle はエディションに掲載された記事を表す。
type EditionArticle struct {
	ContentItemID   string   `json:"content_item_id"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	URL             string   `json:"url"`
	Source          string   `json:"source"`
	ContentType     string   `json:"content_type"`
	KeyTakeaways    []string `json:"key_takeaways,omitempty"`
	ReadTimeMinutes int      `json:"read_time_minutes,omitempty"`
}

// EditionContent はエディションの本文構造を表す。JSONとして永続化される。
type EditionContent struct {
	Intro    string           `json:"intro,omitempty"`
	Sections []EditionSection `json:"sections"`
}

// Edition は1回の送信サイクルで生成されたニュースレターのインスタンスを表す。
type Edition struct {
	ID           string
	NewsletterID string
	Subject      string
	Content      EditionContent
	Status       EditionStatus
	TestMode     bool
	ScheduledFor *time.Time
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EditionStats はエディションごとの送信・開封・クリック統計を表す。
// Editionと1:1で対応する。
type EditionStats struct {
	EditionID         string
	SentCount         int
	DeliveredCount    int
	OpenedCount       int
	ClickedCount      int
	BouncedCount      int
	ComplainedCount   int
	UnsubscribedCount int
	UpdatedAt         time.Time
}

// OpenRate は開封率（パーセント）を返す。送信数が0の場合は0を返す。
func (s *EditionStats) OpenRate() float64 {
	if s.SentCount == 0 {
		return 0
	}
	return float64(s.OpenedCount) / float64(s.SentCount) * 100
}

// ClickRate はクリック率（パーセント）を返す。送信数が0の場合は0を返す。
func (s *EditionStats) ClickRate() float64 {
	if s.SentCount == 0 {
		return 0
	}
	return float64(s.ClickedCount) / float64(s.SentCount) * 100
}
