package model

import "time"

// EventType は購読者イベントの種別を表す。
type EventType string

const (
	// EventTypeSent は送信成功イベント。
	EventTypeSent EventType = "sent"
	// EventTypeOpen は開封イベント。
	EventTypeOpen EventType = "open"
	// EventTypeClick はクリックイベント。
	EventTypeClick EventType = "click"
	// EventTypeBounce はバウンスイベント。
	EventTypeBounce EventType = "bounce"
	// EventTypeComplaint は迷惑メール報告イベント。
	EventTypeComplaint EventType = "complaint"
	// EventTypeUnsubscribe は購読解除イベント。
	EventTypeUnsubscribe EventType = "unsubscribe"
)

// SubscriberEvent は購読者の行動イベントを表す。
// 追記専用であり、一度書き込まれたイベントは変更されない。
type SubscriberEvent struct {
	ID           string
	SubscriberID string
	EditionID    string
	Type         EventType
	TrackingID   string
	URL          string
	IPAddress    string
	UserAgent    string
	FirstOfKind  bool // (subscriber, edition) 単位で初回のイベントか
	OccurredAt   time.Time
}

// EngagementSummary は購読者ごとのエンゲージメント集計を表す。
// セグメンテーションとレシオ最適化で使用する。
type EngagementSummary struct {
	SubscriberID string
	SentCount    int
	OpenCount    int
	ClickCount   int
	LastOpenAt   *time.Time
	LastClickAt  *time.Time
}

// OpenRate は集計期間中の開封率を返す。
func (e *EngagementSummary) OpenRate() float64 {
	if e.SentCount == 0 {
		return 0
	}
	return float64(e.OpenCount) / float64(e.SentCount)
}
