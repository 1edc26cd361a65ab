package model

import "time"

// SubscriberStatus は購読者の状態を表す。
type SubscriberStatus string

const (
	// SubscriberStatusPending はメール確認待ちの状態。
	SubscriberStatusPending SubscriberStatus = "pending"
	// SubscriberStatusActive は配信可能な状態。
	SubscriberStatusActive SubscriberStatus = "active"
	// SubscriberStatusUnsubscribed は購読解除済みの状態。
	SubscriberStatusUnsubscribed SubscriberStatus = "unsubscribed"
	// SubscriberStatusBounced はバウンスにより配信停止された状態。
	SubscriberStatusBounced SubscriberStatus = "bounced"
	// SubscriberStatusComplained は迷惑メール報告により配信停止された状態。
	SubscriberStatusComplained SubscriberStatus = "complained"
)

// SubscriberPreferences は購読者ごとの配信設定を表す。
type SubscriberPreferences struct {
	Frequency string   `json:"frequency,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// Subscriber は購読者を表す。メールアドレスは全体で一意。
type Subscriber struct {
	ID                string
	Email             string
	Name              string
	Status            SubscriberStatus
	VerificationToken string
	VerifiedAt        *time.Time
	Preferences       SubscriberPreferences
	Segments          []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanReceiveEmail は購読者がメールを受信可能かを判定する。
// アクティブかつメール確認済みであることが条件。
func CanReceiveEmail(s *Subscriber) bool {
	return s != nil && s.Status == SubscriberStatusActive && s.VerifiedAt != nil
}

// NewsletterSubscriber はニュースレターと購読者の多対多関係を表す。
// UnsubscribedAtがnilである間が有効な購読。
type NewsletterSubscriber struct {
	NewsletterID   string
	SubscriberID   string
	SubscribedAt   time.Time
	UnsubscribedAt *time.Time
}

// IsSubscriptionActive は購読が有効かを判定する。
func IsSubscriptionActive(ns *NewsletterSubscriber) bool {
	return ns != nil && ns.UnsubscribedAt == nil
}

// 購読者セグメント名。
const (
	SegmentHighlyEngaged = "highly_engaged"
	SegmentRegular       = "regular"
	SegmentAtRisk        = "at_risk"
	SegmentInactive      = "inactive"
	SegmentNew           = "new"
)
