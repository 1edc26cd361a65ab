package model

import "time"

// NewsletterStatus はニュースレターの状態を表す。
type NewsletterStatus string

const (
	// NewsletterStatusActive は配信中の状態。
	NewsletterStatusActive NewsletterStatus = "active"
	// NewsletterStatusArchived はソフトアーカイブされた状態。
	// 通常フローでは物理削除は行わない。
	NewsletterStatusArchived NewsletterStatus = "archived"
)

// NewsletterSettings はニュースレターの配信設定を表す。
// 認識されるキーを列挙した型付き構造体として保持し、未知のキーは持たない。
type NewsletterSettings struct {
	Frequency    string  `json:"frequency"`    // daily / weekly / monthly
	SendTime     string  `json:"send_time"`    // "08:00" 形式（UTC）
	PriceCents   int     `json:"price_cents"`  // 月額（セント単位、0=無料）
	MaxArticles  int     `json:"max_articles"` // 1エディションの最大記事数
	TargetRatios *Ratios `json:"target_ratios,omitempty"`
}

// Ratios はコンテンツ種別ごとの目標比率を表す。
type Ratios struct {
	Original   float64 `json:"original"`
	Curated    float64 `json:"curated"`
	Syndicated float64 `json:"syndicated"`
}

// DefaultNewsletterSettings はニュースレター設定のデフォルト値を返す。
func DefaultNewsletterSettings() NewsletterSettings {
	return NewsletterSettings{
		Frequency:   "weekly",
		SendTime:    "08:00",
		PriceCents:  0,
		MaxArticles: 10,
	}
}

// Newsletter はニッチごとのニュースレターを表す。
type Newsletter struct {
	ID              string
	UserID          string
	Name            string
	Niche           string
	Status          NewsletterStatus
	Settings        NewsletterSettings
	SubscriberCount int // 非正規化カウント。メンテナンスで再計算される。
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive はニュースレターが配信可能な状態かを判定する。
func IsNewsletterActive(n *Newsletter) bool {
	return n != nil && n.Status == NewsletterStatusActive
}
