// Package model はドメインモデルを定義する。
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ContentType はコンテンツの種別を表す。
type ContentType string

const (
	// ContentTypeOriginal はLLM処理済みのオリジナルコンテンツ。
	ContentTypeOriginal ContentType = "original"
	// ContentTypeCurated はコメント付きでキュレーションされた外部コンテンツ。
	ContentTypeCurated ContentType = "curated"
	// ContentTypeSyndicated は最小限の処理で配信されるニュース項目。
	ContentTypeSyndicated ContentType = "syndicated"
)

// ContentItem はニュースレターに掲載する記事コンテンツを表す。
// アグリゲータが生成し、レシオマネージャとジェネレータが読み取り専用で消費する。
type ContentItem struct {
	ID              string
	SourceID        string
	Niche           string
	Title           string
	Content         string
	Summary         string
	URL             string
	URLHash         string
	Source          string
	ContentType     ContentType
	Score           float64 // 関連度・品質スコア [0,1]
	PublishedAt     time.Time
	FetchedAt       time.Time
	Tags            []string
	KeyTakeaways    []string
	ReadTimeMinutes int
	HasCode         bool
	HasVisuals      bool
}

// ContentSource はニッチごとのコンテンツ取得元（RSS/API）を表す。
type ContentSource struct {
	ID                  string
	Name                string
	URL                 string
	Type                SourceType
	Niche               string
	Keywords            []string
	Weight              float64 // ソース品質の重み [0,1]
	Active              bool
	ConsecutiveFailures int
	DisabledUntil       *time.Time
	DisabledReason      string
	ETag                string
	LastModified        string
	LastFetchedAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SourceType はコンテンツソースの種別を表す。
type SourceType string

const (
	// SourceTypeRSS はRSS/Atomフィードソース。
	SourceTypeRSS SourceType = "rss"
	// SourceTypeAPI はJSON APIソース。
	SourceTypeAPI SourceType = "api"
)

// IsFetchable はソースが現在フェッチ可能かを判定する。
// 無効化期限が過ぎている場合はフェッチ可能とみなす。
func (s *ContentSource) IsFetchable(now time.Time) bool {
	if !s.Active {
		return false
	}
	if s.DisabledUntil != nil && now.Before(*s.DisabledUntil) {
		return false
	}
	return true
}

// URLHash はURLの重複排除用ハッシュを生成する。
func URLHashOf(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}
