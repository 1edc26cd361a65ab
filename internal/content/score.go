// Package content はコンテンツソースからの記事取得・スコアリングを提供する。
package content

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/hitoshi/newsmill/internal/model"
)

const (
	// freshnessHalfLife は新しさスコアの半減期。公開から48時間で半減する。
	freshnessHalfLife = 48 * time.Hour

	// 関連度スコアの重み。合計1.0。
	keywordWeight   = 0.4
	freshnessWeight = 0.3
	sourceWeight    = 0.3
)

// ScoreItem は記事の関連度スコアを[0,1]で計算する。
// キーワード密度0.4 + 新しさ0.3 + ソース品質0.3の加重和。
func ScoreItem(item *model.ContentItem, source *model.ContentSource, nicheKeywords []string, now time.Time) float64 {
	keywords := append([]string{}, source.Keywords...)
	keywords = append(keywords, nicheKeywords...)

	score := keywordWeight*keywordDensity(item.Title+" "+item.Summary, keywords) +
		freshnessWeight*freshness(item.PublishedAt, now) +
		sourceWeight*clamp01(source.Weight)

	return clamp01(score)
}

// keywordDensity はテキスト中のキーワード出現割合を[0,1]で返す。
// 大文字小文字を無視して単語単位で照合する。
func keywordDensity(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	var matched int
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		// 複合キーワードは部分文字列で照合する
		if strings.Contains(kw, " ") {
			if strings.Contains(strings.ToLower(text), kw) {
				matched++
			}
			continue
		}
		if wordSet[kw] {
			matched++
		}
	}
	return clamp01(float64(matched) / float64(len(keywords)))
}

// freshness は公開日時からの経過時間による指数減衰スコアを返す。
// 半減期48時間。未来の公開日時は1.0として扱う。
func freshness(publishedAt time.Time, now time.Time) float64 {
	if publishedAt.IsZero() {
		return 0
	}
	age := now.Sub(publishedAt)
	if age <= 0 {
		return 1.0
	}
	return math.Exp2(-age.Hours() / freshnessHalfLife.Hours())
}

// InferContentType はソース種別と処理状況からコンテンツ種別を推定する。
// LLM要約済みの記事はoriginal、キーワード一致度の高い記事はcurated、
// それ以外はsyndicatedとして扱う。
func InferContentType(item *model.ContentItem, source *model.ContentSource) model.ContentType {
	if item.Summary != "" && len(item.KeyTakeaways) > 0 {
		return model.ContentTypeOriginal
	}
	if item.Score >= 0.5 || source.Weight >= 0.7 {
		return model.ContentTypeCurated
	}
	return model.ContentTypeSyndicated
}

// EstimateReadTime は本文の語数から読了時間（分）を推定する。最低1分。
func EstimateReadTime(text string) int {
	const wordsPerMinute = 200
	words := len(tokenize(text))
	minutes := (words + wordsPerMinute - 1) / wordsPerMinute
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// DetectCode は本文にコードが含まれるかを推定する。
func DetectCode(html string) bool {
	lower := strings.ToLower(html)
	return strings.Contains(lower, "<pre") || strings.Contains(lower, "<code")
}

// DetectVisuals は本文に画像が含まれるかを推定する。
func DetectVisuals(html string) bool {
	return strings.Contains(strings.ToLower(html), "<img")
}

// tokenize はテキストを小文字の単語列に分割する。
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
