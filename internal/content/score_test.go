package content

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// --- ScoreItem のテスト ---

// TestScoreItem_KeywordMatch はキーワードに一致する記事が高スコアになることをテストする。
func TestScoreItem_KeywordMatch(t *testing.T) {
	now := time.Now()
	source := &model.ContentSource{Weight: 0.5, Keywords: []string{"golang", "kubernetes"}}
	matched := &model.ContentItem{
		Title:       "Golang and Kubernetes in production",
		Summary:     "Deploying golang services on kubernetes",
		PublishedAt: now.Add(-1 * time.Hour),
	}
	unmatched := &model.ContentItem{
		Title:       "Cooking recipes for the weekend",
		Summary:     "Pasta and dessert ideas",
		PublishedAt: now.Add(-1 * time.Hour),
	}

	matchedScore := ScoreItem(matched, source, nil, now)
	unmatchedScore := ScoreItem(unmatched, source, nil, now)

	if matchedScore <= unmatchedScore {
		t.Errorf("キーワード一致記事の方が高スコアであるべき。一致: %f, 不一致: %f", matchedScore, unmatchedScore)
	}
}

// TestScoreItem_FreshnessDecay は古い記事ほどスコアが低くなることをテストする。
func TestScoreItem_FreshnessDecay(t *testing.T) {
	now := time.Now()
	source := &model.ContentSource{Weight: 0.5}
	fresh := &model.ContentItem{Title: "News", PublishedAt: now.Add(-1 * time.Hour)}
	stale := &model.ContentItem{Title: "News", PublishedAt: now.Add(-7 * 24 * time.Hour)}

	freshScore := ScoreItem(fresh, source, nil, now)
	staleScore := ScoreItem(stale, source, nil, now)

	if freshScore <= staleScore {
		t.Errorf("新しい記事の方が高スコアであるべき。新: %f, 古: %f", freshScore, staleScore)
	}
}

// TestScoreItem_Range はスコアが常に[0,1]の範囲に収まることをテストする。
func TestScoreItem_Range(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		item   *model.ContentItem
		source *model.ContentSource
	}{
		{
			name:   "全要素が最大",
			item:   &model.ContentItem{Title: "golang", Summary: "golang", PublishedAt: now},
			source: &model.ContentSource{Weight: 1.0, Keywords: []string{"golang"}},
		},
		{
			name:   "全要素が最小",
			item:   &model.ContentItem{Title: "", Summary: ""},
			source: &model.ContentSource{Weight: 0},
		},
		{
			name:   "Weightが範囲外",
			item:   &model.ContentItem{Title: "golang", PublishedAt: now},
			source: &model.ContentSource{Weight: 5.0, Keywords: []string{"golang"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score := ScoreItem(tc.item, tc.source, nil, now)
			if score < 0 || score > 1 {
				t.Errorf("スコアは[0,1]の範囲であるべき。結果: %f", score)
			}
		})
	}
}

// --- keywordDensity のテスト ---

// TestKeywordDensity_MultiWordKeyword は複合キーワードが部分文字列で照合されることをテストする。
func TestKeywordDensity_MultiWordKeyword(t *testing.T) {
	density := keywordDensity("Advances in machine learning research", []string{"machine learning"})
	if density != 1.0 {
		t.Errorf("複合キーワードが一致するべき。期待: 1.0, 結果: %f", density)
	}
}

// TestKeywordDensity_CaseInsensitive は大文字小文字を無視して照合されることをテストする。
func TestKeywordDensity_CaseInsensitive(t *testing.T) {
	density := keywordDensity("GOLANG Weekly Digest", []string{"golang"})
	if density != 1.0 {
		t.Errorf("大文字小文字を無視して一致するべき。期待: 1.0, 結果: %f", density)
	}
}

// TestKeywordDensity_NoKeywords はキーワードが空の場合に0を返すことをテストする。
func TestKeywordDensity_NoKeywords(t *testing.T) {
	if d := keywordDensity("some text", nil); d != 0 {
		t.Errorf("キーワードが空なら0を返すべき。結果: %f", d)
	}
}

// --- freshness のテスト ---

// TestFreshness_HalfLife は48時間経過でスコアが半減することをテストする。
func TestFreshness_HalfLife(t *testing.T) {
	now := time.Now()
	score := freshness(now.Add(-48*time.Hour), now)
	if score < 0.49 || score > 0.51 {
		t.Errorf("48時間経過で約0.5になるべき。結果: %f", score)
	}
}

// TestFreshness_FuturePublish は未来の公開日時が1.0として扱われることをテストする。
func TestFreshness_FuturePublish(t *testing.T) {
	now := time.Now()
	if score := freshness(now.Add(1*time.Hour), now); score != 1.0 {
		t.Errorf("未来の公開日時は1.0であるべき。結果: %f", score)
	}
}

// TestFreshness_ZeroTime はゼロ値の公開日時が0として扱われることをテストする。
func TestFreshness_ZeroTime(t *testing.T) {
	if score := freshness(time.Time{}, time.Now()); score != 0 {
		t.Errorf("ゼロ値の公開日時は0であるべき。結果: %f", score)
	}
}

// --- InferContentType のテスト ---

// TestInferContentType はスコア・要約状況に応じたコンテンツ種別の推定をテストする。
func TestInferContentType(t *testing.T) {
	cases := []struct {
		name     string
		item     *model.ContentItem
		source   *model.ContentSource
		expected model.ContentType
	}{
		{
			name:     "要約とキーテイクアウェイがあればoriginal",
			item:     &model.ContentItem{Summary: "summary", KeyTakeaways: []string{"point"}},
			source:   &model.ContentSource{},
			expected: model.ContentTypeOriginal,
		},
		{
			name:     "高スコアはcurated",
			item:     &model.ContentItem{Score: 0.6},
			source:   &model.ContentSource{},
			expected: model.ContentTypeCurated,
		},
		{
			name:     "高品質ソースはcurated",
			item:     &model.ContentItem{Score: 0.1},
			source:   &model.ContentSource{Weight: 0.8},
			expected: model.ContentTypeCurated,
		},
		{
			name:     "それ以外はsyndicated",
			item:     &model.ContentItem{Score: 0.1},
			source:   &model.ContentSource{Weight: 0.3},
			expected: model.ContentTypeSyndicated,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := InferContentType(tc.item, tc.source)
			if got != tc.expected {
				t.Errorf("期待: %s, 結果: %s", tc.expected, got)
			}
		})
	}
}

// --- EstimateReadTime / Detect系 のテスト ---

// TestEstimateReadTime は語数に応じた読了時間の推定をテストする。
func TestEstimateReadTime(t *testing.T) {
	if got := EstimateReadTime("short text"); got != 1 {
		t.Errorf("短いテキストは最低1分であるべき。結果: %d", got)
	}

	long := strings.Repeat("word ", 450)
	if got := EstimateReadTime(long); got != 3 {
		t.Errorf("450語は3分であるべき（200語/分、切り上げ）。結果: %d", got)
	}
}

// TestDetectCode はコードブロックの検出をテストする。
func TestDetectCode(t *testing.T) {
	if !DetectCode(`<p>example</p><pre><code>fmt.Println()</code></pre>`) {
		t.Error("preタグを含む本文はコードありと判定されるべき")
	}
	if DetectCode(`<p>plain text only</p>`) {
		t.Error("コードブロックのない本文はコードなしと判定されるべき")
	}
}

// TestDetectVisuals は画像の検出をテストする。
func TestDetectVisuals(t *testing.T) {
	if !DetectVisuals(`<p>intro</p><img src="https://example.com/chart.png">`) {
		t.Error("imgタグを含む本文は画像ありと判定されるべき")
	}
	if DetectVisuals(`<p>text</p>`) {
		t.Error("imgタグのない本文は画像なしと判定されるべき")
	}
}

// --- CalculateBackoff のテスト ---

// TestCalculateBackoff は指数バックオフの計算をテストする。
func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		failures int
		expected time.Duration
	}{
		{1, 30 * time.Minute},
		{2, 1 * time.Hour},
		{3, 2 * time.Hour},
		{4, 4 * time.Hour},
		{5, 8 * time.Hour},
		{6, 12 * time.Hour},  // 16時間 > 上限12時間
		{10, 12 * time.Hour}, // 上限で頭打ち
	}

	for _, tc := range cases {
		got := CalculateBackoff(tc.failures)
		if got != tc.expected {
			t.Errorf("失敗%d回: 期待 %v, 結果 %v", tc.failures, tc.expected, got)
		}
	}
}
