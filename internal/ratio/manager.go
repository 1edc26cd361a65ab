// Package ratio はエディションのコンテンツ構成比の管理を提供する。
// original/curated/syndicatedの3種別を設定された比率に近づけるよう、
// 品質フィルタ・多様性・鮮度のバランスを取りながら記事を選択する。
package ratio

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

const (
	// defaultMinItems はエディションの最小記事数。
	defaultMinItems = 5
	// defaultMaxItems はエディションの最大記事数。
	defaultMaxItems = 15
	// defaultReadTimePerItem は読了時間が未設定の場合の1記事あたりのデフォルト（分）。
	defaultReadTimePerItem = 3
	// ratioTolerance は比率合計の許容誤差。
	ratioTolerance = 0.01

	// engagementBlendPrior はエンゲージメント反映時の現行比率の重み。
	engagementBlendPrior = 0.7
	// engagementBlendSignal はエンゲージメント反映時の実績の重み。
	engagementBlendSignal = 0.3
)

// contentTypeOrder は種別の処理順。不足分の補填もこの優先順で行う。
var contentTypeOrder = []model.ContentType{
	model.ContentTypeOriginal,
	model.ContentTypeCurated,
	model.ContentTypeSyndicated,
}

// Metrics はコンテンツ選択の結果指標。
type Metrics struct {
	TotalSelected       int
	TotalQualified      int
	TargetCounts        map[model.ContentType]int
	ActualCounts        map[model.ContentType]int
	TargetRatios        model.Ratios
	ActualRatios        map[model.ContentType]float64
	DeviationFromTarget float64 // Σ|actual - target|。0が完全一致。
	AverageQuality      float64
	TotalReadTime       int // 分
	HasCodeExamples     bool
	HasVisuals          bool
	Err                 string // 空プール等の注記。エラーではなく記録のみ。
}

// Manager はコンテンツ構成比に基づく記事選択を行う。
// 一度構築したManagerの比率は不変。エンゲージメント反映時は
// 調整済み比率を持つ新しいManagerを内部で導出する。
type Manager struct {
	ratios   model.Ratios
	minItems int
	maxItems int
	logger   *slog.Logger
}

// NewManager はManagerの新しいインスタンスを生成する。
// 3種別の比率の合計が1.0±0.01でない場合はエラーを返す。
// minItems/maxItemsが0以下の場合はデフォルト値（5/15）を使用する。
func NewManager(ratios model.Ratios, minItems, maxItems int, logger *slog.Logger) (*Manager, error) {
	sum := ratios.Original + ratios.Curated + ratios.Syndicated
	if math.Abs(sum-1.0) > ratioTolerance {
		return nil, model.NewInvalidRatiosError(sum)
	}

	if minItems <= 0 {
		minItems = defaultMinItems
	}
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		ratios:   ratios,
		minItems: minItems,
		maxItems: maxItems,
		logger:   logger,
	}, nil
}

// ratioOf は指定種別の目標比率を返す。
func (m *Manager) ratioOf(ct model.ContentType) float64 {
	switch ct {
	case model.ContentTypeOriginal:
		return m.ratios.Original
	case model.ContentTypeCurated:
		return m.ratios.Curated
	case model.ContentTypeSyndicated:
		return m.ratios.Syndicated
	}
	return 0
}

// calculateItemCounts は種別ごとの目標記事数を計算する。
// round(total×ratio)の端数はoriginalに加算し、originalは最低1を保証する
// （不足分はsyndicatedから1枠を融通する）。
func (m *Manager) calculateItemCounts(total int) map[model.ContentType]int {
	counts := make(map[model.ContentType]int, len(contentTypeOrder))
	remaining := total

	// 0.5ちょうどの端数は偶数丸め。端数分の枠はoriginal側に寄る。
	for _, ct := range contentTypeOrder {
		count := int(math.RoundToEven(float64(total) * m.ratioOf(ct)))
		counts[ct] = count
		remaining -= count
	}

	// 丸め誤差はoriginalで吸収する
	if remaining != 0 {
		counts[model.ContentTypeOriginal] += remaining
	}

	if counts[model.ContentTypeOriginal] < 1 {
		counts[model.ContentTypeOriginal] = 1
		if counts[model.ContentTypeSyndicated] > 0 {
			counts[model.ContentTypeSyndicated]--
		}
	}

	return counts
}

// SelectContent はプールから構成比に従って記事を選択する。
// targetCountが0の場合はclamp(minItems, len(pool)/2, maxItems)で自動決定する。
// 空プールや品質不足でもエラーにはせず、常にベストエフォートの結果を返す。
func (m *Manager) SelectContent(pool []*model.ContentItem, targetCount int, qualityThreshold float64) ([]*model.ContentItem, Metrics) {
	if len(pool) == 0 {
		return nil, Metrics{Err: "コンテンツがありません", DeviationFromTarget: 1.0, TargetRatios: m.ratios}
	}

	// 品質フィルタ
	qualified := make([]*model.ContentItem, 0, len(pool))
	for _, item := range pool {
		if item.Score >= qualityThreshold {
			qualified = append(qualified, item)
		}
	}

	// 全滅した場合は品質を無視して先頭から最小数を採用する（縮退モード）
	if len(qualified) == 0 {
		m.logger.Warn("品質閾値を満たすコンテンツがありません",
			slog.Float64("quality_threshold", qualityThreshold),
			slog.Int("pool_size", len(pool)),
		)
		n := m.minItems
		if n > len(pool) {
			n = len(pool)
		}
		qualified = pool[:n]
	}

	// 種別ごとに分配し、スコア降順に並べる（同点は元の順序を維持）
	buckets := make(map[model.ContentType][]*model.ContentItem, len(contentTypeOrder))
	for _, item := range qualified {
		buckets[item.ContentType] = append(buckets[item.ContentType], item)
	}
	for _, items := range buckets {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Score > items[j].Score
		})
	}

	if targetCount <= 0 {
		targetCount = len(qualified) / 2
		if targetCount < m.minItems {
			targetCount = m.minItems
		}
		if targetCount > m.maxItems {
			targetCount = m.maxItems
		}
	}

	targetCounts := m.calculateItemCounts(targetCount)

	// 選択。各バケットの消費位置を記録し、同じ記事を二重に選ばない。
	selected := make([]*model.ContentItem, 0, targetCount)
	actualCounts := make(map[model.ContentType]int, len(contentTypeOrder))
	used := make(map[model.ContentType]int, len(contentTypeOrder))

	takeFrom := func(ct model.ContentType, n int) []*model.ContentItem {
		items := buckets[ct]
		start := used[ct]
		if start >= len(items) {
			return nil
		}
		end := start + n
		if end > len(items) {
			end = len(items)
		}
		used[ct] = end
		return items[start:end]
	}

	for _, ct := range contentTypeOrder {
		taken := takeFrom(ct, targetCounts[ct])
		selected = append(selected, taken...)
		actualCounts[ct] += len(taken)

		// 不足分は優先順で他バケットから補填する
		deficit := targetCounts[ct] - len(taken)
		if deficit <= 0 {
			continue
		}
		m.logger.Info("種別の記事数が不足しています",
			slog.String("content_type", string(ct)),
			slog.Int("deficit", deficit),
		)
		for _, fallback := range contentTypeOrder {
			if fallback == ct {
				continue
			}
			fill := takeFrom(fallback, deficit)
			selected = append(selected, fill...)
			actualCounts[fallback] += len(fill)
			deficit -= len(fill)
			if deficit <= 0 {
				break
			}
		}
	}

	// 提示用に全体をスコア降順で整列
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Score > selected[j].Score
	})

	metrics := m.selectionMetrics(selected, actualCounts, targetCounts, len(qualified))
	return selected, metrics
}

// selectionMetrics は選択結果の指標を計算する。
func (m *Manager) selectionMetrics(selected []*model.ContentItem, actualCounts, targetCounts map[model.ContentType]int, totalQualified int) Metrics {
	total := len(selected)
	if total == 0 {
		return Metrics{
			TargetCounts:        targetCounts,
			ActualCounts:        actualCounts,
			TargetRatios:        m.ratios,
			DeviationFromTarget: 1.0,
		}
	}

	// 乖離は丸め後の目標数に対して計算する。目標通りに選択できた場合は0になる。
	actualRatios := make(map[model.ContentType]float64, len(contentTypeOrder))
	var deviation float64
	for _, ct := range contentTypeOrder {
		actual := float64(actualCounts[ct]) / float64(total)
		target := float64(targetCounts[ct]) / float64(total)
		actualRatios[ct] = actual
		deviation += math.Abs(actual - target)
	}

	var scoreSum float64
	var readTime int
	var hasCode, hasVisuals bool
	for _, item := range selected {
		scoreSum += item.Score
		readTime += item.ReadTimeMinutes
		hasCode = hasCode || item.HasCode
		hasVisuals = hasVisuals || item.HasVisuals
	}
	if readTime == 0 {
		readTime = total * defaultReadTimePerItem
	}

	return Metrics{
		TotalSelected:       total,
		TotalQualified:      totalQualified,
		TargetCounts:        targetCounts,
		ActualCounts:        actualCounts,
		TargetRatios:        m.ratios,
		ActualRatios:        actualRatios,
		DeviationFromTarget: deviation,
		AverageQuality:      scoreSum / float64(total),
		TotalReadTime:       readTime,
		HasCodeExamples:     hasCode,
		HasVisuals:          hasVisuals,
	}
}

// OptimizeContentMix はエンゲージメント実績を比率に反映して記事を再選択し、
// 多様性・鮮度のバランスを適用する。engagementは種別ごとのエンゲージメント率
// （開封率等）。nilまたは合計0の場合は現行比率をそのまま使用する。
func (m *Manager) OptimizeContentMix(pool []*model.ContentItem, engagement map[model.ContentType]float64, now time.Time) []*model.ContentItem {
	selector := m
	if adjusted, ok := m.adjustRatiosByEngagement(engagement); ok {
		selector = &Manager{
			ratios:   adjusted,
			minItems: m.minItems,
			maxItems: m.maxItems,
			logger:   m.logger,
		}
	}

	selected, _ := selector.SelectContent(pool, 0, 0.5)
	selected = ensureTopicDiversity(selected, 3)
	return applyTemporalDistribution(selected, now)
}

// adjustRatiosByEngagement は現行比率70%・エンゲージメント実績30%で
// ブレンドした比率を計算し、合計1.0に正規化して返す。
// 実績がない場合はfalseを返す。
func (m *Manager) adjustRatiosByEngagement(engagement map[model.ContentType]float64) (model.Ratios, bool) {
	var total float64
	for _, v := range engagement {
		total += v
	}
	if total == 0 {
		return m.ratios, false
	}

	blend := func(ct model.ContentType) float64 {
		current := m.ratioOf(ct)
		signal, ok := engagement[ct]
		if !ok {
			return current
		}
		return engagementBlendPrior*current + engagementBlendSignal*(signal/total)
	}

	adjusted := model.Ratios{
		Original:   blend(model.ContentTypeOriginal),
		Curated:    blend(model.ContentTypeCurated),
		Syndicated: blend(model.ContentTypeSyndicated),
	}

	sum := adjusted.Original + adjusted.Curated + adjusted.Syndicated
	adjusted.Original /= sum
	adjusted.Curated /= sum
	adjusted.Syndicated /= sum
	return adjusted, true
}

// ensureTopicDiversity はタグの多様性を確保する。未知のタグを導入する記事を
// 優先的に残し、ユニークタグ数の下限を満たしたあとは既出タグのみの記事を
// 後回しにする。記事の総数は変えない。
func ensureTopicDiversity(items []*model.ContentItem, minUniqueTags int) []*model.ContentItem {
	if len(items) <= minUniqueTags {
		return items
	}

	seen := make(map[string]bool)
	diverse := make([]*model.ContentItem, 0, len(items))
	var remaining []*model.ContentItem

	for _, item := range items {
		if len(item.Tags) == 0 {
			remaining = append(remaining, item)
			continue
		}

		introduces := false
		for _, tag := range item.Tags {
			if !seen[tag] {
				introduces = true
				break
			}
		}

		if introduces || len(seen) < minUniqueTags {
			diverse = append(diverse, item)
			for _, tag := range item.Tags {
				seen[tag] = true
			}
		} else {
			remaining = append(remaining, item)
		}
	}

	// 残り枠は高スコア順（元の並びを維持）で埋める
	slots := len(items) - len(diverse)
	if slots > len(remaining) {
		slots = len(remaining)
	}
	return append(diverse, remaining[:slots]...)
}

// applyTemporalDistribution は鮮度バケット（<1日/1-3日/3-7日/>7日）に
// 40/30/20/10の配分を適用する。端数で埋まらない枠はスコア降順で補填する。
// 記事の総数は変えない。
func applyTemporalDistribution(items []*model.ContentItem, now time.Time) []*model.ContentItem {
	if len(items) <= 3 {
		return items
	}

	var veryFresh, fresh, recent, evergreen []*model.ContentItem
	for _, item := range items {
		if item.PublishedAt.IsZero() {
			recent = append(recent, item)
			continue
		}
		age := now.Sub(item.PublishedAt)
		switch {
		case age < 24*time.Hour:
			veryFresh = append(veryFresh, item)
		case age < 3*24*time.Hour:
			fresh = append(fresh, item)
		case age < 7*24*time.Hour:
			recent = append(recent, item)
		default:
			evergreen = append(evergreen, item)
		}
	}

	total := len(items)
	result := make([]*model.ContentItem, 0, total)
	included := make(map[*model.ContentItem]bool, total)

	take := func(bucket []*model.ContentItem, n int) {
		if n > len(bucket) {
			n = len(bucket)
		}
		for _, item := range bucket[:n] {
			result = append(result, item)
			included[item] = true
		}
	}

	take(veryFresh, int(float64(total)*0.4))
	take(fresh, int(float64(total)*0.3))
	take(recent, int(float64(total)*0.2))
	take(evergreen, int(float64(total)*0.1))

	// 残り枠は未選択の記事からスコア降順で埋める
	var leftover []*model.ContentItem
	for _, bucket := range [][]*model.ContentItem{veryFresh, fresh, recent, evergreen} {
		for _, item := range bucket {
			if !included[item] {
				leftover = append(leftover, item)
			}
		}
	}
	sort.SliceStable(leftover, func(i, j int) bool {
		return leftover[i].Score > leftover[j].Score
	})

	slots := total - len(result)
	if slots > len(leftover) {
		slots = len(leftover)
	}
	return append(result, leftover[:slots]...)
}

// ContentHash は重複判定用のハッシュを生成する。
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// DeduplicateContent はタイトル+要約のハッシュで重複記事を除外する。
// 先に現れた記事を残す。冪等。
func DeduplicateContent(items []*model.ContentItem) []*model.ContentItem {
	if len(items) <= 1 {
		return items
	}

	seen := make(map[string]bool, len(items))
	unique := make([]*model.ContentItem, 0, len(items))
	for _, item := range items {
		hash := ContentHash(item.Title + item.Summary)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		unique = append(unique, item)
	}
	return unique
}
