// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordFetchSuccess(sourceID string)
	RecordFetchFailure(sourceID string, reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItemsStored(count int)
	RecordEmailSent()
	RecordEmailFailed()
	RecordOpen()
	RecordClick()
	RecordLLMRequest(operation string, cacheHit bool)
	RecordLLMLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess prometheus.Counter
	fetchFail    prometheus.Counter
	httpStatus   *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	itemsStored  prometheus.Counter
	emailsSent   prometheus.Counter
	emailsFailed prometheus.Counter
	opens        prometheus.Counter
	clicks       prometheus.Counter
	llmRequests  *prometheus.CounterVec
	llmLatency   prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_fetch_success_total",
			Help: "コンテンツソースのフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_fetch_fail_total",
			Help: "コンテンツソースのフェッチ失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmill_http_status_total",
			Help: "外部フェッチのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsmill_fetch_latency_seconds",
			Help:    "コンテンツフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_items_stored_total",
			Help: "保存された記事の合計数",
		}),
		emailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_emails_sent_total",
			Help: "送信成功したメールの合計数",
		}),
		emailsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_emails_failed_total",
			Help: "送信失敗したメールの合計数",
		}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_opens_total",
			Help: "記録された開封イベントの合計数",
		}),
		clicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmill_clicks_total",
			Help: "記録されたクリックイベントの合計数",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmill_llm_requests_total",
			Help: "LLMリクエストの合計数（操作・キャッシュヒット別）",
		}, []string{"operation", "cache"}),
		llmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsmill_llm_latency_seconds",
			Help:    "LLM呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.itemsStored,
		c.emailsSent,
		c.emailsFailed,
		c.opens,
		c.clicks,
		c.llmRequests,
		c.llmLatency,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(sourceID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(sourceID string, reason string) {
	c.fetchFail.Inc()
}

// RecordHTTPStatus は外部フェッチのHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsStored は保存された記事数を記録する。
func (c *Collector) RecordItemsStored(count int) {
	c.itemsStored.Add(float64(count))
}

// RecordEmailSent はメール送信成功を記録する。
func (c *Collector) RecordEmailSent() {
	c.emailsSent.Inc()
}

// RecordEmailFailed はメール送信失敗を記録する。
func (c *Collector) RecordEmailFailed() {
	c.emailsFailed.Inc()
}

// RecordOpen は開封イベントを記録する。
func (c *Collector) RecordOpen() {
	c.opens.Inc()
}

// RecordClick はクリックイベントを記録する。
func (c *Collector) RecordClick() {
	c.clicks.Inc()
}

// RecordLLMRequest はLLMリクエストを操作名とキャッシュヒット有無付きで記録する。
func (c *Collector) RecordLLMRequest(operation string, cacheHit bool) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	c.llmRequests.WithLabelValues(operation, cache).Inc()
}

// RecordLLMLatency はLLM呼び出しのレイテンシを記録する。
func (c *Collector) RecordLLMLatency(duration time.Duration) {
	c.llmLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
