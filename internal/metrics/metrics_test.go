package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue は指定メトリクスのカウンタ値を取得する。
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("%s metric not found", name)
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordFetchSuccess_IncrementsCounter はフェッチ成功カウンタが増加することを検証する。
func TestRecordFetchSuccess_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchSuccess("src-1")
	c.RecordFetchSuccess("src-1")

	if val := counterValue(t, reg, "newsmill_fetch_success_total"); val != 2 {
		t.Errorf("fetch_success_total = %v, want 2", val)
	}
}

// TestRecordFetchFailure_IncrementsCounter はフェッチ失敗カウンタが増加することを検証する。
func TestRecordFetchFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchFailure("src-2", "timeout")

	if val := counterValue(t, reg, "newsmill_fetch_fail_total"); val != 1 {
		t.Errorf("fetch_fail_total = %v, want 1", val)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "newsmill_http_status_total" {
			found = true
			if len(mf.GetMetric()) != 2 {
				t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
			}
			for _, m := range mf.GetMetric() {
				label := m.GetLabel()[0].GetValue()
				val := m.GetCounter().GetValue()
				switch label {
				case "200":
					if val != 2 {
						t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
					}
				case "404":
					if val != 1 {
						t.Errorf("http_status_total{status_code=404} = %v, want 1", val)
					}
				default:
					t.Errorf("unexpected label value: %s", label)
				}
			}
		}
	}
	if !found {
		t.Error("newsmill_http_status_total metric not found")
	}
}

// TestRecordFetchLatency_ObservesHistogram はフェッチレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordFetchLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchLatency(100 * time.Millisecond)
	c.RecordFetchLatency(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "newsmill_fetch_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
			}
			// 合計は0.1 + 2.0 = 2.1秒
			if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
				t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
			}
		}
	}
	if !found {
		t.Error("newsmill_fetch_latency_seconds metric not found")
	}
}

// TestRecordItemsStored_AddsCount は記事保存カウンタが件数分増加することを検証する。
func TestRecordItemsStored_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordItemsStored(10)
	c.RecordItemsStored(5)

	if val := counterValue(t, reg, "newsmill_items_stored_total"); val != 15 {
		t.Errorf("items_stored_total = %v, want 15", val)
	}
}

// TestRecordEmailCounters は送信成功・失敗カウンタを検証する。
func TestRecordEmailCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEmailSent()
	c.RecordEmailSent()
	c.RecordEmailFailed()

	if val := counterValue(t, reg, "newsmill_emails_sent_total"); val != 2 {
		t.Errorf("emails_sent_total = %v, want 2", val)
	}
	if val := counterValue(t, reg, "newsmill_emails_failed_total"); val != 1 {
		t.Errorf("emails_failed_total = %v, want 1", val)
	}
}

// TestRecordEngagementCounters は開封・クリックカウンタを検証する。
func TestRecordEngagementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOpen()
	c.RecordClick()
	c.RecordClick()

	if val := counterValue(t, reg, "newsmill_opens_total"); val != 1 {
		t.Errorf("opens_total = %v, want 1", val)
	}
	if val := counterValue(t, reg, "newsmill_clicks_total"); val != 2 {
		t.Errorf("clicks_total = %v, want 2", val)
	}
}

// TestRecordLLMRequest_LabelsByCacheHit はLLMリクエストがキャッシュ別に記録されることを検証する。
func TestRecordLLMRequest_LabelsByCacheHit(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLLMRequest("summarize", true)
	c.RecordLLMRequest("summarize", false)
	c.RecordLLMRequest("summarize", false)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != "newsmill_llm_requests_total" {
			continue
		}
		if len(mf.GetMetric()) != 2 {
			t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
		}
		for _, m := range mf.GetMetric() {
			var cache string
			for _, l := range m.GetLabel() {
				if l.GetName() == "cache" {
					cache = l.GetValue()
				}
			}
			val := m.GetCounter().GetValue()
			if cache == "hit" && val != 1 {
				t.Errorf("llm_requests_total{cache=hit} = %v, want 1", val)
			}
			if cache == "miss" && val != 2 {
				t.Errorf("llm_requests_total{cache=miss} = %v, want 2", val)
			}
		}
		return
	}
	t.Error("newsmill_llm_requests_total metric not found")
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	// いくつかのメトリクスを記録
	c.RecordFetchSuccess("src-test")
	c.RecordFetchFailure("src-test", "error")
	c.RecordHTTPStatus(200)
	c.RecordFetchLatency(500 * time.Millisecond)
	c.RecordEmailSent()
	c.RecordItemsStored(3)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	// Prometheus形式のメトリクスが含まれていることを確認
	expectedMetrics := []string{
		"newsmill_fetch_success_total",
		"newsmill_fetch_fail_total",
		"newsmill_http_status_total",
		"newsmill_fetch_latency_seconds",
		"newsmill_emails_sent_total",
		"newsmill_items_stored_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordFetchSuccess("src-a")
	c2.RecordFetchSuccess("src-b")
	c2.RecordFetchSuccess("src-b")

	if val := counterValue(t, reg1, "newsmill_fetch_success_total"); val != 1 {
		t.Errorf("reg1 fetch_success = %v, want 1", val)
	}
	if val := counterValue(t, reg2, "newsmill_fetch_success_total"); val != 2 {
		t.Errorf("reg2 fetch_success = %v, want 2", val)
	}
}
