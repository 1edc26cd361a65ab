package app

import (
	"context"

	"github.com/hitoshi/newsmill/internal/handler"
	"github.com/hitoshi/newsmill/internal/metrics"
)

// metricsTracker はトラッキング記録にPrometheusカウンタの更新を重ねるデコレータ。
type metricsTracker struct {
	tracker handler.TrackerInterface
	metrics metrics.MetricsCollector
}

var _ handler.TrackerInterface = (*metricsTracker)(nil)

func (m *metricsTracker) RecordOpen(ctx context.Context, trackingID, ipAddress, userAgent string) error {
	m.metrics.RecordOpen()
	return m.tracker.RecordOpen(ctx, trackingID, ipAddress, userAgent)
}

func (m *metricsTracker) RecordClick(ctx context.Context, trackingID, url, ipAddress, userAgent string) error {
	m.metrics.RecordClick()
	return m.tracker.RecordClick(ctx, trackingID, url, ipAddress, userAgent)
}
