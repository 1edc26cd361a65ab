package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// TrackerInterface はトラッキングハンドラーが必要とするサービスインターフェース。
type TrackerInterface interface {
	// RecordOpen は開封イベントを記録する。
	RecordOpen(ctx context.Context, trackingID, ipAddress, userAgent string) error
	// RecordClick はクリックイベントを記録する。
	RecordClick(ctx context.Context, trackingID, url, ipAddress, userAgent string) error
}

// TrackingHandler は開封・クリック追跡のHTTPハンドラー。
// メールクライアントからのリクエストを受けるため、記録に失敗しても
// 常に正常なレスポンスを返す。
type TrackingHandler struct {
	tracker TrackerInterface
	logger  *slog.Logger
}

// NewTrackingHandler はTrackingHandlerを生成する。
func NewTrackingHandler(tracker TrackerInterface, logger *slog.Logger) *TrackingHandler {
	return &TrackingHandler{tracker: tracker, logger: logger}
}

// transparentGIF は1x1の透過GIF。開封ピクセルとして返す。
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Open は開封ピクセルのリクエストを処理する。
// GET /track/open/{id}
//
// 記録の成否に関わらず常にGIFを返す。エラーを返すとメールクライアントに
// 壊れた画像が表示されるため。
func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "id")
	if trackingID != "" {
		err := h.tracker.RecordOpen(r.Context(), trackingID, clientIP(r), r.UserAgent())
		if err != nil {
			h.logger.Warn("開封イベントの記録に失敗しました",
				slog.String("tracking_id", trackingID),
				slog.String("error", err.Error()))
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transparentGIF)
}

// Click はクリック追跡リダイレクトを処理する。
// GET /track/click/{id}?url=...
//
// 記録の成否に関わらず常にリダイレクトする。追跡の失敗で購読者の
// リンク遷移を妨げてはならない。
func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "id")
	targetURL := r.URL.Query().Get("url")
	if targetURL == "" {
		// リダイレクト先がないため「常にリダイレクト」の唯一の例外。
		// 正規のメールから生成されるリンクには必ずurlが付く。
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	if trackingID != "" {
		err := h.tracker.RecordClick(r.Context(), trackingID, targetURL, clientIP(r), r.UserAgent())
		if err != nil {
			h.logger.Warn("クリックイベントの記録に失敗しました",
				slog.String("tracking_id", trackingID),
				slog.String("error", err.Error()))
		}
	}

	http.Redirect(w, r, targetURL, http.StatusFound)
}

// clientIP はリクエスト元のIPアドレスを返す。
// プロキシ経由の場合はX-Forwarded-Forの先頭を優先する。
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
