// Package sendpoll は予約済みエディションの定期送信を提供する。
// ティッカー駆動で送信予定時刻が到来したエディションを配信する。
package sendpoll

import (
	"context"
	"log/slog"
	"time"
)

// ScheduledSender は予約送信処理の実行インターフェース。
type ScheduledSender interface {
	// ProcessScheduledSends は送信予定時刻が到来したエディションを全て配信する。
	ProcessScheduledSends(ctx context.Context) error
}

// Poller は予約送信のポーリングを行う。
// 5分間隔（デフォルト）でdeliveryに処理を委譲する。
type Poller struct {
	sender ScheduledSender
	logger *slog.Logger
}

// NewPoller はPollerの新しいインスタンスを生成する。
func NewPoller(sender ScheduledSender, logger *slog.Logger) *Poller {
	return &Poller{
		sender: sender,
		logger: logger,
	}
}

// Start は指定間隔のティッカーでポーラーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("予約送信ポーラーを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := p.RunOnce(ctx); err != nil {
		p.logger.Error("予約送信の処理に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("予約送信ポーラーを停止しました")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("予約送信の処理に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は予約送信処理を1回実行する。
func (p *Poller) RunOnce(ctx context.Context) error {
	return p.sender.ProcessScheduledSends(ctx)
}
