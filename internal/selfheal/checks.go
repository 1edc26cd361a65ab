package selfheal

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/hitoshi/newsmill/internal/email"
	"github.com/hitoshi/newsmill/internal/llm"
	"github.com/hitoshi/newsmill/internal/repository"
)

// feedDisableDuration は失敗し続けるソースを無効化する期間。
const feedDisableDuration = 6 * time.Hour

// feedFailureThreshold はソースを異常とみなす連続失敗回数。
const feedFailureThreshold = 5

// DatabaseCheck はデータベース接続の健全性を確認する。
type DatabaseCheck struct {
	db *sql.DB
}

// NewDatabaseCheck はDatabaseCheckを生成する。
func NewDatabaseCheck(db *sql.DB) *DatabaseCheck {
	return &DatabaseCheck{db: db}
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) Probe(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("データベースへの接続に失敗しました: %w", err)
	}
	return nil
}

// Remediate は再接続を試みる。コネクションプールは死んだ接続を
// 破棄するため、Pingの成功が回復を意味する。
func (c *DatabaseCheck) Remediate(ctx context.Context) error {
	return c.Probe(ctx)
}

// SMTPCheck はSMTPリレーへの到達性を確認し、失敗時は次のリレーへ切り替える。
type SMTPCheck struct {
	sender *email.SMTPSender
	relays []email.RelayConfig
}

// NewSMTPCheck はSMTPCheckを生成する。relaysはローテーション候補の一覧で、
// senderの現在のリレーを含んでいてよい。
func NewSMTPCheck(sender *email.SMTPSender, relays []email.RelayConfig) *SMTPCheck {
	return &SMTPCheck{sender: sender, relays: relays}
}

func (c *SMTPCheck) Name() string { return "smtp" }

func (c *SMTPCheck) Probe(ctx context.Context) error {
	relay := c.sender.Relay()
	conn, err := net.DialTimeout("tcp", relay.Addr(), 10*time.Second)
	if err != nil {
		return fmt.Errorf("SMTPリレーへの接続に失敗しました: %w", err)
	}
	return conn.Close()
}

// Remediate はアクティブなリレーをローテーション候補の次の1つへ切り替える。
func (c *SMTPCheck) Remediate(ctx context.Context) error {
	if len(c.relays) < 2 {
		return fmt.Errorf("切り替え可能なSMTPリレーがありません")
	}
	current := c.sender.Relay().Addr()
	for i, relay := range c.relays {
		if relay.Addr() == current {
			c.sender.SwapRelay(c.relays[(i+1)%len(c.relays)])
			return nil
		}
	}
	// 現在のリレーが候補一覧にない場合は先頭へ戻す
	c.sender.SwapRelay(c.relays[0])
	return nil
}

// OllamaCheck はOllamaの稼働とモデルの存在を確認し、失敗時はモデルを再取得する。
type OllamaCheck struct {
	client llm.Client
	model  string
}

// NewOllamaCheck はOllamaCheckを生成する。
func NewOllamaCheck(client llm.Client, model string) *OllamaCheck {
	return &OllamaCheck{client: client, model: model}
}

func (c *OllamaCheck) Name() string { return "ollama" }

func (c *OllamaCheck) Probe(ctx context.Context) error {
	if !c.client.Available(ctx) {
		return fmt.Errorf("Ollamaが利用できないか、モデル %s が存在しません", c.model)
	}
	return nil
}

func (c *OllamaCheck) Remediate(ctx context.Context) error {
	return c.client.PullModel(ctx, c.model)
}

// FeedCheck は連続失敗しているコンテンツソースを検出し、一定期間無効化する。
type FeedCheck struct {
	sources repository.SourceRepository
}

// NewFeedCheck はFeedCheckを生成する。
func NewFeedCheck(sources repository.SourceRepository) *FeedCheck {
	return &FeedCheck{sources: sources}
}

func (c *FeedCheck) Name() string { return "feeds" }

func (c *FeedCheck) Probe(ctx context.Context) error {
	failing, err := c.sources.ListFailing(ctx, feedFailureThreshold)
	if err != nil {
		return fmt.Errorf("失敗中ソースの取得に失敗しました: %w", err)
	}
	if len(failing) > 0 {
		return fmt.Errorf("連続失敗中のソースが%d件あります", len(failing))
	}
	return nil
}

// Remediate は失敗し続けるソースを6時間無効化する。
// 無効化されたソースはListFailingの対象から外れ、チェックは回復する。
func (c *FeedCheck) Remediate(ctx context.Context) error {
	failing, err := c.sources.ListFailing(ctx, feedFailureThreshold)
	if err != nil {
		return fmt.Errorf("失敗中ソースの取得に失敗しました: %w", err)
	}

	until := time.Now().UTC().Add(feedDisableDuration)
	for _, source := range failing {
		reason := fmt.Sprintf("自己修復により無効化（連続失敗%d回）", source.ConsecutiveFailures)
		if err := c.sources.Disable(ctx, source.ID, until, reason); err != nil {
			return fmt.Errorf("ソースの無効化に失敗しました: %w", err)
		}
	}
	return nil
}

var (
	_ Check = (*DatabaseCheck)(nil)
	_ Check = (*SMTPCheck)(nil)
	_ Check = (*OllamaCheck)(nil)
	_ Check = (*FeedCheck)(nil)
)
