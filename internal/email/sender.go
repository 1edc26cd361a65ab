// Package email はSMTP経由のメール送信を提供する。
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// Message は送信する1通のメールを表す。
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	// Send は1通のメールを送信する。
	Send(ctx context.Context, msg *Message) error

	// SendBatch は複数のメールを順次送信し、メッセージごとの結果を返す。
	// 戻り値のスライスはmsgsと同じ長さで、成功した位置はnil。
	SendBatch(ctx context.Context, msgs []*Message) []error
}

// RelayConfig はSMTPリレーの接続設定。
type RelayConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// Addr はhost:port形式のアドレスを返す。
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SMTPSender はnet/smtpによるSender実装。
// アクティブなリレーは自己修復によって実行中に差し替えられるため、
// mutexで保護する。
type SMTPSender struct {
	mu     sync.RWMutex
	relay  RelayConfig
	logger *slog.Logger
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender はSMTPSenderの新しいインスタンスを生成する。
func NewSMTPSender(relay RelayConfig, logger *slog.Logger) *SMTPSender {
	if relay.Timeout <= 0 {
		relay.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{relay: relay, logger: logger}
}

// Relay は現在のリレー設定を返す。
func (s *SMTPSender) Relay() RelayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay
}

// SwapRelay はアクティブなリレーを差し替える。自己修復から呼ばれる。
func (s *SMTPSender) SwapRelay(relay RelayConfig) {
	if relay.Timeout <= 0 {
		relay.Timeout = 30 * time.Second
	}
	s.mu.Lock()
	old := s.relay.Addr()
	s.relay = relay
	s.mu.Unlock()

	s.logger.Info("SMTPリレーを切り替えました",
		slog.String("old_relay", old),
		slog.String("new_relay", relay.Addr()),
	)
}

// Send は1通のメールをSMTPで送信する。
// 接続タイムアウト付きでダイヤルし、STARTTLSが提供されていれば使用、
// 認証情報が設定されていればAUTHを行う。
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	relay := s.Relay()

	if msg.From == "" || msg.To == "" {
		return fmt.Errorf("送信元と宛先は必須です")
	}

	dialer := &net.Dialer{Timeout: relay.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", relay.Addr())
	if err != nil {
		return fmt.Errorf("SMTP接続に失敗しました: %w", err)
	}

	// 送信全体に接続タイムアウトと同じ期限を設ける
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(relay.Timeout))
	}

	client, err := smtp.NewClient(conn, relay.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTPクライアントの初期化に失敗しました: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: relay.Host}); err != nil {
			return fmt.Errorf("STARTTLSに失敗しました: %w", err)
		}
	}

	if relay.User != "" {
		auth := smtp.PlainAuth("", relay.User, relay.Password, relay.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP認証に失敗しました: %w", err)
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("MAIL FROMに失敗しました: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("RCPT TOに失敗しました: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATAの開始に失敗しました: %w", err)
	}
	if _, err := w.Write(BuildMIME(msg)); err != nil {
		return fmt.Errorf("本文の書き込みに失敗しました: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("本文の送信に失敗しました: %w", err)
	}

	return client.Quit()
}

// SendBatch は複数のメールを順次送信する。戻り値はmsgsと同じ長さで、
// 成功した位置はnil。途中で失敗しても残りの送信は継続する。
func (s *SMTPSender) SendBatch(ctx context.Context, msgs []*Message) []error {
	errs := make([]error, len(msgs))
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		errs[i] = s.Send(ctx, msg)
	}
	return errs
}

// mimeBoundary はmultipart/alternativeの境界文字列。
// 固定値で問題ない（本文はquoted-printableではなく8bitで送る）。
const mimeBoundary = "=_newsmill_boundary"

// BuildMIME はメッセージをmultipart/alternative形式のMIMEバイト列に変換する。
// text/plainパートを先、text/htmlパートを後に置く（RFC 2046: 後のパートが優先）。
func BuildMIME(msg *Message) []byte {
	var b strings.Builder

	writeHeader := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	writeHeader("From", msg.From)
	writeHeader("To", msg.To)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Date", time.Now().Format(time.RFC1123Z))

	for key, value := range msg.Headers {
		writeHeader(key, value)
	}

	switch {
	case msg.HTML != "" && msg.Text != "":
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mimeBoundary))
		b.WriteString("\r\n")

		b.WriteString("--" + mimeBoundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		b.WriteString(msg.Text)
		b.WriteString("\r\n")

		b.WriteString("--" + mimeBoundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		b.WriteString(msg.HTML)
		b.WriteString("\r\n")

		b.WriteString("--" + mimeBoundary + "--\r\n")

	case msg.HTML != "":
		writeHeader("Content-Type", "text/html; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(msg.HTML)
		b.WriteString("\r\n")

	default:
		writeHeader("Content-Type", "text/plain; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(msg.Text)
		b.WriteString("\r\n")
	}

	return []byte(b.String())
}
