// Package token は購読解除・メール確認用の署名付きトークンを提供する。
// トークンは base64url(JSONペイロード) + "." + HMAC-SHA256署名 の形式で、
// サーバー側に状態を持たない。
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmill/internal/model"
)

const (
	// UnsubscribeTokenTTL は購読解除トークンの有効期間。
	// 古いメールのリンクでも解除できるよう長めに設定する。
	UnsubscribeTokenTTL = 365 * 24 * time.Hour

	// VerificationTokenTTL はメール確認トークンの有効期間。
	VerificationTokenTTL = 48 * time.Hour

	// unsubscribeSigLen は購読解除トークンの署名の16進文字数。
	// URLを短く保つため64ビットに切り詰める。総当たりは非現実的。
	unsubscribeSigLen = 16
)

// Manager は署名付きトークンの発行と検証を行う。
type Manager struct {
	secret []byte
}

// NewManager はManagerを生成する。
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

type unsubscribePayload struct {
	SubscriberID string `json:"sub"`
	NewsletterID string `json:"news"`
	ExpiresAt    int64  `json:"exp"`
	Nonce        string `json:"nonce"`
}

type verificationPayload struct {
	SubscriberID string `json:"sub"`
	ExpiresAt    int64  `json:"exp"`
	Nonce        string `json:"nonce"`
}

func (m *Manager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func encode(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ペイロードのシリアライズに失敗しました: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// IssueUnsubscribe は購読解除トークンを発行する。
func (m *Manager) IssueUnsubscribe(subscriberID, newsletterID string, now time.Time) (string, error) {
	encoded, err := encode(unsubscribePayload{
		SubscriberID: subscriberID,
		NewsletterID: newsletterID,
		ExpiresAt:    now.Add(UnsubscribeTokenTTL).Unix(),
		Nonce:        uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	sig := m.sign([]byte(encoded))[:unsubscribeSigLen]
	return encoded + "." + sig, nil
}

// VerifyUnsubscribe は購読解除トークンを検証し、購読者IDとニュースレターIDを返す。
func (m *Manager) VerifyUnsubscribe(tok string, now time.Time) (subscriberID, newsletterID string, err error) {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return "", "", model.NewInvalidTokenError()
	}
	expected := m.sign([]byte(encoded))[:unsubscribeSigLen]
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", "", model.NewInvalidTokenError()
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", model.NewInvalidTokenError()
	}
	var payload unsubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", "", model.NewInvalidTokenError()
	}
	if now.Unix() > payload.ExpiresAt {
		return "", "", model.NewInvalidTokenError()
	}
	return payload.SubscriberID, payload.NewsletterID, nil
}

// IssueVerification はメール確認トークンを発行する。
func (m *Manager) IssueVerification(subscriberID string, now time.Time) (string, error) {
	encoded, err := encode(verificationPayload{
		SubscriberID: subscriberID,
		ExpiresAt:    now.Add(VerificationTokenTTL).Unix(),
		Nonce:        uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	return encoded + "." + m.sign([]byte(encoded)), nil
}

// VerifyVerification はメール確認トークンを検証し、購読者IDを返す。
func (m *Manager) VerifyVerification(tok string, now time.Time) (string, error) {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return "", model.NewInvalidTokenError()
	}
	expected := m.sign([]byte(encoded))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", model.NewInvalidTokenError()
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", model.NewInvalidTokenError()
	}
	var payload verificationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", model.NewInvalidTokenError()
	}
	if now.Unix() > payload.ExpiresAt {
		return "", model.NewInvalidTokenError()
	}
	return payload.SubscriberID, nil
}
