package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

// UnsubscribeServiceInterface は公開ハンドラーが必要とする購読解除・確認サービス。
type UnsubscribeServiceInterface interface {
	// Unsubscribe はトークンで指定された購読を解除する。
	Unsubscribe(ctx context.Context, tok string, now time.Time) error
	// Verify はトークンで指定された購読者をメール確認済みにする。
	Verify(ctx context.Context, tok string, now time.Time) (*model.Subscriber, error)
}

// PublicHandler は認証不要の公開エンドポイント(購読解除・メール確認)の
// HTTPハンドラー。メールクライアントやブラウザから直接アクセスされるため、
// JSONではなくHTMLページを返す。
type PublicHandler struct {
	service UnsubscribeServiceInterface
	logger  *slog.Logger
}

// NewPublicHandler はPublicHandlerを生成する。
func NewPublicHandler(service UnsubscribeServiceInterface, logger *slog.Logger) *PublicHandler {
	return &PublicHandler{service: service, logger: logger}
}

// UnsubscribePage は購読解除の確認ページを表示する。
// GET /unsubscribe?token=...
//
// メールのリンクを開いただけでは解除せず、確認ボタンを表示する。
// メールスキャナのプリフェッチによる誤解除を防ぐため。
func (h *PublicHandler) UnsubscribePage(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeHTMLPage(w, http.StatusBadRequest, "リンクが無効です",
			"このリンクは無効です。メールに記載されたリンクをそのままお使いください。")
		return
	}

	body := fmt.Sprintf(`<p>配信の停止を希望される場合は、下のボタンを押してください。</p>
<form method="post" action="/unsubscribe/confirm">
<input type="hidden" name="token" value="%s">
<button type="submit">配信を停止する</button>
</form>`, html.EscapeString(tok))
	writeHTMLPage(w, http.StatusOK, "配信停止の確認", body)
}

// UnsubscribeConfirm は確認ページからの購読解除を実行する。
// POST /unsubscribe/confirm
func (h *PublicHandler) UnsubscribeConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeHTMLPage(w, http.StatusBadRequest, "リクエストが不正です",
			"リクエストの形式が正しくありません。")
		return
	}
	h.unsubscribe(w, r, r.PostFormValue("token"))
}

// UnsubscribeOneClick はRFC 8058 List-Unsubscribe-Postによる
// ワンクリック購読解除を処理する。
// POST /unsubscribe/one-click?token=...
//
// メールクライアントが自動送信するため、レスポンスは機械向けの200のみ。
func (h *PublicHandler) UnsubscribeOneClick(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if r.PostFormValue("List-Unsubscribe") != "One-Click" {
		http.Error(w, "missing List-Unsubscribe=One-Click", http.StatusBadRequest)
		return
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = r.PostFormValue("token")
	}

	if err := h.service.Unsubscribe(r.Context(), tok, time.Now()); err != nil {
		h.logger.Warn("ワンクリック購読解除に失敗しました", slog.String("error", err.Error()))
		// RFC 8058はエラー時も2xxを推奨している。再試行のループを防ぐため。
	}
	w.WriteHeader(http.StatusOK)
}

// VerifyEmail は購読者のメールアドレス確認を処理する。
// GET /verify?token=...
func (h *PublicHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeHTMLPage(w, http.StatusBadRequest, "リンクが無効です",
			"このリンクは無効です。メールに記載されたリンクをそのままお使いください。")
		return
	}

	sub, err := h.service.Verify(r.Context(), tok, time.Now())
	if err != nil {
		h.logger.Warn("メール確認に失敗しました", slog.String("error", err.Error()))
		writeHTMLPage(w, http.StatusBadRequest, "確認できませんでした",
			"リンクの有効期限が切れているか、リンクが無効です。お手数ですが再度購読登録をお願いします。")
		return
	}

	body := fmt.Sprintf("<p>%s のメールアドレス確認が完了しました。次号からお届けします。</p>",
		html.EscapeString(sub.Email))
	writeHTMLPage(w, http.StatusOK, "確認が完了しました", body)
}

func (h *PublicHandler) unsubscribe(w http.ResponseWriter, r *http.Request, tok string) {
	if tok == "" {
		writeHTMLPage(w, http.StatusBadRequest, "リンクが無効です",
			"このリンクは無効です。メールに記載されたリンクをそのままお使いください。")
		return
	}

	err := h.service.Unsubscribe(r.Context(), tok, time.Now())
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			writeHTMLPage(w, http.StatusBadRequest, "解除できませんでした",
				"リンクの有効期限が切れているか、リンクが無効です。")
			return
		}
		h.logger.Error("購読解除に失敗しました", slog.String("error", err.Error()))
		writeHTMLPage(w, http.StatusInternalServerError, "エラーが発生しました",
			"一時的なエラーが発生しました。しばらくしてからお試しください。")
		return
	}

	writeHTMLPage(w, http.StatusOK, "配信を停止しました",
		"<p>配信を停止しました。ご購読ありがとうございました。</p>")
}

// writeHTMLPage は公開ページ共通のHTMLレイアウトを出力する。
func writeHTMLPage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>%s</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem;color:#333}button{padding:.5rem 1.5rem;font-size:1rem;cursor:pointer}</style>
</head>
<body><h1>%s</h1>%s</body>
</html>`, html.EscapeString(title), html.EscapeString(title), body)
}
