// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, newsletter, delivery, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNewsletterNotFound = "NEWSLETTER_NOT_FOUND"
	ErrCodeEditionNotFound    = "EDITION_NOT_FOUND"
	ErrCodeSubscriberNotFound = "SUBSCRIBER_NOT_FOUND"
	ErrCodeSourceNotFound     = "SOURCE_NOT_FOUND"
	ErrCodeABTestNotFound     = "ABTEST_NOT_FOUND"
	ErrCodeEditionAlreadySent = "EDITION_ALREADY_SENT"
	ErrCodeNoRecipients       = "NO_RECIPIENTS"
	ErrCodeInvalidRatios      = "INVALID_RATIOS"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeDuplicateEmail     = "DUPLICATE_EMAIL"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeRegistrationClosed = "REGISTRATION_CLOSED"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeFeedNotDetected    = "FEED_NOT_DETECTED"
	ErrCodeNoContent          = "NO_CONTENT"
)

// NewNewsletterNotFoundError はニュースレター未検出エラーを生成する。
func NewNewsletterNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeNewsletterNotFound,
		Message:  fmt.Sprintf("指定されたニュースレターが見つかりません: %s", id),
		Category: "newsletter",
		Action:   "ニュースレターIDを確認してください。",
	}
}

// NewEditionNotFoundError はエディション未検出エラーを生成する。
func NewEditionNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeEditionNotFound,
		Message:  fmt.Sprintf("指定されたエディションが見つかりません: %s", id),
		Category: "newsletter",
		Action:   "エディションIDを確認してください。",
	}
}

// NewSubscriberNotFoundError は購読者未検出エラーを生成する。
func NewSubscriberNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriberNotFound,
		Message:  fmt.Sprintf("指定された購読者が見つかりません: %s", id),
		Category: "newsletter",
		Action:   "購読者IDまたはメールアドレスを確認してください。",
	}
}

// NewSourceNotFoundError はコンテンツソース未検出エラーを生成する。
func NewSourceNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定されたコンテンツソースが見つかりません: %s", id),
		Category: "newsletter",
		Action:   "ソースIDを確認してください。",
	}
}

// NewABTestNotFoundError はA/Bテスト未検出エラーを生成する。
func NewABTestNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeABTestNotFound,
		Message:  fmt.Sprintf("指定されたA/Bテストが見つかりません: %s", id),
		Category: "newsletter",
		Action:   "テストIDを確認してください。",
	}
}

// NewEditionAlreadySentError は送信済みエディションへの再送信エラーを生成する。
func NewEditionAlreadySentError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeEditionAlreadySent,
		Message:  fmt.Sprintf("エディションは既に送信済みです: %s", id),
		Category: "delivery",
		Action:   "再送信が必要な場合はテストモードまたはresend-failedを使用してください。",
	}
}

// NewNoRecipientsError は送信対象者が存在しない場合のエラーを生成する。
func NewNoRecipientsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoRecipients,
		Message:  "送信対象の購読者が存在しません。",
		Category: "delivery",
		Action:   "アクティブかつメール確認済みの購読者がいるか確認してください。",
	}
}

// NewInvalidRatiosError はコンテンツ比率の設定エラーを生成する。
func NewInvalidRatiosError(sum float64) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRatios,
		Message:  fmt.Sprintf("コンテンツ比率の合計は1.0である必要があります: %.3f", sum),
		Category: "validation",
		Action:   "original、curated、syndicatedの比率の合計が1.0になるよう設定してください。",
	}
}

// NewInvalidTokenError は無効・期限切れトークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "トークンが無効または期限切れです。",
		Category: "auth",
		Action:   "最新のメールに記載されたリンクを使用してください。",
	}
}

// NewInvalidEmailError は無効なメールアドレスのエラーを生成する。
func NewInvalidEmailError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  fmt.Sprintf("無効なメールアドレスです: %s", email),
		Category: "validation",
		Action:   "正しい形式のメールアドレスを入力してください。",
	}
}

// NewDuplicateEmailError はメールアドレス重複のエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewInvalidCredentialsError は認証失敗のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
	}
}

// NewRegistrationClosedError は登録無効時のエラーを生成する。
func NewRegistrationClosedError() *APIError {
	return &APIError{
		Code:     ErrCodeRegistrationClosed,
		Message:  "現在、新規ユーザー登録は受け付けていません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidTransitionError はエディション状態の不正遷移エラーを生成する。
func NewInvalidTransitionError(from, to EditionStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("エディション状態を %s から %s に遷移させることはできません。", from, to),
		Category: "newsletter",
		Action:   "エディションの現在の状態を確認してください。",
	}
}

// NewFetchFailedError は外部リソース取得エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "external",
		Action:   "URLが正しいか、サイトがアクセス可能か確認してください。",
	}
}

// NewFeedNotDetectedError はフィード検出失敗エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからフィードを検出できませんでした: %s", url),
		Category: "validation",
		Action:   "RSS/AtomフィードのURLを直接指定するか、フィードを公開しているサイトのURLを入力してください。",
	}
}

// NewNoContentError はエディション生成に使える記事がない場合のエラーを生成する。
func NewNoContentError(niche string) *APIError {
	return &APIError{
		Code:     ErrCodeNoContent,
		Message:  fmt.Sprintf("ニッチ「%s」に掲載可能な記事がありません。", niche),
		Category: "validation",
		Action:   "コンテンツソースを追加するか、フェッチの完了を待ってから再試行してください。",
	}
}
