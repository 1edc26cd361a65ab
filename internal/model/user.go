package model

import "time"

// User はニュースレターを運営するユーザーを表す。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FullName     string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey はプログラムアクセス用のAPIキーを表す。
// キー本体は保存せず、ハッシュのみを保持する。
type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string
	Name       string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// CacheEntry はLLMレスポンスキャッシュのエントリを表す。
// キーは (operation, model, text) のハッシュで、有効期限内の
// エントリが存在する限り同一入力のLLM呼び出しは短絡される。
type CacheEntry struct {
	Key       string
	Operation string
	Model     string
	Response  string
	ExpiresAt time.Time
	HitCount  int
	CreatedAt time.Time
}

// IsExpired はキャッシュエントリが期限切れかを判定する。
func (c *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
