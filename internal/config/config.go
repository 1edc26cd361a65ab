// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// グローバル変数にはせず、依存として各コンポーネントに注入する。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	JWTSecret      string
	JWTExpiry      time.Duration
	BcryptCost     int
	SessionMaxAge  int

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPTimeout  time.Duration
	SMTPRelays   []string // 自己修復時のローテーション候補（host:port のリスト）

	// LLM (Ollama)
	OllamaHost       string
	OllamaModel      string
	OllamaTimeout    time.Duration
	OllamaMaxRetries int
	CacheTTL         time.Duration

	// Content fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchInterval      time.Duration

	// Delivery
	DeliveryBatchSize int
	SendPollInterval  time.Duration

	// Retention
	ContentRetentionDays int
	EventRetentionDays   int

	// Self-healing
	HealCheckInterval time.Duration
	HealFailureLimit  int
	HealCooldown      time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string
	BaseURL    string

	// Tracking / unsubscribe links
	TrackingBaseURL    string
	UnsubscribeBaseURL string

	// CORS
	CORSAllowedOrigin string

	// Feature flags
	EnableRegistration bool
	EnableAnalytics    bool
	EnableABTesting    bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.JWTExpiry = getEnvDuration("JWT_EXPIRY", 24*time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)

	cfg.SMTPHost = getEnvString("SMTP_HOST", "localhost")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnvString("SMTP_USER", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnvString("SMTP_FROM", "newsletter@localhost")
	cfg.SMTPTimeout = getEnvDuration("SMTP_TIMEOUT", 30*time.Second)
	cfg.SMTPRelays = getEnvList("SMTP_RELAYS", nil)

	cfg.OllamaHost = getEnvString("OLLAMA_HOST", "http://localhost:11434")
	cfg.OllamaModel = getEnvString("OLLAMA_MODEL", "mistral:7b-instruct")
	cfg.OllamaTimeout = getEnvDuration("OLLAMA_TIMEOUT", 60*time.Second)
	cfg.OllamaMaxRetries = getEnvInt("OLLAMA_MAX_RETRIES", 3)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 24*time.Hour)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", time.Hour)

	cfg.DeliveryBatchSize = getEnvInt("DELIVERY_BATCH_SIZE", 50)
	cfg.SendPollInterval = getEnvDuration("SEND_POLL_INTERVAL", 5*time.Minute)

	cfg.ContentRetentionDays = getEnvInt("CONTENT_RETENTION_DAYS", 30)
	cfg.EventRetentionDays = getEnvInt("EVENT_RETENTION_DAYS", 180)

	cfg.HealCheckInterval = getEnvDuration("HEAL_CHECK_INTERVAL", time.Minute)
	cfg.HealFailureLimit = getEnvInt("HEAL_FAILURE_LIMIT", 3)
	cfg.HealCooldown = getEnvDuration("HEAL_COOLDOWN", 30*time.Minute)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TrackingBaseURL = getEnvString("TRACKING_BASE_URL", cfg.BaseURL)
	cfg.UnsubscribeBaseURL = getEnvString("UNSUBSCRIBE_BASE_URL", cfg.BaseURL)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	cfg.EnableRegistration = getEnvBool("ENABLE_REGISTRATION", true)
	cfg.EnableAnalytics = getEnvBool("ENABLE_ANALYTICS", true)
	cfg.EnableABTesting = getEnvBool("ENABLE_ABTESTING", false)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
