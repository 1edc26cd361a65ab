package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/repository"
)

// OllamaConfig はOllamaクライアントの設定。
type OllamaConfig struct {
	Host       string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// OllamaClient はOllama HTTP APIを使用するClient実装。
// 同一入力に対する応答はDBキャッシュで短絡される。
type OllamaClient struct {
	config     OllamaConfig
	httpClient *http.Client
	cache      repository.CacheRepository
}

// NewOllamaClient はOllamaClientを生成する。cacheはnilでもよい（キャッシュ無効）。
func NewOllamaClient(config OllamaConfig, cache repository.CacheRepository) *OllamaClient {
	if config.Host == "" {
		config.Host = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "mistral:7b-instruct"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 24 * time.Hour
	}
	return &OllamaClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache,
	}
}

// cacheKey は (operation, model, text) に対する決定的なキャッシュキーを返す。
func (c *OllamaClient) cacheKey(operation, text string) string {
	h := sha256.Sum256([]byte(operation + "|" + c.config.Model + "|" + text))
	return hex.EncodeToString(h[:])
}

// cachedGenerate はキャッシュを確認してからLLM補完を実行する。
func (c *OllamaClient) cachedGenerate(ctx context.Context, operation, text, prompt string) (string, error) {
	key := c.cacheKey(operation, text)

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("LLM cache lookup failed", slog.String("error", err.Error()))
		} else if entry != nil {
			return entry.Response, nil
		}
	}

	response, err := c.generateWithRetry(ctx, prompt)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		entry := &model.CacheEntry{
			Key:       key,
			Operation: operation,
			Model:     c.config.Model,
			Response:  response,
			ExpiresAt: time.Now().Add(c.config.CacheTTL),
		}
		if err := c.cache.Put(ctx, entry); err != nil {
			slog.Warn("LLM cache write failed", slog.String("error", err.Error()))
		}
	}
	return response, nil
}

// generateWithRetry は指数バックオフ（1s, 2s, 4s）付きで補完を実行する。
func (c *OllamaClient) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := c.generate(ctx, prompt)
		if err == nil {
			return response, nil
		}
		lastErr = err
		slog.Warn("LLM generation failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return "", fmt.Errorf("LLM生成が%d回失敗しました: %w", c.config.MaxRetries, lastErr)
}

// generate はOllamaの/api/generateを1回呼び出す。
func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	requestBody := map[string]any{
		"model":  c.config.Model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0.3,
			"num_ctx":     2048,
		},
	}
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("リクエストのシリアライズに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Ollamaへの接続に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Ollamaがエラーを返しました: %d - %s", resp.StatusCode, string(body))
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}
	return response.Response, nil
}

// Summarize はテキストの要約を生成する。
// LLMが最終的に失敗した場合は抽出型サマリにフォールバックし、エラーを返さない。
func (c *OllamaClient) Summarize(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(`以下の記事を2〜3文で要約してください。要点のみを簡潔に述べてください。

%s

要約:`, truncate(text, 2000))

	response, err := c.cachedGenerate(ctx, "summarize", text, prompt)
	if err != nil {
		slog.Warn("falling back to extractive summary", slog.String("error", err.Error()))
		return ExtractiveSummary(text, 400), nil
	}
	return strings.TrimSpace(response), nil
}

// Classify はテキストを候補カテゴリのいずれかに分類する。
// LLMの応答が候補に一致しない場合は先頭のカテゴリを低信頼度で返す。
func (c *OllamaClient) Classify(ctx context.Context, text string, categories []string) (Classification, error) {
	if len(categories) == 0 {
		return Classification{}, fmt.Errorf("分類カテゴリが指定されていません")
	}

	prompt := fmt.Sprintf(`以下のテキストを次のカテゴリのいずれか1つに分類してください:
%s

テキスト: %s

カテゴリ名のみを回答してください。`, strings.Join(categories, "\n"), truncate(text, 1000))

	response, err := c.cachedGenerate(ctx, "classify", text, prompt)
	if err != nil {
		return Classification{Category: categories[0], Confidence: 0.3}, nil
	}

	answer := strings.TrimSpace(response)
	for _, cat := range categories {
		if strings.Contains(answer, cat) {
			return Classification{Category: cat, Confidence: 0.8}, nil
		}
	}
	return Classification{Category: categories[0], Confidence: 0.3}, nil
}

// GenerateTitle はテキストからタイトル（件名）を生成する。
func (c *OllamaClient) GenerateTitle(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(`以下の内容にふさわしい、簡潔で魅力的なニュースレターの件名を1つ生成してください。件名のみを回答してください。

%s

件名:`, truncate(text, 1000))

	response, err := c.cachedGenerate(ctx, "title", text, prompt)
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(response), `"「」`)
	if title == "" {
		return "", fmt.Errorf("LLMが空の件名を返しました")
	}
	return title, nil
}

// Available はOllamaが応答し、設定されたモデルが存在するかを返す。
func (c *OllamaClient) Available(ctx context.Context) bool {
	models, err := c.listModels(ctx)
	if err != nil {
		return false
	}
	for _, name := range models {
		if strings.HasPrefix(name, c.config.Model) {
			return true
		}
	}
	return false
}

// listModels はOllamaの/api/tagsからモデル名一覧を取得する。
func (c *OllamaClient) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ollamaへの接続に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollamaがエラーを返しました: %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// PullModel はOllamaの/api/pullでモデルをダウンロードする。
func (c *OllamaClient) PullModel(ctx context.Context, modelName string) error {
	if modelName == "" {
		modelName = c.config.Model
	}
	jsonBody, err := json.Marshal(map[string]any{"name": modelName, "stream": false})
	if err != nil {
		return fmt.Errorf("リクエストのシリアライズに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/api/pull", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ollamaへの接続に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("モデルのダウンロードに失敗しました: %d - %s", resp.StatusCode, string(body))
	}

	slog.Info("model pulled", slog.String("model", modelName))
	return nil
}

// ExtractiveSummary はLLMなしの抽出型サマリを生成する。
// 先頭から文単位で連結し、maxChars付近で打ち切る。
func ExtractiveSummary(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if maxChars <= 0 {
		maxChars = 400
	}

	var b strings.Builder
	for _, sentence := range splitSentences(text) {
		if b.Len() > 0 && b.Len()+len(sentence) > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence)
		if b.Len() >= maxChars {
			break
		}
	}
	summary := b.String()
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}
	return summary
}

// splitSentences はテキストを文単位に分割する。和文・欧文の終端記号に対応する。
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func truncate(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "..."
}

// compile-time interface check
var _ Client = (*OllamaClient)(nil)
