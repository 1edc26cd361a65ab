// Package llm はローカルLLM（Ollama）による要約・分類・タイトル生成を提供する。
package llm

import (
	"context"
)

// Classification はテキスト分類の結果を表す。
type Classification struct {
	Category   string
	Confidence float64
}

// Client はLLM操作のインターフェース。
type Client interface {
	// Summarize はテキストの要約を生成する。LLMが利用できない場合は
	// 抽出型サマリにフォールバックし、エラーを返さない。
	Summarize(ctx context.Context, text string) (string, error)

	// Classify はテキストを候補カテゴリのいずれかに分類する。
	Classify(ctx context.Context, text string, categories []string) (Classification, error)

	// GenerateTitle はテキストからタイトル（件名）を生成する。
	GenerateTitle(ctx context.Context, text string) (string, error)

	// Available はLLMサービスが利用可能かを返す。
	Available(ctx context.Context) bool

	// PullModel はモデルをダウンロードする。自己修復時に使用する。
	PullModel(ctx context.Context, model string) error
}
