// Package template はニュースレターのHTML/テキストレンダリングを提供する。
// テンプレートはバイナリに埋め込まれ、起動時に一度だけパースされる。
package template

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// RenderData はテンプレートに渡すレンダリングデータ。
type RenderData struct {
	NewsletterName string
	Subject        string
	Date           string
	Greeting       string
	Intro          string
	Sections       []model.EditionSection
	UnsubscribeURL string
}

// Engine はニュースレターのレンダリングエンジン。
type Engine struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// NewEngine は埋め込みテンプレートをパースしてEngineを生成する。
func NewEngine() (*Engine, error) {
	html, err := htmltemplate.New("newsletter.html.tmpl").
		Funcs(htmltemplate.FuncMap{"sectionHeading": sectionHeading}).
		ParseFS(templatesFS, "templates/newsletter.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("HTMLテンプレートのパースに失敗しました: %w", err)
	}

	text, err := texttemplate.New("newsletter.txt.tmpl").
		Funcs(texttemplate.FuncMap{"sectionHeading": sectionHeading}).
		ParseFS(templatesFS, "templates/newsletter.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("テキストテンプレートのパースに失敗しました: %w", err)
	}

	return &Engine{html: html, text: text}, nil
}

// sectionHeading はセクション種別の見出しを返す。
// 明示的なタイトルを持つセクションはそちらが優先される。
func sectionHeading(section model.EditionSection) string {
	if section.Title != "" {
		return section.Title
	}
	switch section.Kind {
	case "featured":
		return "Featured"
	case "original":
		return "Deep Dives"
	case "curated":
		return "Worth Your Time"
	case "quick_links":
		return "Quick Links"
	}
	return "More"
}

// RenderHTML はエディションをHTMLメール本文にレンダリングする。
func (e *Engine) RenderHTML(data RenderData) (string, error) {
	var buf bytes.Buffer
	if err := e.html.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("HTMLレンダリングに失敗しました: %w", err)
	}
	return buf.String(), nil
}

// RenderText はエディションをプレーンテキスト本文にレンダリングする。
// multipart/alternativeのtext側として使用する。
func (e *Engine) RenderText(data RenderData) (string, error) {
	var buf bytes.Buffer
	if err := e.text.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("テキストレンダリングに失敗しました: %w", err)
	}
	return buf.String(), nil
}

// BuildRenderData はエディションと購読者情報からRenderDataを組み立てる。
func BuildRenderData(newsletterName string, edition *model.Edition, greeting, unsubscribeURL string, now time.Time) RenderData {
	return RenderData{
		NewsletterName: newsletterName,
		Subject:        edition.Subject,
		Date:           now.Format("January 2, 2006"),
		Greeting:       greeting,
		Intro:          edition.Content.Intro,
		Sections:       edition.Content.Sections,
		UnsubscribeURL: unsubscribeURL,
	}
}
