package generator

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/template"
	"github.com/hitoshi/newsmill/internal/token"
)

// Personalizer はエディションを購読者ごとにレンダリングする。
// 宛名、購読解除URL、セグメントに応じたセクション順を購読者単位で決める。
type Personalizer struct {
	engine             *template.Engine
	tokens             *token.Manager
	unsubscribeBaseURL string
}

// NewPersonalizer はPersonalizerの新しいインスタンスを生成する。
func NewPersonalizer(engine *template.Engine, tokens *token.Manager, unsubscribeBaseURL string) *Personalizer {
	return &Personalizer{
		engine:             engine,
		tokens:             tokens,
		unsubscribeBaseURL: strings.TrimRight(unsubscribeBaseURL, "/"),
	}
}

// Render は購読者向けにパーソナライズしたHTML本文とテキスト本文を返す。
func (p *Personalizer) Render(newsletter *model.Newsletter, edition *model.Edition, sub *model.Subscriber, now time.Time) (html, text string, err error) {
	unsubscribeURL, err := p.UnsubscribeURL(sub.ID, newsletter.ID, now)
	if err != nil {
		return "", "", err
	}

	personalized := *edition
	personalized.Content.Sections = orderSectionsForSegments(edition.Content.Sections, sub.Segments)

	data := template.BuildRenderData(newsletter.Name, &personalized, GreetingFor(sub), unsubscribeURL, now)

	html, err = p.engine.RenderHTML(data)
	if err != nil {
		return "", "", fmt.Errorf("HTML本文のレンダリングに失敗しました: %w", err)
	}
	text, err = p.engine.RenderText(data)
	if err != nil {
		return "", "", fmt.Errorf("テキスト本文のレンダリングに失敗しました: %w", err)
	}
	return html, text, nil
}

// UnsubscribeURL は購読者個別の署名付き購読解除URLを生成する。
func (p *Personalizer) UnsubscribeURL(subscriberID, newsletterID string, now time.Time) (string, error) {
	tok, err := p.tokens.IssueUnsubscribe(subscriberID, newsletterID, now)
	if err != nil {
		return "", fmt.Errorf("購読解除トークンの発行に失敗しました: %w", err)
	}
	return fmt.Sprintf("%s/unsubscribe?token=%s", p.unsubscribeBaseURL, url.QueryEscape(tok)), nil
}

// OneClickUnsubscribeURL はRFC 8058のList-Unsubscribeヘッダー用に
// ワンクリック解除エンドポイントのURLを生成する。
func (p *Personalizer) OneClickUnsubscribeURL(subscriberID, newsletterID string, now time.Time) (string, error) {
	tok, err := p.tokens.IssueUnsubscribe(subscriberID, newsletterID, now)
	if err != nil {
		return "", fmt.Errorf("購読解除トークンの発行に失敗しました: %w", err)
	}
	return fmt.Sprintf("%s/unsubscribe/one-click?token=%s", p.unsubscribeBaseURL, url.QueryEscape(tok)), nil
}

// GreetingFor は購読者の宛名を返す。名前があれば先頭の名を、なければ
// メールアドレスのローカル部を使う。
func GreetingFor(sub *model.Subscriber) string {
	name := strings.TrimSpace(sub.Name)
	if name != "" {
		if first, _, ok := strings.Cut(name, " "); ok {
			name = first
		}
		return fmt.Sprintf("Hi %s,", name)
	}
	if local, _, ok := strings.Cut(sub.Email, "@"); ok && local != "" {
		return fmt.Sprintf("Hi %s,", local)
	}
	return "Hi there,"
}

// orderSectionsForSegments はセグメントに応じてセクションの順序を調整する。
// 離反リスクのある購読者には読了の軽いquick_linksをfeaturedの直後に置く。
// それ以外は生成時の順序を維持する。
func orderSectionsForSegments(sections []model.EditionSection, segments []string) []model.EditionSection {
	if !hasSegment(segments, model.SegmentAtRisk) && !hasSegment(segments, model.SegmentInactive) {
		return sections
	}

	var featured, quickLinks, rest []model.EditionSection
	for _, section := range sections {
		switch section.Kind {
		case "featured":
			featured = append(featured, section)
		case "quick_links":
			quickLinks = append(quickLinks, section)
		default:
			rest = append(rest, section)
		}
	}

	ordered := make([]model.EditionSection, 0, len(sections))
	ordered = append(ordered, featured...)
	ordered = append(ordered, quickLinks...)
	ordered = append(ordered, rest...)
	return ordered
}

func hasSegment(segments []string, target string) bool {
	for _, s := range segments {
		if s == target {
			return true
		}
	}
	return false
}
