package generator

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsmill/internal/model"
	"github.com/hitoshi/newsmill/internal/template"
	"github.com/hitoshi/newsmill/internal/token"
)

func newTestPersonalizer(t *testing.T) *Personalizer {
	t.Helper()
	engine, err := template.NewEngine()
	if err != nil {
		t.Fatalf("テンプレートエンジンの初期化に失敗: %v", err)
	}
	return NewPersonalizer(engine, token.NewManager("test-secret"), "https://news.example.com")
}

func testEdition() *model.Edition {
	return &model.Edition{
		ID:           "ed-1",
		NewsletterID: "nl-1",
		Subject:      "This Week in Tech",
		Content: model.EditionContent{
			Intro: "Here are 3 hand-picked stories for you.",
			Sections: []model.EditionSection{
				{Kind: "featured", Items: []model.EditionArticle{{Title: "Big Story", URL: "https://example.com/big", Source: "Example"}}},
				{Kind: "original", Items: []model.EditionArticle{{Title: "Deep Dive", URL: "https://example.com/deep", Source: "Example"}}},
				{Kind: "quick_links", Items: []model.EditionArticle{{Title: "Quick One", URL: "https://example.com/quick", Source: "Example"}}},
			},
		},
		Status: model.EditionStatusDraft,
	}
}

// --- Render のテスト ---

// TestRender_PersonalizesGreetingAndUnsubscribe は宛名と購読解除URLが
// 購読者ごとに埋め込まれることをテストする。
func TestRender_PersonalizesGreetingAndUnsubscribe(t *testing.T) {
	p := newTestPersonalizer(t)
	sub := &model.Subscriber{ID: "sub-1", Email: "alice@example.com", Name: "Alice Tanaka"}

	html, text, err := p.Render(testNewsletter(), testEdition(), sub, time.Now())
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if !strings.Contains(html, "Hi Alice,") {
		t.Error("HTML本文に宛名が含まれるべき")
	}
	if !strings.Contains(text, "Hi Alice,") {
		t.Error("テキスト本文に宛名が含まれるべき")
	}
	if !strings.Contains(html, "https://news.example.com/unsubscribe?token=") {
		t.Error("HTML本文に購読解除URLが含まれるべき")
	}
	if !strings.Contains(text, "https://news.example.com/unsubscribe?token=") {
		t.Error("テキスト本文に購読解除URLが含まれるべき")
	}
}

// TestRender_DoesNotMutateEdition はレンダリングが元のエディションを
// 変更しないことをテストする。
func TestRender_DoesNotMutateEdition(t *testing.T) {
	p := newTestPersonalizer(t)
	edition := testEdition()
	sub := &model.Subscriber{
		ID:       "sub-1",
		Email:    "bob@example.com",
		Segments: []string{model.SegmentAtRisk},
	}

	if _, _, err := p.Render(testNewsletter(), edition, sub, time.Now()); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if edition.Content.Sections[1].Kind != "original" {
		t.Error("元のエディションのセクション順が変更されるべきではない")
	}
}

// TestUnsubscribeURL_TokenRoundTrip は生成したURLのトークンが検証可能なことをテストする。
func TestUnsubscribeURL_TokenRoundTrip(t *testing.T) {
	tokens := token.NewManager("test-secret")
	engine, err := template.NewEngine()
	if err != nil {
		t.Fatalf("テンプレートエンジンの初期化に失敗: %v", err)
	}
	p := NewPersonalizer(engine, tokens, "https://news.example.com/")

	now := time.Now()
	rawURL, err := p.UnsubscribeURL("sub-1", "nl-1", now)
	if err != nil {
		t.Fatalf("UnsubscribeURL returned error: %v", err)
	}

	if !strings.HasPrefix(rawURL, "https://news.example.com/unsubscribe?token=") {
		t.Fatalf("URL形式が不正: %s", rawURL)
	}
	tok := strings.TrimPrefix(rawURL, "https://news.example.com/unsubscribe?token=")
	subscriberID, newsletterID, err := tokens.VerifyUnsubscribe(tok, now)
	if err != nil {
		t.Fatalf("トークンの検証に失敗: %v", err)
	}
	if subscriberID != "sub-1" || newsletterID != "nl-1" {
		t.Errorf("期待: (sub-1, nl-1), 結果: (%s, %s)", subscriberID, newsletterID)
	}
}

// --- 宛名のテスト ---

// TestGreetingFor は宛名の決定規則をテストする。
func TestGreetingFor(t *testing.T) {
	tests := []struct {
		name string
		sub  *model.Subscriber
		want string
	}{
		{"フルネームは名のみ", &model.Subscriber{Name: "Alice Tanaka", Email: "a@example.com"}, "Hi Alice,"},
		{"単一名はそのまま", &model.Subscriber{Name: "Bob", Email: "b@example.com"}, "Hi Bob,"},
		{"名前なしはローカル部", &model.Subscriber{Email: "carol@example.com"}, "Hi carol,"},
		{"空白のみの名前はローカル部", &model.Subscriber{Name: "  ", Email: "dave@example.com"}, "Hi dave,"},
		{"どちらもない場合は汎用", &model.Subscriber{}, "Hi there,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GreetingFor(tt.sub); got != tt.want {
				t.Errorf("期待: %q, 結果: %q", tt.want, got)
			}
		})
	}
}

// --- セクション順のテスト ---

// TestOrderSectionsForSegments_AtRisk は離反リスク購読者向けに
// quick_linksが前方へ移動することをテストする。
func TestOrderSectionsForSegments_AtRisk(t *testing.T) {
	sections := testEdition().Content.Sections

	ordered := orderSectionsForSegments(sections, []string{model.SegmentAtRisk})

	kinds := make([]string, len(ordered))
	for i, s := range ordered {
		kinds[i] = s.Kind
	}
	want := []string{"featured", "quick_links", "original"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("期待順: %v, 結果: %v", want, kinds)
		}
	}
}

// TestOrderSectionsForSegments_Default はセグメントなしで順序が維持されることをテストする。
func TestOrderSectionsForSegments_Default(t *testing.T) {
	sections := testEdition().Content.Sections

	ordered := orderSectionsForSegments(sections, []string{model.SegmentRegular})

	for i := range sections {
		if ordered[i].Kind != sections[i].Kind {
			t.Fatal("セグメント対象外の購読者にはセクション順を維持すべき")
		}
	}
}
