package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// trackingIDLen はトラッキングIDの16進文字数。
const trackingIDLen = 32

// NewTrackingID は送信1通ごとのトラッキングIDを生成する。
// ノンスを含むため同じ(エディション, 購読者)でも再送時は別のIDになる。
func NewTrackingID(editionID, subscriberID string) string {
	seed := fmt.Sprintf("%s:%s:%s", editionID, subscriberID, uuid.NewString())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:trackingIDLen]
}

var closingBodyPattern = regexp.MustCompile(`(?i)</body>`)

// InjectTrackingPixel はHTML本文の</body>直前に開封計測ピクセルを挿入する。
// </body>がない場合は末尾に追加する。
// タグの検索は元の文字列に対して行う。小文字化したコピーで探すと、
// 小文字化でバイト長が変わる文字（İ等）を含む本文で位置がずれる。
func InjectTrackingPixel(html, trackingBaseURL, trackingID string) string {
	pixel := fmt.Sprintf(
		`<img src="%s/track/open/%s" width="1" height="1" alt="" style="display:none;">`,
		strings.TrimRight(trackingBaseURL, "/"), trackingID,
	)
	if locs := closingBodyPattern.FindAllStringIndex(html, -1); len(locs) > 0 {
		idx := locs[len(locs)-1][0]
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// RewriteLinks はHTML本文中のリンクをクリック計測用リダイレクトに書き換える。
// 購読解除リンク・mailto・ページ内アンカーは書き換えない。
func RewriteLinks(html, trackingBaseURL, trackingID string) string {
	base := strings.TrimRight(trackingBaseURL, "/")
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		target := hrefPattern.FindStringSubmatch(match)[1]
		if !shouldRewriteLink(target) {
			return match
		}
		rewritten := fmt.Sprintf("%s/track/click/%s?url=%s",
			base, trackingID, url.QueryEscape(target))
		return fmt.Sprintf("href=%q", rewritten)
	})
}

func shouldRewriteLink(target string) bool {
	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "mailto:") {
		return false
	}
	if strings.Contains(target, "/unsubscribe") {
		return false
	}
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}
