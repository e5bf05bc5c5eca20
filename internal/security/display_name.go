package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayNameRunes は表示名の最大文字数。
const maxDisplayNameRunes = 64

// TextSanitizer はユーザーが設定できる文字列（表示名など）からHTMLを除去する。
// セッションの表示用に使い、セッションストア内の値は変更しない。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。すべてのタグを除去するStrictPolicyを使う。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// DisplayName はタグを除去し、空白を整え、長さを制限した表示名を返す。
func (s *TextSanitizer) DisplayName(raw string) string {
	clean := strings.Join(strings.Fields(s.policy.Sanitize(raw)), " ")
	if utf8.RuneCountInString(clean) <= maxDisplayNameRunes {
		return clean
	}
	runes := []rune(clean)
	return string(runes[:maxDisplayNameRunes])
}
