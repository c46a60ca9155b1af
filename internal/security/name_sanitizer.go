package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxFullNameLength はprofiles.full_nameに保存する最大文字数（rune単位）。
const MaxFullNameLength = 100

// NameSanitizer は利用者が入力した氏名からHTMLを除去する。
// サインアップフォームとOAuthプロバイダーのname属性の両方に適用する。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はタグを一切許可しないstrictポリシーのサニタイザーを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、連続する空白を1つにまとめ、最大長で切り詰める。
// bluemondayがエスケープした実体参照は元の文字に戻す（JSONで返すため）。
func (s *NameSanitizer) Sanitize(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > MaxFullNameLength {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:MaxFullNameLength]))
	}
	return cleaned
}
