package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は貼り付けられたレシピテキストからHTMLを除去する。
// Webページからコピーされたテキストにはタグやエンティティが混入するため、
// 抽出サービスへ送る前に平文へ正規化する。
type TextSanitizer interface {
	Clean(raw string) string
}

var (
	// blankLines は3行以上連続する空行を検出する。
	blankLines = regexp.MustCompile(`\n{3,}`)
	// inlineSpaces はタグ除去で生じた行内の連続空白を検出する。
	inlineSpaces = regexp.MustCompile(`[ \t]+`)
	// lineEdges は行末と行頭の空白を検出する。
	lineEdges = regexp.MustCompile(` ?\n ?`)
)

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はStrictPolicy（全タグ除去）のサニタイザを生成する。
// script/style要素は中身ごと除去される。
// タグの位置には空白を入れ、<br>や<li>で区切られた語が連結されないようにする。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true),
	}
}

// Clean はタグを除去し、エンティティを復元して前後の空白を落とす。
// 改行は保持し、行内の連続する空白と連続する空行は1つにまとめる。
func (s *textSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	cleaned := html.UnescapeString(s.policy.Sanitize(normalized))
	cleaned = inlineSpaces.ReplaceAllString(cleaned, " ")
	cleaned = lineEdges.ReplaceAllString(cleaned, "\n")
	cleaned = blankLines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
