// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TitleSanitizer はwallabagから取得した記事タイトルを、
// メールの件名と添付ファイル名に使える平文に整える。
// bluemondayのStrictPolicyで全てのタグを除去する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// fallbackTitle は整形後のタイトルが空になった場合に使う名前。
const fallbackTitle = "article"

// maxTitleRunes は添付ファイル名に使うタイトルの最大文字数。
const maxTitleRunes = 200

// TitleSanitizer は記事タイトルの整形処理のインターフェース。
type TitleSanitizer interface {
	// Sanitize はHTMLタグと制御文字、パス区切り文字を取り除いたタイトルを返す。
	// 結果が空の場合は"article"を返す。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

type titleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerの新しいインスタンスを生成する。
func NewTitleSanitizer() *titleSanitizer {
	return &titleSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタイトルを平文に整形する。
func (s *titleSanitizer) Sanitize(raw string) string {
	// StrictPolicyは&などをエスケープするので戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))

	text = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '-'
		case unicode.IsControl(r):
			return ' '
		default:
			return r
		}
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if runes := []rune(text); len(runes) > maxTitleRunes {
		text = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	if text == "" {
		return fallbackTitle
	}
	return text
}
