// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はプロフィールのテキスト項目からHTMLを除去し、
// 他ユーザーの画面（管理者のユーザー一覧など）でのXSSを防ぐ。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト項目のサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize は全てのタグを除去し、前後の空白を取り除いたテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフ。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はStrictPolicyによるTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxPasses は実体参照の多重エンコード対策で繰り返す最大回数。
const maxPasses = 4

// Sanitize はタグを除去したテキストを返す。
// 実体参照は元の文字に戻し、戻した結果にタグが現れた場合は再度除去する。
func (s *textSanitizer) Sanitize(raw string) string {
	out := raw
	for range maxPasses {
		next := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(out)))
		if next == out {
			return out
		}
		out = next
	}
	return s.policy.Sanitize(out)
}
