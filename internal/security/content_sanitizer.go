// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は局員が入力した氏名やDJ名からマークアップを除去し、
// 一覧画面や検索候補での XSS を防ぐ。bluemonday の StrictPolicy で全タグを落とした後、
// 文字参照を元に戻したプレーンテキストとして保存する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTextLength は表示名フィールドの最大文字数（rune数）。
const MaxTextLength = 100

// ContentSanitizerService は表示名のサニタイズ機能のインターフェース。
type ContentSanitizerService interface {
	// Sanitize はマークアップを除去し、連続する空白を1つにまとめたテキストを返す。
	// MaxTextLength を超える部分は切り詰める。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに利用できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は表示名をプレーンテキストに正規化する。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicy は & などを文字参照にするため、保存前に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxTextLength {
		text = strings.TrimSpace(string([]rune(text)[:MaxTextLength]))
	}
	return text
}
