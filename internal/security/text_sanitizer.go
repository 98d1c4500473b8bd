// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は集約サービスから受け取った表示用テキスト（口座名、加盟店名など）から
// マークアップを取り除く。TokenSealer は集約サービスのアクセストークンを
// 保存前に暗号化する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示用テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は全てのタグを除去したプレーンテキストを返す。
	// 前後の空白は除去する。空文字列の入力には空文字列を返す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフに処理する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は全てのタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした文字実体参照は元に戻す（JSONで返すため）。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
