// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力のテキストからHTMLを除去するインターフェース。
// ミッション名の保存前とオンボーディング入力値の保存前に使用される。
type TextSanitizer interface {
	// SanitizeText は全てのHTMLタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string

	// SanitizeJSON はJSON値に含まれる全ての文字列をSanitizeTextで処理して再エンコードする。
	// JSONとして不正な場合はエラーを返す。
	SanitizeJSON(raw json.RawMessage) (json.RawMessage, error)
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyは並行利用しても安全。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はHTMLを除去したプレーンテキストを返す。
// StrictPolicyはテキストをHTMLエスケープして返すため、保存用にエスケープを戻す。
// 戻した結果に再びタグが現れる場合（二重エスケープされた入力）はもう一度除去する。
func (s *textSanitizer) SanitizeText(raw string) string {
	text := raw
	for i := 0; i < 3; i++ {
		next := html.UnescapeString(s.policy.Sanitize(text))
		if next == text {
			break
		}
		text = next
	}
	return strings.TrimSpace(text)
}

// SanitizeJSON はJSON値の文字列を再帰的にサニタイズする。
func (s *textSanitizer) SanitizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	out, err := json.Marshal(s.walk(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return out, nil
}

func (s *textSanitizer) walk(v any) any {
	switch t := v.(type) {
	case string:
		return s.SanitizeText(t)
	case []any:
		for i := range t {
			t[i] = s.walk(t[i])
		}
		return t
	case map[string]any:
		cleaned := make(map[string]any, len(t))
		for k, val := range t {
			cleaned[s.SanitizeText(k)] = s.walk(val)
		}
		return cleaned
	default:
		return v
	}
}
