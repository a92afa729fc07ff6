package user

import (
	"sort"
	"strings"
	"unicode"

	"github.com/hitoshi/stationops/internal/model"
)

// scrubTerms は検索用に小文字化し、英数字以外を区切りとして語に分割する。
func scrubTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// BuildSearchIndex は氏名とDJ名の各語の前方一致キーを生成する。
// "Ada" は "a", "ad", "ada" になる。結果はソート済みで重複を含まない。
func BuildSearchIndex(identity *model.Identity) []string {
	seen := make(map[string]struct{})
	for _, source := range []string{identity.FullName(), identity.DJName} {
		for _, term := range scrubTerms(source) {
			runes := []rune(term)
			for i := 1; i <= len(runes); i++ {
				seen[string(runes[:i])] = struct{}{}
			}
		}
	}

	index := make([]string, 0, len(seen))
	for k := range seen {
		index = append(index, k)
	}
	sort.Strings(index)
	return index
}
