// Package ingredient は材料名の類似度判定と単位の正規化、重複材料の統合を提供する。
package ingredient

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// DefaultSimilarityThreshold は同一材料とみなす類似度（%）の既定値。
const DefaultSimilarityThreshold = 85

// unitAliases は単位の略記と正規形の対応表。
var unitAliases = map[string]string{
	"tbsp": "tablespoon",
	"tsp":  "teaspoon",
	"oz":   "ounce",
	"lb":   "pound",
	"lbs":  "pound",
	"g":    "gram",
	"kg":   "kilogram",
	"ml":   "milliliter",
	"l":    "liter",
	"c":    "cup",
	"pt":   "pint",
	"qt":   "quart",
	"gal":  "gallon",
}

// LevenshteinDistance は2つの文字列の編集距離をルーン単位で返す。
func LevenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(rb); i++ {
		curr[0] = i
		for j := 1; j <= len(ra); j++ {
			if rb[i-1] == ra[j-1] {
				curr[j] = prev[j-1]
				continue
			}
			curr[j] = 1 + min(prev[j-1], curr[j-1], prev[j])
		}
		prev, curr = curr, prev
	}
	return prev[len(ra)]
}

// StringSimilarity は大文字小文字を区別しない類似度を0〜100の整数で返す。
// 両方とも空の場合は100。
func StringSimilarity(a, b string) int {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 100
	}
	distance := LevenshteinDistance(strings.ToLower(a), strings.ToLower(b))
	return int(math.Round(float64(maxLen-distance) / float64(maxLen) * 100))
}

// NormalizeUnit は単位の略記を正規形に変換する。未知の単位は小文字化して返す。
func NormalizeUnit(unit string) string {
	normalized := strings.ToLower(strings.TrimSpace(unit))
	if full, ok := unitAliases[normalized]; ok {
		return full
	}
	return normalized
}

// Similar は2つの材料名がthreshold以上に類似しているかを返す。
func Similar(a, b string, threshold int) bool {
	return StringSimilarity(strings.TrimSpace(a), strings.TrimSpace(b)) >= threshold
}

// Dedupe は類似した名前で同じ単位の材料を1件にまとめ、数量を合算する。
// 順序は最初に出現した位置を保ち、単位は正規形に揃える。
func Dedupe(items []model.Ingredient, threshold int) []model.Ingredient {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	out := make([]model.Ingredient, 0, len(items))
	for _, it := range items {
		it.Item = strings.TrimSpace(it.Item)
		it.Unit = NormalizeUnit(it.Unit)
		if it.Item == "" {
			continue
		}

		merged := false
		for i := range out {
			if out[i].Unit == it.Unit && Similar(out[i].Item, it.Item, threshold) {
				out[i].Quantity += it.Quantity
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, it)
		}
	}
	return out
}
