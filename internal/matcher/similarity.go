package matcher

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// NormalizeText lowercases, replaces punctuation with spaces and collapses whitespace
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// tokenOverlap is the Jaccard index of the two token sets
func tokenOverlap(a, b string) float64 {
	setA := make(map[string]struct{})
	for _, t := range strings.Fields(a) {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{})
	for _, t := range strings.Fields(b) {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(setA)+len(setB)-shared)
}

// editRatio is 1 for identical strings and falls towards 0 as edits accumulate
func editRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// TextSimilarity blends token overlap and edit ratio of two raw strings into [0,1].
// ok is false when either side normalizes to nothing.
func TextSimilarity(a, b string, cfg DescriptionConfig) (sim float64, ok bool) {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" || nb == "" {
		return 0, false
	}
	sim = cfg.TokenWeight*tokenOverlap(na, nb) + cfg.EditWeight*editRatio(na, nb)
	if sim > 1 {
		sim = 1
	}
	return sim, true
}
