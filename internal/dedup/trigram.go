package dedup

import (
	"strings"

	"memoria/internal/lexical"
)

// trigramSet returns the set of character trigrams in s (lowercased,
// whitespace-collapsed), used only to decide which candidates are worth a
// full token-Jaccard comparison.
func trigramSet(s string) map[string]struct{} {
	norm := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	set := make(map[string]struct{})
	runes := []rune(norm)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// sharedTrigramCount counts trigrams present in both a and b.
func sharedTrigramCount(a, b map[string]struct{}) int {
	shared := 0
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for t := range small {
		if _, ok := big[t]; ok {
			shared++
		}
	}
	return shared
}

// tokenJaccard computes the Jaccard similarity of the two texts' token sets,
// using the same tokenization the lexical index uses so "near-textual"
// agrees between retrieval and scoring.
func tokenJaccard(a, b string, minTokenLength int) float64 {
	setA := tokenSet(a, minTokenLength)
	setB := tokenSet(b, minTokenLength)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string, minTokenLength int) map[string]struct{} {
	tokens := lexical.Tokenize(s, minTokenLength)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
