package lexical

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// Tokenize normalizes text (NFKC, then case-folded) and splits it on runs
// of non-alphanumeric characters, discarding tokens shorter than
// minTokenLength.
func Tokenize(text string, minTokenLength int) []string {
	folded := foldCaser.String(norm.NFKC.String(text))

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		if utf8.RuneCountInString(tok) >= minTokenLength {
			tokens = append(tokens, tok)
		}
		b.Reset()
	}

	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
