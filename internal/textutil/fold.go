package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Fold converts a display title into its comparison key. "&" becomes "and",
// diacritics and punctuation are dropped, letters are case folded, and runs of
// whitespace collapse to a single space.
func Fold(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "&", " and ")

	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripper, value)
	if err == nil {
		value = stripped
	}
	value = folder.String(value)

	var b strings.Builder
	b.Grow(len(value))
	space := false
	for _, r := range value {
		switch {
		case r == '\'' || r == '\u2019':
			// Apostrophes join their word: "Grey's" folds to "greys".
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			space = true
		}
	}
	return b.String()
}
