// Package trigram implements the full-text index: an inverted map from
// character 3-grams to document posting bitmaps, plus the reverse map from
// document to its trigram set that makes delete and update O(touched).
package trigram

import (
	"strings"
	"unicode"
)

// Token padding sentinels. Padding makes word boundaries first-class: the
// trigrams of "rust" and "trust" overlap less than their raw windows would.
const (
	tokenStart = '\x02'
	tokenEnd   = '\x03'
)

// normalize lowercases text, drops combining marks, and maps every
// non-alphanumeric rune to a space. Queries and documents go through the
// same function, so matching is symmetric.
func normalize(text string) string {
	var b strings.Builder

	b.Grow(len(text))

	for _, r := range text {
		switch {
		case unicode.IsMark(r):
			// Combining marks collapse into their base rune.
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteByte(' ')
		}
	}

	return b.String()
}

// tokenize emits the trigram set of text: each whitespace-separated token
// is padded with start/end sentinels and swept by a 3-rune window.
func tokenize(text string) map[string]struct{} {
	grams := make(map[string]struct{})

	for _, token := range strings.Fields(normalize(text)) {
		runes := make([]rune, 0, len(token)+2)
		runes = append(runes, tokenStart)
		runes = append(runes, []rune(token)...)
		runes = append(runes, tokenEnd)

		for i := 0; i+3 <= len(runes); i++ {
			grams[string(runes[i:i+3])] = struct{}{}
		}
	}

	return grams
}
