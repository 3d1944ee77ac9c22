package lexicon

import (
	"strings"
	"unicode"
)

// NormalizePhraseText lower-cases text, unifies apostrophes and replaces
// punctuation with spaces so phrases can be matched on word boundaries.
// The result is padded with a single leading and trailing space.
func NormalizePhraseText(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '’' || r == '‘' || r == '\'':
			b.WriteByte('\'')
			space = false
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-':
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// ContainsPhrase reports whether phrase occurs in text on word boundaries,
// ignoring case and punctuation.
func ContainsPhrase(text, phrase string) bool {
	p := strings.TrimSpace(NormalizePhraseText(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(NormalizePhraseText(text), " "+p+" ")
}
