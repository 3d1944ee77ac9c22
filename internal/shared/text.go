package shared

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "st": true,
	"vs": true, "etc": true, "e.g": true, "i.e": true, "jr": true, "sr": true,
}

// SplitSentences splits text on terminal punctuation followed by whitespace
// or end of input. Terminal punctuation and closing quotes stay with their
// sentence. Common abbreviations ("Dr.") and decimals do not split.
func SplitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		j := i
		for j+1 < len(text) && strings.IndexByte(".!?\"')", text[j+1]) >= 0 {
			j++
		}
		if j+1 < len(text) && !isSpace(text[j+1]) {
			i = j
			continue
		}
		if c == '.' && j == i && isAbbreviation(text[start:i]) {
			continue
		}
		if s := strings.TrimSpace(text[start : j+1]); s != "" {
			out = append(out, s)
		}
		start = j + 1
		i = j
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// JoinSentences joins sentences with single spaces.
func JoinSentences(sentences []string) string {
	return strings.Join(sentences, " ")
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func isAbbreviation(prefix string) bool {
	prefix = strings.TrimRight(prefix, " ")
	if k := strings.LastIndexAny(prefix, " \n\t("); k >= 0 {
		prefix = prefix[k+1:]
	}
	return abbreviations[strings.ToLower(prefix)]
}

// EnsureTerminal appends a period unless s already ends a sentence.
func EnsureTerminal(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	trimmed := strings.TrimRight(s, "\"')”’")
	if trimmed == "" {
		return s
	}
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	switch r {
	case '.', '!', '?', '…':
		return s
	case ',', ';', ':', '-':
		return strings.TrimRight(trimmed, ",;:- ") + "."
	}
	return s + "."
}

// Capitalize upper-cases the first letter of s.
func Capitalize(s string) string {
	for i, r := range s {
		if unicode.IsLetter(r) {
			if unicode.IsUpper(r) {
				return s
			}
			return s[:i] + string(unicode.ToUpper(r)) + s[i+utf8.RuneLen(r):]
		}
		if !unicode.IsSpace(r) && !unicode.IsPunct(r) {
			return s
		}
	}
	return s
}

// ReplaceSpan replaces text[start:end] with repl, carrying over the
// capitalisation of the replaced span's first letter.
func ReplaceSpan(text string, start, end int, repl string) string {
	if start < 0 || end > len(text) || start > end {
		return text
	}
	r, _ := utf8.DecodeRuneInString(text[start:end])
	if unicode.IsUpper(r) {
		repl = Capitalize(repl)
	}
	return text[:start] + repl + text[end:]
}

// Normalize tidies whitespace, capitalises the first letter and ensures
// terminal punctuation on every sentence.
func Normalize(text string) string {
	sentences := SplitSentences(text)
	for i, s := range sentences {
		sentences[i] = EnsureTerminal(Capitalize(strings.Join(strings.Fields(s), " ")))
	}
	return JoinSentences(sentences)
}
