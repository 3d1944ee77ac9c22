// Package similarity scores lexical overlap between two texts.
package similarity

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MinNGram and MaxNGram bound the n-gram sizes the engine accepts.
const (
	MinNGram = 3
	MaxNGram = 7
)

// StopList decides which tokens carry no content.
type StopList interface {
	IsStopWord(tok string) bool
}

// Engine computes token-set and n-gram similarity. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	stop StopList
}

// New returns an engine that filters tokens through stop. A nil stop list
// keeps every token.
func New(stop StopList) *Engine {
	return &Engine{stop: stop}
}

// Tokenize normalises text (NFKC, case folded, unified apostrophes) and
// splits it into word tokens.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	s := norm.NFKC.String(text)
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	s = cases.Fold().String(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Jaccard returns |A∩B| / |A∪B| over the content-token sets of a and b.
// It is symmetric, returns 1 for identical non-empty texts and 0 when
// either side is empty. When stop-word filtering leaves either side empty
// the unfiltered tokens are compared instead.
func (e *Engine) Jaccard(a, b string) float64 {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	ta, tb := Tokenize(a), Tokenize(b)
	sa, sb := e.contentSet(ta), e.contentSet(tb)
	if len(sa) == 0 || len(sb) == 0 {
		sa, sb = toSet(ta), toSet(tb)
	}
	if len(sa) == 0 || len(sb) == 0 {
		if a == b {
			return 1
		}
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// NGram returns the discounted n-gram overlap of a and b.
//
// Every distinct n-gram of the side with fewer distinct n-grams that also
// occurs in the other side contributes 1/log2(count_in_other+2), so common
// filler repeated many times counts less than a single shared phrase. The
// sum is normalised by the smaller side's distinct n-gram count and scaled
// so a single shared occurrence weighs 1. Texts shorter than n words fall
// back to Jaccard. n is clamped to [MinNGram, MaxNGram].
//
// The discount also applies when a text is compared with itself, so NGram(a, a)
// is below 1 when a repeats an n-gram. Only Jaccard guarantees 1 for
// identical texts.
func (e *Engine) NGram(a, b string, n int) float64 {
	n = max(MinNGram, min(MaxNGram, n))
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) < n || len(tb) < n {
		return e.Jaccard(a, b)
	}
	ca, cb := ngrams(ta, n), ngrams(tb, n)
	switch {
	case len(ca) < len(cb):
		return discounted(ca, cb)
	case len(cb) < len(ca):
		return discounted(cb, ca)
	default:
		return (discounted(ca, cb) + discounted(cb, ca)) / 2
	}
}

func discounted(small, other map[string]int) float64 {
	if len(small) == 0 {
		return 0
	}
	var sum float64
	for g := range small {
		if c := other[g]; c > 0 {
			sum += 1 / math.Log2(float64(c)+2)
		}
	}
	score := sum * math.Log2(3) / float64(len(small))
	return math.Min(1, math.Max(0, score))
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int, len(tokens))
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

func (e *Engine) contentSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if e.stop != nil && e.stop.IsStopWord(t) {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
