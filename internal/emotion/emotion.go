// Package emotion detects the user's emotional state and checks that a
// reply acknowledges it.
package emotion

import (
	"strings"

	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/shared"
)

// Source names the rule that produced a detection.
type Source string

const (
	SourceNone        Source = "none"
	SourceSituational Source = "situational"
	SourceLexicon     Source = "lexicon"
	SourceImplicit    Source = "implicit"
	SourceDepression  Source = "depression"
	SourceMixed       Source = "mixed"
)

// Reason explains why a reply was judged to misidentify the emotion.
type Reason string

const (
	ReasonNeutralAssertion  Reason = "neutral_assertion"
	ReasonOppositeAssertion Reason = "opposite_assertion"
	ReasonMissingEcho       Reason = "missing_echo"
)

// Severities reported to the verifier.
const (
	severityDepression = 0.9
	severityAssertion  = 0.7
	severityEcho       = 0.5
)

var intensifiers = []string{"really", "so", "very", "extremely", "incredibly", "super"}

var negations = []string{"not", "never", "don't", "didn't", "isn't", "wasn't", "hardly"}

// Detection is the emotional reading of a user utterance.
type Detection struct {
	Primary        string   `json:"primary,omitempty"`
	Term           string   `json:"term,omitempty"`
	Secondary      []string `json:"secondary,omitempty"`
	Intensity      float64  `json:"intensity"`
	Source         Source   `json:"source"`
	Depression     bool     `json:"depression"`
	DepressionTerm string   `json:"depression_term,omitempty"`
	Explicit       string   `json:"explicit,omitempty"`
}

// Concrete reports whether a specific emotion was detected.
func (d Detection) Concrete() bool { return d.Primary != "" }

// Result is the consistency verdict for one reply.
type Result struct {
	Misidentified bool      `json:"misidentified"`
	Reason        Reason    `json:"reason,omitempty"`
	Severity      float64   `json:"severity"`
	Asserted      string    `json:"asserted,omitempty"`
	Detected      Detection `json:"detected"`
	CorrectedText string    `json:"corrected_text,omitempty"`
}

// Checker runs detection and consistency checks against a lexicon.
type Checker struct {
	lib *lexicon.Library
}

// NewChecker returns a checker over lib.
func NewChecker(lib *lexicon.Library) *Checker {
	return &Checker{lib: lib}
}

// Detect reads the user's emotion. Rules apply in precedence order:
// situational triggers, lexicon terms, implicit phrases, then depression
// keywords (always surfaced) and mixed-emotion cues.
func (c *Checker) Detect(input string) Detection {
	det := Detection{Source: SourceNone}
	norm := lexicon.NormalizePhraseText(input)

	for _, t := range c.lib.Situational {
		if t.Pattern.MatchString(input) {
			det.Primary = t.Primary
			det.Term = t.Primary
			det.Secondary = append([]string(nil), t.Secondary...)
			det.Intensity = t.Intensity
			det.Source = SourceSituational
			break
		}
	}

	hits := c.termHits(norm)
	if !det.Concrete() && len(hits) > 0 {
		det.Primary = hits[0].emotion
		det.Term = hits[0].term
		det.Intensity = 0.6
		if hits[0].intensified {
			det.Intensity = 0.8
		}
		det.Source = SourceLexicon
	}

	if !det.Concrete() {
		best := -1
		for _, p := range c.lib.Implicit {
			if i := phraseAt(norm, p.Phrase); i >= 0 && (best < 0 || i < best) {
				best = i
				det.Primary = p.Emotion
				det.Term = p.Phrase
				det.Intensity = 0.5
				det.Source = SourceImplicit
			}
		}
	}

	best := -1
	for _, kw := range c.lib.Depression.Keywords {
		if i := phraseAt(norm, kw); i >= 0 && (best < 0 || i < best) {
			best = i
			det.Depression = true
			det.DepressionTerm = kw
		}
	}
	if det.Depression && !det.Concrete() {
		det.Primary = "sad"
		det.Term = det.DepressionTerm
		det.Intensity = 0.8
		det.Source = SourceDepression
	}

	if c.hasMixedCue(norm) && len(hits) > 1 {
		seen := map[string]bool{det.Primary: true}
		for _, h := range hits {
			if !seen[h.emotion] {
				seen[h.emotion] = true
				det.Secondary = append(det.Secondary, h.emotion)
			}
		}
		if det.Source == SourceLexicon {
			det.Source = SourceMixed
		}
	}

	if m := c.lib.ExplicitFeeling.Regexp(); m != nil {
		if sub := m.FindStringSubmatch(input); len(sub) > 1 {
			word := strings.ToLower(sub[1])
			if _, ok := c.lib.EmotionForTerm(word); ok || c.isDepressionKeyword(word) {
				det.Explicit = word
			}
		}
	}
	return det
}

// Check verifies that reply is consistent with the emotion in input.
func (c *Checker) Check(reply, input string) Result {
	det := c.Detect(input)
	res := Result{Detected: det, CorrectedText: reply}
	if !det.Concrete() {
		return res
	}

	span := []int(nil)
	if re := c.lib.EmotionAssertion.Regexp(); re != nil {
		for _, m := range re.FindAllStringSubmatchIndex(reply, -1) {
			word := strings.ToLower(reply[m[2]:m[3]])
			if c.lib.IsNeutralTerm(word) {
				if !c.assertsNeutral(reply, m) {
					continue
				}
				res.Reason, res.Asserted, span = ReasonNeutralAssertion, word, []int{m[0], m[3]}
				break
			}
			if e, ok := c.lib.EmotionForTerm(word); ok && c.opposite(e.Name, det.Primary) {
				res.Reason, res.Asserted, span = ReasonOppositeAssertion, word, []int{m[0], m[3]}
				break
			}
		}
	}
	if span == nil && det.Explicit != "" && !c.echoes(reply, det.Explicit) {
		res.Reason = ReasonMissingEcho
	}
	if res.Reason == "" {
		return res
	}

	res.Misidentified = true
	switch {
	case det.Depression:
		res.Severity = severityDepression
	case res.Reason == ReasonMissingEcho:
		res.Severity = severityEcho
	default:
		res.Severity = severityAssertion
	}
	res.CorrectedText = c.correct(reply, det, span)
	return res
}

// assertsNeutral reports whether the assertion match m states a neutral
// feeling. The neutral word has to close the clause, and reassurance words
// only count after a perception verb.
func (c *Checker) assertsNeutral(reply string, m []int) bool {
	word := reply[m[2]:m[3]]
	if c.lib.IsReassuranceTerm(word) && !perceived(strings.ToLower(reply[m[0]:m[2]])) {
		return false
	}
	rest := strings.TrimLeft(reply[m[3]:], " \t")
	if rest == "" || strings.ContainsAny(rest[:1], ".,;:!?") {
		return true
	}
	next := strings.Fields(rest)[0]
	return strings.EqualFold(strings.TrimRight(next, ".,;:!?"), "about")
}

func perceived(lead string) bool {
	for _, verb := range []string{"feel", "seem", "sound"} {
		if strings.Contains(lead, verb) {
			return true
		}
	}
	return false
}

// Correct rewrites reply so it acknowledges the emotion detected in input.
// A consistent reply is returned unchanged.
func (c *Checker) Correct(reply, input string) string {
	return c.Check(reply, input).CorrectedText
}

func (c *Checker) correct(reply string, det Detection, span []int) string {
	echo := det.Term
	switch {
	case det.Explicit != "":
		echo = det.Explicit
	case det.Depression:
		echo = det.DepressionTerm
	}
	ack := "you're feeling " + echo

	var out string
	if span != nil {
		out = shared.ReplaceSpan(reply, span[0], span[1], ack)
	} else {
		out = "I can hear that " + ack + ". " + strings.TrimSpace(reply)
	}

	followUp := c.lib.FollowUpFor(det.Primary)
	if det.Depression && c.lib.Depression.FollowUp != "" {
		followUp = c.lib.Depression.FollowUp
	}
	if followUp != "" {
		out = c.swapFollowUp(out, followUp)
	}
	return shared.EnsureTerminal(out)
}

// swapFollowUp replaces the first generic follow-up question in text.
func (c *Checker) swapFollowUp(text, specific string) string {
	lower := strings.ToLower(text)
	for _, g := range c.lib.FollowUps.Generic {
		if i := strings.Index(lower, strings.ToLower(g)); i >= 0 {
			return text[:i] + specific + text[i+len(g):]
		}
	}
	return text
}

// echoes reports whether reply names term or a synonym of it.
func (c *Checker) echoes(reply, term string) bool {
	if lexicon.ContainsPhrase(reply, term) {
		return true
	}
	if e, ok := c.lib.EmotionForTerm(term); ok {
		for _, t := range e.Terms {
			if lexicon.ContainsPhrase(reply, t) {
				return true
			}
		}
		return lexicon.ContainsPhrase(reply, e.Name)
	}
	if c.isDepressionKeyword(term) {
		if sad, ok := c.lib.EmotionByName("sad"); ok {
			for _, t := range sad.Terms {
				if lexicon.ContainsPhrase(reply, t) {
					return true
				}
			}
		}
		for _, kw := range c.lib.Depression.Keywords {
			if lexicon.ContainsPhrase(reply, kw) {
				return true
			}
		}
	}
	return false
}

func (c *Checker) opposite(asserted, detected string) bool {
	a, okA := c.lib.EmotionByName(asserted)
	d, okD := c.lib.EmotionByName(detected)
	if !okA || !okD {
		return false
	}
	return (a.Polarity == lexicon.PolarityPositive && d.Polarity == lexicon.PolarityNegative) ||
		(a.Polarity == lexicon.PolarityNegative && d.Polarity == lexicon.PolarityPositive)
}

func (c *Checker) isDepressionKeyword(word string) bool {
	for _, kw := range c.lib.Depression.Keywords {
		if strings.EqualFold(kw, word) {
			return true
		}
	}
	return false
}

func (c *Checker) hasMixedCue(norm string) bool {
	for _, cue := range c.lib.MixedCues {
		if phraseAt(norm, cue) >= 0 {
			return true
		}
	}
	return false
}

type termHit struct {
	pos         int
	term        string
	emotion     string
	intensified bool
}

// termHits returns lexicon terms found in norm ordered by position,
// skipping negated occurrences.
func (c *Checker) termHits(norm string) []termHit {
	var hits []termHit
	for _, e := range c.lib.Emotions {
		for _, term := range append([]string{e.Name}, e.Terms...) {
			i := phraseAt(norm, term)
			if i < 0 || precededBy(norm, i, negations) {
				continue
			}
			hits = append(hits, termHit{
				pos:         i,
				term:        term,
				emotion:     e.Name,
				intensified: precededBy(norm, i, intensifiers),
			})
		}
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	return hits
}

// phraseAt returns the byte offset of phrase in normalised text, or -1.
func phraseAt(norm, phrase string) int {
	p := strings.TrimSpace(lexicon.NormalizePhraseText(phrase))
	if p == "" {
		return -1
	}
	return strings.Index(norm, " "+p+" ")
}

// precededBy reports whether the word before offset i is one of words.
func precededBy(norm string, i int, words []string) bool {
	before := strings.Fields(norm[:i+1])
	if len(before) == 0 {
		return false
	}
	prev := before[len(before)-1]
	for _, w := range words {
		if prev == w {
			return true
		}
	}
	return false
}
