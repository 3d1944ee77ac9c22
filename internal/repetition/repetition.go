// Package repetition detects and repairs repeated content in agent replies.
package repetition

import (
	"math"
	"regexp"
	"strings"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/shared"
	"github.com/CVMHW/roger/internal/similarity"
)

// Kind names a repetition check.
type Kind string

const (
	KindExactDuplicate       Kind = "exact_duplicate"
	KindStutter              Kind = "stutter"
	KindFormulaicOpener      Kind = "formulaic_opener"
	KindNearDuplicateSelf    Kind = "near_duplicate_self"
	KindNearDuplicateHistory Kind = "near_duplicate_history"
)

// Scores for checks that do not derive from similarity.
const (
	exactDuplicateScore = 1.0
	stutterScore        = 0.5
	openerBaseScore     = 0.4
	openerStepScore     = 0.2
)

// SimilarityEngine is the subset of the similarity engine the detector needs.
type SimilarityEngine interface {
	Jaccard(a, b string) float64
	NGram(a, b string, n int) float64
}

var _ SimilarityEngine = (*similarity.Engine)(nil)

// Config tunes the detector.
type Config struct {
	NearDuplicateThreshold float64 `validate:"gt=0,lte=1"`
	NGramSize              int     `validate:"min=3,max=7"`
	HistoryWindow          int     `validate:"min=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		NearDuplicateThreshold: 0.65,
		NGramSize:              3,
		HistoryWindow:          5,
	}
}

// Finding is one repetition hit.
type Finding struct {
	Kind     Kind    `json:"kind"`
	Score    float64 `json:"score"`
	Evidence string  `json:"evidence"`
}

// Result is the detector output. Score is the maximum across findings.
type Result struct {
	HasRepetition bool      `json:"has_repetition"`
	Score         float64   `json:"score"`
	CorrectedText string    `json:"corrected_text,omitempty"`
	Findings      []Finding `json:"findings,omitempty"`
}

// Detector runs the repetition checks. It is stateless and safe for
// concurrent use.
type Detector struct {
	lib *lexicon.Library
	sim SimilarityEngine
	cfg Config
}

// NewDetector wires a detector. Zero config fields take defaults.
func NewDetector(lib *lexicon.Library, sim SimilarityEngine, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.NearDuplicateThreshold <= 0 {
		cfg.NearDuplicateThreshold = def.NearDuplicateThreshold
	}
	if cfg.NGramSize == 0 {
		cfg.NGramSize = def.NGramSize
	}
	return &Detector{lib: lib, sim: sim, cfg: cfg}
}

// Detect scores text against itself and the prior agent replies in history.
func (d *Detector) Detect(text string, history []domain.Utterance) Result {
	prior := domain.AgentUtterances(history, d.cfg.HistoryWindow)
	sentences := shared.SplitSentences(text)

	var findings []Finding
	findings = append(findings, d.exactDuplicates(sentences)...)
	findings = append(findings, d.stutters(text)...)
	findings = append(findings, d.openers(sentences, prior)...)
	findings = append(findings, d.selfNearDuplicates(sentences)...)
	findings = append(findings, d.historyNearDuplicates(text, prior)...)

	res := Result{CorrectedText: text}
	for _, f := range findings {
		res.Score = math.Max(res.Score, f.Score)
	}
	res.Findings = findings
	res.HasRepetition = len(findings) > 0
	if res.HasRepetition {
		res.CorrectedText = d.Correct(text, history)
	}
	return res
}

// Fix applies the in-place edits: duplicate sentences and repeated openers
// are dropped after their first occurrence and stutters are collapsed.
// Text that needs no edit is returned unchanged. Fix is idempotent.
func (d *Detector) Fix(text string) string {
	sentences := shared.SplitSentences(text)
	changed := false

	for i, s := range sentences {
		if c := d.collapseStutter(s); c != s {
			sentences[i] = c
			changed = true
		}
	}

	sentences, dropped := dedupe(sentences)
	changed = changed || dropped

	used := make(map[string]bool)
	for i, s := range sentences {
		opener, end := d.leadingOpener(s)
		if opener == "" {
			continue
		}
		if used[opener] {
			sentences[i] = shared.Capitalize(strings.TrimSpace(s[end:]))
			changed = true
			continue
		}
		used[opener] = true
	}

	if !changed {
		return text
	}
	sentences, _ = dedupe(sentences)
	return finish(sentences)
}

// dedupe keeps the first sentence of every signature.
func dedupe(sentences []string) ([]string, bool) {
	seen := make(map[string]bool, len(sentences))
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		sig := signature(s)
		if sig != "" && seen[sig] {
			continue
		}
		seen[sig] = true
		kept = append(kept, s)
	}
	return kept, len(kept) != len(sentences)
}

// Correct applies Fix and, when the result still near-duplicates a prior
// agent reply, tries in order: dropping a leading formulaic opener,
// reordering sentences, and prefixing a clarifying question. Correct is
// idempotent for a fixed history.
func (d *Detector) Correct(text string, history []domain.Utterance) string {
	prior := domain.AgentUtterances(history, d.cfg.HistoryWindow)
	fixed := d.Fix(text)
	prefix := d.lib.RepetitionPrefix
	if prefix != "" && strings.HasPrefix(fixed, prefix) {
		return fixed
	}
	if !d.nearDuplicateOfAny(fixed, prior) {
		return fixed
	}

	candidate := fixed
	sentences := shared.SplitSentences(fixed)
	if len(sentences) > 0 {
		if _, end := d.leadingOpener(sentences[0]); end > 0 {
			rest := strings.TrimSpace(sentences[0][end:])
			if rest != "" {
				sentences[0] = shared.Capitalize(rest)
			} else {
				sentences = sentences[1:]
			}
			candidate = finish(sentences)
			if candidate != "" && !d.nearDuplicateOfAny(candidate, prior) {
				return candidate
			}
		}
	}

	if len(sentences) > 1 {
		reordered := append(append([]string{}, sentences[1:]...), sentences[0])
		candidate = finish(reordered)
		if !d.nearDuplicateOfAny(candidate, prior) {
			return candidate
		}
	}

	if candidate == "" {
		candidate = fixed
	}
	if prefix == "" {
		return candidate
	}
	return prefix + " " + candidate
}

func (d *Detector) exactDuplicates(sentences []string) []Finding {
	var out []Finding
	seen := make(map[string]bool, len(sentences))
	for _, s := range sentences {
		sig := signature(s)
		if sig == "" {
			continue
		}
		if seen[sig] {
			out = append(out, Finding{Kind: KindExactDuplicate, Score: exactDuplicateScore, Evidence: s})
			continue
		}
		seen[sig] = true
	}
	return out
}

func (d *Detector) stutters(text string) []Finding {
	var out []Finding
	for _, s := range shared.SplitSentences(text) {
		if d.collapseStutter(s) != s {
			out = append(out, Finding{Kind: KindStutter, Score: stutterScore, Evidence: s})
		}
	}
	return out
}

func (d *Detector) openers(sentences []string, prior []domain.Utterance) []Finding {
	var out []Finding
	counts := make(map[string]int)
	var order []string
	for _, s := range sentences {
		if opener, _ := d.leadingOpener(s); opener != "" {
			if counts[opener] == 0 {
				order = append(order, opener)
			}
			counts[opener]++
		}
	}
	for _, opener := range order {
		if n := counts[opener]; n > 1 {
			score := math.Min(1, openerBaseScore+openerStepScore*float64(n-1))
			out = append(out, Finding{Kind: KindFormulaicOpener, Score: score, Evidence: opener})
		}
	}
	if len(sentences) > 0 && len(prior) > 0 {
		first, _ := d.leadingOpener(sentences[0])
		prev := shared.SplitSentences(prior[len(prior)-1].Text)
		if first != "" && len(prev) > 0 {
			if last, _ := d.leadingOpener(prev[0]); last == first {
				out = append(out, Finding{Kind: KindFormulaicOpener, Score: openerBaseScore, Evidence: first})
			}
		}
	}
	return out
}

func (d *Detector) selfNearDuplicates(sentences []string) []Finding {
	var out []Finding
	n := d.cfg.NGramSize
	for i := 0; i < len(sentences); i++ {
		if len(similarity.Tokenize(sentences[i])) < n {
			continue
		}
		for j := i + 1; j < len(sentences); j++ {
			if len(similarity.Tokenize(sentences[j])) < n || signature(sentences[i]) == signature(sentences[j]) {
				continue
			}
			if s := d.sim.NGram(sentences[i], sentences[j], n); s >= d.cfg.NearDuplicateThreshold {
				out = append(out, Finding{Kind: KindNearDuplicateSelf, Score: nearDuplicateScore(s), Evidence: sentences[j]})
			}
		}
	}
	return out
}

func (d *Detector) historyNearDuplicates(text string, prior []domain.Utterance) []Finding {
	var out []Finding
	for _, u := range prior {
		if s := d.sim.NGram(text, u.Text, d.cfg.NGramSize); s >= d.cfg.NearDuplicateThreshold {
			out = append(out, Finding{Kind: KindNearDuplicateHistory, Score: nearDuplicateScore(s), Evidence: u.Text})
		}
	}
	return out
}

func (d *Detector) nearDuplicateOfAny(text string, prior []domain.Utterance) bool {
	for _, u := range prior {
		if d.sim.NGram(text, u.Text, d.cfg.NGramSize) >= d.cfg.NearDuplicateThreshold {
			return true
		}
	}
	return false
}

// nearDuplicateScore maps similarity s to log2(1+5s), scaled so s=1 scores 1.
func nearDuplicateScore(s float64) float64 {
	return math.Min(1, math.Log2(1+5*s)/math.Log2(6))
}

// leadingOpener returns the catalog opener that starts s and the byte
// offset just past it (and any following comma).
func (d *Detector) leadingOpener(s string) (string, int) {
	for _, opener := range d.lib.FormulaicOpeners {
		for _, form := range []string{opener, strings.ReplaceAll(opener, "'", "’")} {
			if len(s) < len(form) || !strings.EqualFold(s[:len(form)], form) {
				continue
			}
			end := len(form)
			if end < len(s) && s[end] != ',' && s[end] != ' ' {
				continue
			}
			for end < len(s) && (s[end] == ',' || s[end] == ' ') {
				end++
			}
			return opener, end
		}
	}
	return "", 0
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}']+`)

// collapseStutter removes immediately repeated words and phrases of up to
// four words.
func (d *Detector) collapseStutter(s string) string {
	for size := 4; size >= 1; size-- {
		for {
			out, ok := d.collapseOnce(s, size)
			if !ok {
				break
			}
			s = out
		}
	}
	return s
}

func (d *Detector) collapseOnce(s string, size int) (string, bool) {
	locs := wordRe.FindAllStringIndex(s, -1)
	for i := 0; i+2*size <= len(locs); i++ {
		match := true
		for k := 0; k < size; k++ {
			a := strings.ToLower(s[locs[i+k][0]:locs[i+k][1]])
			b := strings.ToLower(s[locs[i+size+k][0]:locs[i+size+k][1]])
			if a != b {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if size == 1 && d.lib.IsStutterExempt(strings.ToLower(s[locs[i][0]:locs[i][1]])) {
			continue
		}
		// The two copies must be separated by whitespace or a comma only.
		gap := s[locs[i+size-1][1]:locs[i+size][0]]
		if strings.Trim(gap, " ,") != "" {
			continue
		}
		for k := 0; k < size-1; k++ {
			if strings.TrimSpace(s[locs[i+k][1]:locs[i+k+1][0]]) != "" {
				match = false
			}
		}
		if !match {
			continue
		}
		cut := s[:locs[i+size-1][1]] + s[locs[i+2*size-1][1]:]
		return cut, true
	}
	return s, false
}

var determiners = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true, "these": true, "those": true,
}

// signature normalises a sentence for exact-duplicate comparison.
func signature(s string) string {
	toks := similarity.Tokenize(s)
	out := toks[:0]
	for _, t := range toks {
		if !determiners[t] {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}

func finish(sentences []string) string {
	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, shared.EnsureTerminal(shared.Capitalize(s)))
	}
	return shared.JoinSentences(out)
}
