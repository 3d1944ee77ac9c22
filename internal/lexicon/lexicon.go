// Package lexicon holds the static lexical tables used by every detector.
//
// A Library is loaded once and never mutated afterwards, so it is safe for
// concurrent use. The default English tables are embedded; alternative
// locales can be supplied as YAML files with the same schema.
package lexicon

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalidLibrary is returned when a lexicon file is missing required tables.
var ErrInvalidLibrary = errors.New("invalid lexicon")

// Polarity groups emotions for contradiction checks.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityNeutral  Polarity = "neutral"
)

// Pattern is a regular expression compiled while the YAML is decoded.
type Pattern struct {
	re *regexp.Regexp
}

// UnmarshalYAML compiles the scalar value as a regular expression.
func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	var expr string
	if err := node.Decode(&expr); err != nil {
		return err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("line %d: compile %q: %w", node.Line, expr, err)
	}
	p.re = re
	return nil
}

// MarshalYAML writes the source expression back out.
func (p Pattern) MarshalYAML() (any, error) {
	if p.re == nil {
		return "", nil
	}
	return p.re.String(), nil
}

// MustPattern compiles expr or panics. Intended for tests and static tables.
func MustPattern(expr string) Pattern {
	return Pattern{re: regexp.MustCompile(expr)}
}

// Regexp returns the compiled expression, nil for an empty pattern.
func (p Pattern) Regexp() *regexp.Regexp { return p.re }

// MatchString reports whether s contains a match.
func (p Pattern) MatchString(s string) bool {
	return p.re != nil && p.re.MatchString(s)
}

// FindStringIndex returns the location of the leftmost match.
func (p Pattern) FindStringIndex(s string) []int {
	if p.re == nil {
		return nil
	}
	return p.re.FindStringIndex(s)
}

// Emotion is one of the six base categories with its surface terms.
type Emotion struct {
	Name     string   `yaml:"name"`
	Polarity Polarity `yaml:"polarity"`
	Terms    []string `yaml:"terms"`
}

// Trigger maps a situation to the emotion it usually evokes.
type Trigger struct {
	Pattern   Pattern  `yaml:"pattern"`
	Primary   string   `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
	Intensity float64  `yaml:"intensity"`
}

// ImplicitPhrase is a hedged way of naming an emotion.
type ImplicitPhrase struct {
	Phrase  string `yaml:"phrase"`
	Emotion string `yaml:"emotion"`
}

// Depression lists keywords that are always surfaced.
type Depression struct {
	Keywords []string `yaml:"keywords"`
	FollowUp string   `yaml:"follow_up"`
}

// FollowUps pairs generic follow-up questions with emotion-specific ones.
type FollowUps struct {
	Generic   []string          `yaml:"generic"`
	ByEmotion map[string]string `yaml:"by_emotion"`
}

// Crisis holds self-harm indicators and the markers a reply must carry.
type Crisis struct {
	Indicators        []Pattern `yaml:"indicators"`
	ResourceMarkers   []Pattern `yaml:"resource_markers"`
	ResourceStatement string    `yaml:"resource_statement"`
}

// Domains are the specialised-concern patterns checked in order.
type Domains struct {
	Medical []Pattern `yaml:"medical"`
	Legal   []Pattern `yaml:"legal"`
	Service []Pattern `yaml:"service"`
}

// Factual holds patterns for facts that cannot take two values at once.
type Factual struct {
	Price    Pattern `yaml:"price"`
	Provider Pattern `yaml:"provider"`
	// Service names what a price is for, so prices of different services
	// are not compared.
	Service Pattern `yaml:"service"`
}

// OrgFacts is the allow-list of verified organisation facts.
type OrgFacts struct {
	Name  string   `yaml:"name"`
	Facts []string `yaml:"facts"`
}

// Memory holds shared-past claims and the hedge that replaces them.
type Memory struct {
	Claims []Pattern `yaml:"claims"`
	Hedge  string    `yaml:"hedge"`
}

// Session holds new-session cues.
type Session struct {
	ResetPhrases    []string  `yaml:"reset_phrases"`
	Reintroductions []Pattern `yaml:"reintroductions"`
}

// Library is the full set of lexical tables.
type Library struct {
	Version            int              `yaml:"version"`
	Locale             string           `yaml:"locale"`
	StopWords          []string         `yaml:"stop_words"`
	Emotions           []Emotion        `yaml:"emotions"`
	NeutralTerms       []string         `yaml:"neutral_terms"`
	ReassuranceTerms   []string         `yaml:"reassurance_terms"`
	Situational        []Trigger        `yaml:"situational_triggers"`
	Implicit           []ImplicitPhrase `yaml:"implicit_phrases"`
	Depression         Depression       `yaml:"depression"`
	MixedCues          []string         `yaml:"mixed_cues"`
	EmotionAssertion   Pattern          `yaml:"emotion_assertion"`
	ExplicitFeeling    Pattern          `yaml:"explicit_feeling"`
	FollowUps          FollowUps        `yaml:"follow_ups"`
	Crisis             Crisis           `yaml:"crisis"`
	Domains            Domains          `yaml:"domains"`
	Factual            Factual          `yaml:"factual"`
	OrgFacts           OrgFacts         `yaml:"org_facts"`
	Memory             Memory           `yaml:"memory"`
	FormulaicOpeners   []string         `yaml:"formulaic_openers"`
	StutterExempt      []string         `yaml:"stutter_exempt"`
	Session            Session          `yaml:"session"`
	ClarifyingQuestion string           `yaml:"clarifying_question"`
	RepetitionPrefix   string           `yaml:"repetition_prefix"`
	Fallbacks          []string         `yaml:"fallbacks"`
	CrisisFallbacks    []string         `yaml:"crisis_fallbacks"`

	stop     map[string]struct{}
	exempt   map[string]struct{}
	terms    map[string]int // term -> index into Emotions
	neutral  map[string]struct{}
	reassure map[string]struct{}
}

// Parse decodes and validates a lexicon document.
func Parse(data []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	if err := lib.validate(); err != nil {
		return nil, err
	}
	lib.index()
	return &lib, nil
}

// LoadFile parses the lexicon at path.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon %s: %w", path, err)
	}
	return Parse(data)
}

var (
	defaultLib     *Library
	defaultLibErr  error
	defaultLibOnce sync.Once
)

// Default returns the embedded English library, parsed once.
func Default() (*Library, error) {
	defaultLibOnce.Do(func() {
		defaultLib, defaultLibErr = Parse(defaultYAML)
		if defaultLibErr == nil {
			slog.Debug("lexicon loaded",
				"locale", defaultLib.Locale,
				"emotions", len(defaultLib.Emotions),
				"fallbacks", len(defaultLib.Fallbacks),
			)
		}
	})
	return defaultLib, defaultLibErr
}

// MustDefault returns the embedded library and panics if it is broken.
// The embedded file is covered by tests, so a panic here means a bad build.
func MustDefault() *Library {
	lib, err := Default()
	if err != nil {
		panic(err)
	}
	return lib
}

// Load returns the library at path, or the embedded default when path is empty.
func Load(path string) (*Library, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

func (l *Library) validate() error {
	var missing []string
	if len(l.Emotions) == 0 {
		missing = append(missing, "emotions")
	}
	if len(l.Fallbacks) == 0 {
		missing = append(missing, "fallbacks")
	}
	if len(l.CrisisFallbacks) == 0 {
		missing = append(missing, "crisis_fallbacks")
	}
	if len(l.Crisis.Indicators) == 0 {
		missing = append(missing, "crisis.indicators")
	}
	if len(l.Crisis.ResourceMarkers) == 0 {
		missing = append(missing, "crisis.resource_markers")
	}
	if l.ClarifyingQuestion == "" {
		missing = append(missing, "clarifying_question")
	}
	if l.Memory.Hedge == "" {
		missing = append(missing, "memory.hedge")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidLibrary, strings.Join(missing, ", "))
	}
	for i, fb := range l.CrisisFallbacks {
		if !l.HasCrisisResource(fb) {
			return fmt.Errorf("%w: crisis_fallbacks[%d] carries no crisis resource", ErrInvalidLibrary, i)
		}
	}
	if l.Crisis.ResourceStatement != "" && !l.HasCrisisResource(l.Crisis.ResourceStatement) {
		return fmt.Errorf("%w: crisis.resource_statement carries no crisis resource", ErrInvalidLibrary)
	}
	names := make(map[string]bool, len(l.Emotions))
	for _, e := range l.Emotions {
		names[e.Name] = true
	}
	for _, t := range l.Situational {
		if !names[t.Primary] {
			return fmt.Errorf("%w: trigger %q names unknown emotion %q", ErrInvalidLibrary, t.Pattern.re, t.Primary)
		}
	}
	for _, p := range l.Implicit {
		if !names[p.Emotion] {
			return fmt.Errorf("%w: implicit phrase %q names unknown emotion %q", ErrInvalidLibrary, p.Phrase, p.Emotion)
		}
	}
	return nil
}

func (l *Library) index() {
	l.stop = toSet(l.StopWords)
	l.exempt = toSet(l.StutterExempt)
	l.neutral = toSet(l.NeutralTerms)
	l.reassure = toSet(l.ReassuranceTerms)
	l.terms = make(map[string]int)
	for i, e := range l.Emotions {
		l.terms[strings.ToLower(e.Name)] = i
		for _, t := range e.Terms {
			if _, dup := l.terms[strings.ToLower(t)]; !dup {
				l.terms[strings.ToLower(t)] = i
			}
		}
	}
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

// IsStopWord reports whether the lower-cased token is a stop word.
func (l *Library) IsStopWord(tok string) bool {
	_, ok := l.stop[tok]
	return ok
}

// IsStutterExempt reports whether a doubled token is acceptable English.
func (l *Library) IsStutterExempt(tok string) bool {
	_, ok := l.exempt[tok]
	return ok
}

// IsNeutralTerm reports whether the word asserts no particular emotion.
func (l *Library) IsNeutralTerm(word string) bool {
	_, ok := l.neutral[strings.ToLower(word)]
	return ok
}

// IsReassuranceTerm reports whether a neutral word is also used to
// reassure ("you are okay"), so it only asserts a feeling after a
// perception verb such as feel, seem or sound.
func (l *Library) IsReassuranceTerm(word string) bool {
	_, ok := l.reassure[strings.ToLower(word)]
	return ok
}

// EmotionForTerm resolves a surface term to its emotion category.
func (l *Library) EmotionForTerm(term string) (Emotion, bool) {
	i, ok := l.terms[strings.ToLower(term)]
	if !ok {
		return Emotion{}, false
	}
	return l.Emotions[i], true
}

// EmotionByName returns the category with the given name.
func (l *Library) EmotionByName(name string) (Emotion, bool) {
	for _, e := range l.Emotions {
		if e.Name == name {
			return e, true
		}
	}
	return Emotion{}, false
}

// IsCrisis reports whether text carries any crisis indicator.
func (l *Library) IsCrisis(text string) bool {
	for _, p := range l.Crisis.Indicators {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// HasCrisisResource reports whether text carries a crisis-resource marker.
func (l *Library) HasCrisisResource(text string) bool {
	for _, p := range l.Crisis.ResourceMarkers {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ReferencesOrgFact reports whether text mentions any allow-listed fact.
func (l *Library) ReferencesOrgFact(text string) bool {
	for _, f := range l.OrgFacts.Facts {
		if ContainsPhrase(text, f) {
			return true
		}
	}
	return false
}

// FollowUpFor returns the emotion-specific follow-up, if any.
func (l *Library) FollowUpFor(emotion string) string {
	return l.FollowUps.ByEmotion[emotion]
}
