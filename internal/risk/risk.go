// Package risk classifies replies that overstep the agent's role: medical
// directives, credential or service claims, contradictory facts, invented
// shared history and crisis replies without resources.
package risk

import (
	"strconv"
	"strings"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/shared"
	"github.com/CVMHW/roger/internal/similarity"
)

// Rule names reported as RiskSignal.Rule.
const (
	RuleMedicalDirective  = "medical_directive"
	RuleLegalCredential   = "legal_credential"
	RuleServiceClaim      = "service_claim"
	RulePriceConflict     = "factual_price_conflict"
	RuleProviderConflict  = "factual_provider_conflict"
	RuleCrisisNoResources = "crisis_without_resources"
	RuleUnsupportedMemory = "unsupported_memory_reference"
)

const (
	ruleScoreMedical       = 0.9
	ruleScoreLegal         = 0.85
	ruleScoreService       = 0.8
	ruleScoreFactual       = 0.7
	ruleScoreMemory        = 0.8
	ruleScoreCrisisNoMarks = 1.0

	maxHedges = 8
)

// Jaccarder scores token overlap.
type Jaccarder interface {
	Jaccard(a, b string) float64
}

// Config tunes the classifier.
type Config struct {
	// MemorySupportThreshold is the overlap a history entry needs with a
	// shared-past claim to count as support.
	MemorySupportThreshold float64 `validate:"gte=0,lte=1"`
	// CleanConfidence is reported when nothing fires. It is never 1.
	CleanConfidence float64 `validate:"gt=0,lt=1"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MemorySupportThreshold: 0.2, CleanConfidence: 0.6}
}

// Assessment is the classifier output for one reply.
type Assessment struct {
	Signals         []domain.RiskSignal `json:"signals,omitempty"`
	AllowListed     bool                `json:"allow_listed"`
	CrisisInput     bool                `json:"crisis_input"`
	Clean           bool                `json:"clean"`
	CleanConfidence float64             `json:"clean_confidence,omitempty"`
}

// Classifier runs the domain-risk checks. Safe for concurrent use.
type Classifier struct {
	lib *lexicon.Library
	sim Jaccarder
	cfg Config
}

// NewClassifier wires a classifier.
func NewClassifier(lib *lexicon.Library, sim Jaccarder, cfg Config) *Classifier {
	if cfg.CleanConfidence <= 0 || cfg.CleanConfidence >= 1 {
		cfg.CleanConfidence = DefaultConfig().CleanConfidence
	}
	return &Classifier{lib: lib, sim: sim, cfg: cfg}
}

// Classify assesses reply given the user input, session history and any
// retrieved memory snippets.
func (c *Classifier) Classify(reply, input string, history []domain.Utterance, memory []string) Assessment {
	a := Assessment{CrisisInput: c.lib.IsCrisis(input)}

	for _, claim := range c.unsupportedClaims(reply, history, memory) {
		a.Signals = append(a.Signals, domain.RiskSignal{
			Category: domain.CategoryMemoryContinuity,
			RawScore: ruleScoreMemory,
			Evidence: claim,
			Rule:     RuleUnsupportedMemory,
		})
	}

	if c.lib.ReferencesOrgFact(input) && c.lib.ReferencesOrgFact(reply) {
		a.AllowListed = true
	} else if sig, ok := c.domainHit(reply); ok {
		a.Signals = append(a.Signals, sig)
	}

	if a.CrisisInput && !c.lib.HasCrisisResource(reply) {
		a.Signals = append(a.Signals, domain.RiskSignal{
			Category: domain.CategoryCrisis,
			RawScore: ruleScoreCrisisNoMarks,
			Evidence: "crisis indicators in input, no crisis resource in reply",
			Rule:     RuleCrisisNoResources,
		})
	}

	if len(a.Signals) == 0 {
		a.Clean = true
		a.CleanConfidence = c.cfg.CleanConfidence
	}
	return a
}

// domainHit evaluates medical, legal, service and factual checks in that
// order and returns the first hit.
func (c *Classifier) domainHit(reply string) (domain.RiskSignal, bool) {
	sentences := shared.SplitSentences(reply)

	for _, s := range sentences {
		if c.lib.ReferencesOrgFact(s) {
			continue
		}
		if ev, ok := firstMatch(s, c.lib.Domains.Medical); ok {
			return hallucination(RuleMedicalDirective, ruleScoreMedical, ev), true
		}
	}
	checks := []struct {
		rule     string
		score    float64
		patterns []lexicon.Pattern
	}{
		{RuleLegalCredential, ruleScoreLegal, c.lib.Domains.Legal},
		{RuleServiceClaim, ruleScoreService, c.lib.Domains.Service},
	}
	for _, chk := range checks {
		if ev, ok := firstMatch(reply, chk.patterns); ok {
			return hallucination(chk.rule, chk.score, ev), true
		}
	}

	if prices := c.priceConflict(sentences); len(prices) > 1 {
		return hallucination(RulePriceConflict, ruleScoreFactual, strings.Join(prices, " vs ")), true
	}
	if names := distinct(c.lib.Factual.Provider, reply, providerKey); len(names) > 1 {
		return hallucination(RuleProviderConflict, ruleScoreFactual, strings.Join(names, " vs ")), true
	}
	return domain.RiskSignal{}, false
}

// Hedge replaces unsupported shared-past claims in reply with the hedge
// phrase. Supported claims are left alone.
func (c *Classifier) Hedge(reply string, history []domain.Utterance, memory []string) string {
	hedge := c.lib.Memory.Hedge
	if hedge == "" {
		return reply
	}
	for i := 0; i < maxHedges; i++ {
		loc, ok := c.firstUnsupported(reply, history, memory)
		if !ok {
			break
		}
		repl := hedge
		if loc[0] > 0 {
			repl = strings.ToLower(hedge[:1]) + hedge[1:]
		}
		reply = shared.ReplaceSpan(reply, loc[0], loc[1], repl)
	}
	return reply
}

// InjectCrisisResources prepends the crisis resource statement unless reply
// already carries a crisis-resource marker.
func (c *Classifier) InjectCrisisResources(reply string) string {
	if c.lib.HasCrisisResource(reply) || c.lib.Crisis.ResourceStatement == "" {
		return reply
	}
	return c.lib.Crisis.ResourceStatement + " " + strings.TrimSpace(reply)
}

func (c *Classifier) unsupportedClaims(reply string, history []domain.Utterance, memory []string) []string {
	var out []string
	for _, s := range shared.SplitSentences(reply) {
		for _, p := range c.lib.Memory.Claims {
			loc := p.FindStringIndex(s)
			if loc == nil {
				continue
			}
			if !c.supported(s[:loc[0]]+s[loc[1]:], history, memory) {
				out = append(out, s)
			}
			break
		}
	}
	return out
}

func (c *Classifier) firstUnsupported(reply string, history []domain.Utterance, memory []string) ([]int, bool) {
	for _, p := range c.lib.Memory.Claims {
		re := p.Regexp()
		if re == nil {
			continue
		}
		for _, loc := range re.FindAllStringIndex(reply, -1) {
			if !c.supported(sentenceAround(reply, loc), history, memory) {
				return loc, true
			}
		}
	}
	return nil, false
}

// supported reports whether any history entry or memory snippet overlaps
// the claim enough to back it.
func (c *Classifier) supported(claim string, history []domain.Utterance, memory []string) bool {
	for _, u := range history {
		if c.sim.Jaccard(claim, u.Text) >= c.cfg.MemorySupportThreshold {
			return true
		}
	}
	for _, m := range memory {
		if c.sim.Jaccard(claim, m) >= c.cfg.MemorySupportThreshold {
			return true
		}
	}
	return false
}

// sentenceAround returns the sentence containing loc with the match removed.
func sentenceAround(text string, loc []int) string {
	start := strings.LastIndexAny(text[:loc[0]], ".!?") + 1
	end := len(text)
	if i := strings.IndexAny(text[loc[1]:], ".!?"); i >= 0 {
		end = loc[1] + i
	}
	return text[start:loc[0]] + text[loc[1]:end]
}

func hallucination(rule string, score float64, evidence string) domain.RiskSignal {
	return domain.RiskSignal{
		Category: domain.CategoryHallucinationDomain,
		RawScore: score,
		Evidence: evidence,
		Rule:     rule,
	}
}

func firstMatch(text string, patterns []lexicon.Pattern) (string, bool) {
	for _, p := range patterns {
		if loc := p.FindStringIndex(text); loc != nil {
			return text[loc[0]:loc[1]], true
		}
	}
	return "", false
}

// priceConflict returns the distinct prices quoted for the first service
// that is given more than one. A price belongs to the nearest service named
// in its sentence, or to the previous price's service when the sentence
// names none.
func (c *Classifier) priceConflict(sentences []string) []string {
	re := c.lib.Factual.Price.Regexp()
	if re == nil {
		return nil
	}
	svc := c.lib.Factual.Service.Regexp()

	var order []string
	quoted := make(map[string][]string)
	seen := make(map[string]bool)
	label := ""
	for _, s := range sentences {
		var services [][]int
		if svc != nil {
			services = svc.FindAllStringIndex(s, -1)
		}
		for _, loc := range re.FindAllStringIndex(s, -1) {
			if l, ok := nearestService(s, services, loc); ok {
				label = l
			}
			price := s[loc[0]:loc[1]]
			key := label + "\x00" + priceKey(price)
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, ok := quoted[label]; !ok {
				order = append(order, label)
			}
			quoted[label] = append(quoted[label], price)
		}
	}
	for _, l := range order {
		if len(quoted[l]) > 1 {
			return quoted[l]
		}
	}
	return nil
}

// nearestService returns the normalised name of the service closest to loc.
func nearestService(s string, services [][]int, loc []int) (string, bool) {
	best, dist := -1, len(s)+1
	for i, sv := range services {
		d := 0
		switch {
		case sv[1] <= loc[0]:
			d = loc[0] - sv[1]
		case sv[0] >= loc[1]:
			d = sv[0] - loc[1]
		}
		if d < dist {
			best, dist = i, d
		}
	}
	if best < 0 {
		return "", false
	}
	name := strings.ToLower(strings.Join(strings.Fields(s[services[best][0]:services[best][1]]), " "))
	return strings.TrimSuffix(name, "s"), true
}

// priceKey collapses formatting variants such as "$50", "$ 50" and "$50.00".
func priceKey(price string) string {
	digits := strings.NewReplacer("$", "", " ", "").Replace(price)
	if v, err := strconv.ParseFloat(digits, 64); err == nil {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return digits
}

// providerKey collapses punctuation and spacing, so "Dr. Smith" and
// "Dr Smith" name the same provider.
func providerKey(name string) string {
	return strings.Join(similarity.Tokenize(name), " ")
}

func distinct(p lexicon.Pattern, text string, keyOf func(string) string) []string {
	re := p.Regexp()
	if re == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllString(text, -1) {
		key := keyOf(m)
		if !seen[key] {
			seen[key] = true
			out = append(out, m)
		}
	}
	return out
}
