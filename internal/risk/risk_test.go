package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/similarity"
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	lib := lexicon.MustDefault()
	return NewClassifier(lib, similarity.New(lib), DefaultConfig())
}

func rules(a Assessment) []string {
	out := make([]string, 0, len(a.Signals))
	for _, s := range a.Signals {
		out = append(out, s.Rule)
	}
	return out
}

func TestClassifyDomainRules(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{"medical directive", "You should stop taking your medication and rest.", []string{RuleMedicalDirective}},
		{"dosage", "Try 50 mg before bed.", []string{RuleMedicalDirective}},
		{"legal credential", "As a licensed therapist, I think you'll be okay.", []string{RuleLegalCredential}},
		{"service claim", "I can diagnose this for you.", []string{RuleServiceClaim}},
		{"price conflict", "The first visit costs $25 or maybe $40.", []string{RulePriceConflict}},
		{"provider conflict", "Dr. Smith is your counselor. Dr. Jones will see you Monday.", []string{RuleProviderConflict}},
		{"first hit only", "As a licensed therapist, you should stop taking your meds.", []string{RuleMedicalDirective}},
		{"medical tied to own service", "Our intake assessment can look at whether you should increase your dose with a prescriber.", nil},
		{"clean", "That sounds like a tough week.", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Classify(tt.reply, "Should I change anything?", nil, nil)
			if tt.want == nil {
				assert.Empty(t, a.Signals)
				assert.True(t, a.Clean)
				return
			}
			assert.Equal(t, tt.want, rules(a))
			assert.Equal(t, domain.CategoryHallucinationDomain, a.Signals[0].Category)
		})
	}
}

func TestFactualConflicts(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	tests := []struct {
		name     string
		reply    string
		rule     string
		evidence string
	}{
		{"price split across sentences", "A session costs $50. Actually, it costs $80.", RulePriceConflict, "$50 vs $80"},
		{"unlabelled prices", "It is $50, or $80.", RulePriceConflict, "$50 vs $80"},
		{"prices of different services", "Intake is $50 and group therapy is $30.", "", ""},
		{"service named after price", "Intake is $50, or $30 for group therapy.", "", ""},
		{"same price written twice", "A visit is $50. Each visit costs $50.00.", "", ""},
		{"provider written two ways", "You can see Dr. Smith on Monday. Dr Smith is great.", "", ""},
		{"two providers", "Dr. Smith is your counselor. Dr Jones will call.", RuleProviderConflict, "Dr. Smith vs Dr Jones"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Classify(tt.reply, "How much does it cost?", nil, nil)
			if tt.rule == "" {
				assert.Empty(t, a.Signals)
				return
			}
			require.Len(t, a.Signals, 1)
			assert.Equal(t, tt.rule, a.Signals[0].Rule)
			assert.Equal(t, tt.evidence, a.Signals[0].Evidence)
		})
	}
}

func TestCleanIsNeverCertain(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	a := c.Classify("Thanks for telling me.", "Hi there", nil, nil)
	require.True(t, a.Clean)
	assert.Greater(t, a.CleanConfidence, 0.0)
	assert.Less(t, a.CleanConfidence, 1.0)
}

func TestAllowListSkipsStricterChecks(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	a := c.Classify(
		"We offer a sliding scale. As a licensed therapist on staff, Dr. Lee runs the intake assessment.",
		"Do you offer a sliding scale?",
		nil, nil,
	)
	assert.True(t, a.AllowListed)
	assert.True(t, a.Clean)
}

func TestCrisisRequiresResources(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	a := c.Classify("That sounds really hard.", "I want to kill myself", nil, nil)
	assert.True(t, a.CrisisInput)
	assert.Equal(t, []string{RuleCrisisNoResources}, rules(a))
	assert.Equal(t, domain.CategoryCrisis, a.Signals[0].Category)

	a = c.Classify("I'm so sorry. Please call or text 988 right now.", "I want to kill myself", nil, nil)
	assert.True(t, a.CrisisInput)
	assert.Empty(t, a.Signals)
}

func TestCrisisSurvivesAllowList(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	a := c.Classify("Telehealth is available on weekdays.", "I want to end my life. Is telehealth available?", nil, nil)
	assert.True(t, a.AllowListed)
	assert.Equal(t, []string{RuleCrisisNoResources}, rules(a))
}

func TestUnsupportedMemoryReference(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	reply := "As we discussed previously, your anxiety has improved."
	a := c.Classify(reply, "How am I doing?", nil, nil)
	require.Equal(t, []string{RuleUnsupportedMemory}, rules(a))
	assert.Equal(t, domain.CategoryMemoryContinuity, a.Signals[0].Category)

	assert.Equal(t, "If I understand correctly, your anxiety has improved.", c.Hedge(reply, nil, nil))
}

func TestSupportedMemoryReference(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	reply := "As we discussed previously, your anxiety has improved."
	history := []domain.Utterance{
		{Role: domain.RoleUser, Text: "My anxiety has improved since I started walking."},
		{Role: domain.RoleAgent, Text: "That's great to hear."},
	}
	a := c.Classify(reply, "How am I doing?", history, nil)
	assert.Empty(t, a.Signals)
	assert.Equal(t, reply, c.Hedge(reply, history, nil))

	a = c.Classify(reply, "How am I doing?", nil, []string{"anxiety improved after walking"})
	assert.Empty(t, a.Signals)
}

func TestHedgeMidSentence(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)

	got := c.Hedge("That makes sense. And last time we talked, you seemed calmer.", nil, nil)
	assert.Equal(t, "That makes sense. And if I understand correctly, you seemed calmer.", got)
}

func TestInjectCrisisResources(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)
	lib := lexicon.MustDefault()

	got := c.InjectCrisisResources("I'm here with you.")
	assert.True(t, lib.HasCrisisResource(got))
	assert.Equal(t, got, c.InjectCrisisResources(got))
}
