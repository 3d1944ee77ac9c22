package repetition

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/similarity"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	lib := lexicon.MustDefault()
	return NewDetector(lib, similarity.New(lib), DefaultConfig())
}

func agent(texts ...string) []domain.Utterance {
	out := make([]domain.Utterance, 0, len(texts))
	for i, text := range texts {
		out = append(out, domain.Utterance{Role: domain.RoleAgent, Text: text, Seq: i})
	}
	return out
}

func kinds(res Result) []Kind {
	out := make([]Kind, 0, len(res.Findings))
	for _, f := range res.Findings {
		out = append(out, f.Kind)
	}
	return out
}

func TestDetectExactDuplicateSentence(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	text := "Based on what you're sharing, that sounds hard. Based on what you're sharing, that sounds hard."
	res := d.Detect(text, nil)

	require.True(t, res.HasRepetition)
	assert.Equal(t, 1.0, res.Score)
	assert.Contains(t, kinds(res), KindExactDuplicate)
	assert.Equal(t, "Based on what you're sharing, that sounds hard.", res.CorrectedText)
	assert.Equal(t, 1, strings.Count(res.CorrectedText, "that sounds hard"))
}

func TestDetectDeterminerInsensitiveDuplicate(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	res := d.Detect("I can hear the frustration. I can hear that frustration.", nil)
	require.True(t, res.HasRepetition)
	assert.Equal(t, "I can hear the frustration.", res.CorrectedText)
}

func TestDetectStutter(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	tests := []struct {
		in   string
		want string
	}{
		{"I I think that sounds hard.", "I think that sounds hard."},
		{"We we can can talk about it.", "We can talk about it."},
		{"You are not alone, not alone in this.", "You are not alone in this."},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := d.Detect(tt.in, nil)
			require.True(t, res.HasRepetition)
			assert.Contains(t, kinds(res), KindStutter)
			assert.Equal(t, tt.want, res.CorrectedText)
		})
	}
}

func TestStutterExemptWords(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	res := d.Detect("That has been really really hard for you.", nil)
	assert.False(t, res.HasRepetition)
	assert.Equal(t, 0.0, res.Score)
}

func TestDetectRepeatedFormulaicOpener(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	res := d.Detect("It sounds like you're tired. It sounds like work is a lot right now.", nil)
	require.True(t, res.HasRepetition)
	assert.Contains(t, kinds(res), KindFormulaicOpener)
	assert.InDelta(t, 0.6, res.Score, 1e-9)
	assert.Equal(t, "It sounds like you're tired. Work is a lot right now.", res.CorrectedText)
}

func TestDetectOpenerRepeatedFromPreviousReply(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	history := agent("It sounds like the move was stressful.")
	res := d.Detect("It sounds like your sister cares about you.", history)
	require.True(t, res.HasRepetition)
	assert.Equal(t, []Kind{KindFormulaicOpener}, kinds(res))
	assert.InDelta(t, openerBaseScore, res.Score, 1e-9)
}

func TestDetectNearDuplicateOfHistory(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	prev := "It sounds like work has been really stressful for you lately."
	res := d.Detect(prev, agent(prev))

	require.True(t, res.HasRepetition)
	assert.Contains(t, kinds(res), KindNearDuplicateHistory)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.NotEqual(t, prev, res.CorrectedText)
	assert.True(t, strings.HasPrefix(res.CorrectedText, lexicon.MustDefault().RepetitionPrefix))
}

func TestCorrectPrefersReorderingWhenItBreaksTheMatch(t *testing.T) {
	t.Parallel()
	lib := lexicon.MustDefault()
	d := NewDetector(lib, similarity.New(lib), Config{NearDuplicateThreshold: 0.95, NGramSize: 3})

	prev := "Your week sounds exhausting. Sleep might help you reset."
	got := d.Correct(prev, agent(prev))
	assert.Equal(t, "Sleep might help you reset. Your week sounds exhausting.", got)
}

func TestUserTurnsAreNotRepetitionHistory(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	text := "Tell me more about the move to Akron and how it went."
	history := []domain.Utterance{{Role: domain.RoleUser, Text: text}}
	res := d.Detect(text, history)
	assert.False(t, res.HasRepetition)
}

func TestCleanTextIsUntouched(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	text := "thanks for telling me about your weekend"
	res := d.Detect(text, agent("How was your week?"))
	assert.False(t, res.HasRepetition)
	assert.Equal(t, text, res.CorrectedText)
	assert.Equal(t, text, d.Fix(text))
}

func TestFixIsIdempotent(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	inputs := []string{
		"Based on what you're sharing, that sounds hard. Based on what you're sharing, that sounds hard.",
		"I I feel feel like like this is a lot. I feel like this is a lot.",
		"It sounds like you're tired. It sounds like work is a lot. It sounds like you're tired.",
		"Thank you for sharing, thank you for sharing. That took courage",
		"plain text without problems",
		"",
	}
	for _, in := range inputs {
		once := d.Fix(in)
		assert.Equal(t, once, d.Fix(once), "input %q", in)
	}
}

func TestCorrectIsIdempotent(t *testing.T) {
	t.Parallel()
	d := newDetector(t)

	prev := "It sounds like work has been really stressful for you lately."
	history := agent("Hello, I'm glad you reached out.", prev)
	for _, in := range []string{
		prev,
		prev + " " + prev,
		"Work has been really stressful for you lately. Have you had a break?",
	} {
		once := d.Correct(in, history)
		assert.Equal(t, once, d.Correct(once, history), "input %q", in)
	}
}

func TestNearDuplicateScoreBounds(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 1.0, nearDuplicateScore(1), 1e-12)
	assert.Greater(t, nearDuplicateScore(0.65), 0.7)
	assert.LessOrEqual(t, nearDuplicateScore(2), 1.0)
}
