package verifier

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/emotion"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/repetition"
	"github.com/CVMHW/roger/internal/risk"
	"github.com/CVMHW/roger/internal/similarity"
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	lib := lexicon.MustDefault()
	sim := similarity.New(lib)
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	return New(cfg,
		repetition.NewDetector(lib, sim, repetition.DefaultConfig()),
		emotion.NewChecker(lib),
		risk.NewClassifier(lib, sim, risk.DefaultConfig()),
	)
}

func sig(c domain.RiskCategory, raw float64) domain.RiskSignal {
	return domain.RiskSignal{Category: c, RawScore: raw}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ceiling of one", func(c *Config) { c.Ceiling = 1 }},
		{"threshold order", func(c *Config) { c.RollbackThreshold = 0.2 }},
		{"delay above ceiling", func(c *Config) { c.DelayThreshold = 0.97 }},
		{"crisis not largest", func(c *Config) { c.Weights.Crisis.Multiplier = 0.5 }},
		{"zero k", func(c *Config) { c.Weights.Repetition.K = 0 }},
		{"cutoff at half", func(c *Config) { c.RollbackCutoff = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestScoreBands(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	tests := []struct {
		name    string
		signals []domain.RiskSignal
		want    domain.Action
	}{
		{"no signals", nil, domain.ActionProceed},
		{"mild emotion mismatch", []domain.RiskSignal{sig(domain.CategoryEmotionMismatch, 0.5)}, domain.ActionProceed},
		{"unsupported memory", []domain.RiskSignal{sig(domain.CategoryMemoryContinuity, 0.8)}, domain.ActionDelay},
		{"exact duplicate", []domain.RiskSignal{sig(domain.CategoryRepetition, 1)}, domain.ActionRollback},
		{"factual conflict", []domain.RiskSignal{sig(domain.CategoryHallucinationDomain, 0.7)}, domain.ActionSimplify},
		{"medical directive hard rule", []domain.RiskSignal{sig(domain.CategoryHallucinationDomain, 0.9)}, domain.ActionRollback},
		{"crisis", []domain.RiskSignal{sig(domain.CategoryCrisis, 1)}, domain.ActionPrevent},
		{"stacked penalties", []domain.RiskSignal{
			sig(domain.CategoryMemoryContinuity, 0.8),
			sig(domain.CategoryMemoryContinuity, 0.8),
			sig(domain.CategoryHallucinationDomain, 0.7),
		}, domain.ActionPrevent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Score(tt.signals)
			assert.Equal(t, tt.want, res.Action, "confidence %.3f", res.ConfidenceScore)
		})
	}
}

func TestModerateConfidenceAloneDoesNotRollback(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	res := v.Score([]domain.RiskSignal{
		sig(domain.CategoryEmotionMismatch, 0.9),
		sig(domain.CategoryMemoryContinuity, 0.8),
		sig(domain.CategoryRepetition, 0.3),
	})
	assert.Less(t, res.ConfidenceScore, DefaultConfig().DelayThreshold)
	assert.Less(t, res.RollbackProb, 0.5)
	assert.NotEqual(t, domain.ActionRollback, res.Action)
}

func TestConfidenceIsMonotonic(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	all := []domain.RiskSignal{
		sig(domain.CategoryEmotionMismatch, 0.5),
		sig(domain.CategoryRepetition, 0.2),
		sig(domain.CategoryMemoryContinuity, 0.8),
		sig(domain.CategoryHallucinationDomain, 0.0),
		sig(domain.CategoryRepetition, 0.9),
		sig(domain.CategoryCrisis, 1),
	}
	prev := v.Score(nil).ConfidenceScore
	assert.Less(t, prev, 1.0)
	for i := 1; i <= len(all); i++ {
		cur := v.Score(all[:i]).ConfidenceScore
		assert.LessOrEqual(t, cur, prev, "after %d signals", i)
		assert.GreaterOrEqual(t, cur, 0.0)
		prev = cur
	}
}

func TestCrisisPenaltyIsLargest(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	crisis := v.Penalty(domain.CategoryCrisis, 1)
	for _, c := range domain.Categories {
		if c == domain.CategoryCrisis {
			continue
		}
		assert.Greater(t, crisis, v.Penalty(c, 1), string(c))
	}
}

func TestDelayFormula(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)
	cfg := DefaultConfig()

	conf := 0.7
	want := cfg.DelayBase + time.Duration(math.Log10(1+(1-conf)*cfg.DelayK)*float64(cfg.DelayScale))
	assert.Equal(t, want, v.Delay(conf))
	assert.Greater(t, v.Delay(0.2), v.Delay(0.9))

	res := v.Score([]domain.RiskSignal{sig(domain.CategoryMemoryContinuity, 0.8)})
	require.Equal(t, domain.ActionDelay, res.Action)
	assert.Equal(t, v.Delay(res.ConfidenceScore), res.ResponseDelay)

	assert.Zero(t, v.Score(nil).ResponseDelay)
}

func TestVerifyIsDeterministic(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	in := Input{
		Candidate: "As we discussed previously, you're feeling fine. Would you like to tell me more? Would you like to tell me more?",
		UserInput: "I've been feeling really depressed lately.",
		History: []domain.Utterance{
			{Role: domain.RoleUser, Text: "Hi", Seq: 0},
			{Role: domain.RoleAgent, Text: "Hello, how are you today?", Seq: 1},
		},
	}
	first := v.Verify(in)
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, v.Verify(in)); diff != "" {
			t.Fatalf("verify not deterministic (-first +again):\n%s", diff)
		}
	}
	assert.True(t, first.Result.Has(domain.CategoryEmotionMismatch))
	assert.True(t, first.Result.Has(domain.CategoryRepetition))
	assert.True(t, first.Result.Has(domain.CategoryMemoryContinuity))
}

func TestVerifyCrisisWithoutResources(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	rep := v.Verify(Input{
		Candidate: "That sounds difficult. What else is going on?",
		UserInput: "I want to kill myself",
	})
	assert.True(t, rep.Result.Has(domain.CategoryCrisis))
	assert.Contains(t, []domain.Action{domain.ActionRollback, domain.ActionPrevent}, rep.Result.Action)
	assert.True(t, rep.Risk.CrisisInput)
}
