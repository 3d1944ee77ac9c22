// Package verifier turns detector findings into a confidence score and a
// recommended action.
//
// Scoring is deterministic: the same candidate, input and history always
// produce the same result. Confidence starts at a ceiling below 1 and each
// signal can only lower it.
package verifier

import (
	"math"
	"time"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/emotion"
	"github.com/CVMHW/roger/internal/repetition"
	"github.com/CVMHW/roger/internal/risk"
)

// RepetitionDetector scores repeated content.
type RepetitionDetector interface {
	Detect(text string, history []domain.Utterance) repetition.Result
}

// EmotionChecker checks a reply against the user's emotion.
type EmotionChecker interface {
	Check(reply, input string) emotion.Result
}

// RiskClassifier flags domain overreach and crisis failures.
type RiskClassifier interface {
	Classify(reply, input string, history []domain.Utterance, memory []string) risk.Assessment
}

var (
	_ RepetitionDetector = (*repetition.Detector)(nil)
	_ EmotionChecker     = (*emotion.Checker)(nil)
	_ RiskClassifier     = (*risk.Classifier)(nil)
)

// Input is everything a verification pass looks at.
type Input struct {
	Candidate string
	UserInput string
	History   []domain.Utterance
	Memory    []string
}

// Report is a verification result together with the detector outputs it
// was computed from.
type Report struct {
	Result     domain.VerificationResult
	Repetition repetition.Result
	Emotion    emotion.Result
	Risk       risk.Assessment
}

// Verifier scores candidate replies. It holds no per-turn state.
type Verifier struct {
	cfg        Config
	repetition RepetitionDetector
	emotion    EmotionChecker
	risk       RiskClassifier
}

// New wires a verifier. cfg must already be valid.
func New(cfg Config, rep RepetitionDetector, emo EmotionChecker, rc RiskClassifier) *Verifier {
	return &Verifier{cfg: cfg, repetition: rep, emotion: emo, risk: rc}
}

// Config returns the verifier's configuration.
func (v *Verifier) Config() Config { return v.cfg }

// Verify runs every detector over in and scores the findings.
func (v *Verifier) Verify(in Input) Report {
	rep := Report{
		Repetition: v.repetition.Detect(in.Candidate, in.History),
		Emotion:    v.emotion.Check(in.Candidate, in.UserInput),
		Risk:       v.risk.Classify(in.Candidate, in.UserInput, in.History, in.Memory),
	}
	rep.Result = v.Score(signals(rep))
	record(rep.Result)
	return rep
}

// signals flattens detector outputs into category order.
func signals(rep Report) []domain.RiskSignal {
	var out []domain.RiskSignal
	if rep.Repetition.HasRepetition {
		ev := ""
		if len(rep.Repetition.Findings) > 0 {
			ev = string(rep.Repetition.Findings[0].Kind)
		}
		out = append(out, domain.RiskSignal{
			Category: domain.CategoryRepetition,
			RawScore: rep.Repetition.Score,
			Evidence: ev,
			Rule:     "repetition",
		})
	}
	for _, s := range rep.Risk.Signals {
		if s.Category == domain.CategoryMemoryContinuity {
			out = append(out, s)
		}
	}
	for _, s := range rep.Risk.Signals {
		if s.Category == domain.CategoryHallucinationDomain {
			out = append(out, s)
		}
	}
	if rep.Emotion.Misidentified {
		out = append(out, domain.RiskSignal{
			Category: domain.CategoryEmotionMismatch,
			RawScore: rep.Emotion.Severity,
			Evidence: string(rep.Emotion.Reason),
			Rule:     "emotion_" + string(rep.Emotion.Reason),
		})
	}
	for _, s := range rep.Risk.Signals {
		if s.Category == domain.CategoryCrisis {
			out = append(out, s)
		}
	}
	return out
}

// Score applies the penalty model to signals and decides the action.
func (v *Verifier) Score(signals []domain.RiskSignal) domain.VerificationResult {
	res := domain.VerificationResult{ConfidenceScore: v.cfg.Ceiling}
	repScore := 0.0
	hard := false

	for _, s := range signals {
		raw := clamp01(s.RawScore)
		p := v.Penalty(s.Category, raw)
		res.ConfidenceScore = math.Max(0, res.ConfidenceScore-p)
		res.Issues = append(res.Issues, domain.Issue{RiskSignal: s, Penalty: p})

		switch s.Category {
		case domain.CategoryRepetition:
			repScore = math.Max(repScore, raw)
		case domain.CategoryCrisis:
			hard = true
		case domain.CategoryHallucinationDomain:
			if raw >= v.cfg.HardRuleMinScore {
				hard = true
			}
		}
	}

	res.RollbackProb = v.RollbackProbability(repScore)
	res.Action = v.decide(res.ConfidenceScore, res.RollbackProb, hard)
	if res.Action == domain.ActionDelay || res.Action == domain.ActionRollback {
		res.ResponseDelay = v.Delay(res.ConfidenceScore)
	}
	return res
}

// Penalty is multiplier * log10(raw*K + 1) for the category's weight.
func (v *Verifier) Penalty(c domain.RiskCategory, raw float64) float64 {
	w := v.cfg.Weights.For(c)
	return w.Multiplier * math.Log10(clamp01(raw)*w.K+1)
}

// RollbackProbability is the logistic of the repetition score around the
// configured midpoint.
func (v *Verifier) RollbackProbability(repetition float64) float64 {
	return 1 / (1 + math.Exp(-v.cfg.RollbackSteepness*(repetition-v.cfg.RollbackMidpoint)))
}

// Delay is base + log10(1 + (1-confidence)*K) * scale.
func (v *Verifier) Delay(confidence float64) time.Duration {
	f := math.Log10(1 + (1-clamp01(confidence))*v.cfg.DelayK)
	return v.cfg.DelayBase + time.Duration(f*float64(v.cfg.DelayScale))
}

func (v *Verifier) decide(conf, rollbackProb float64, hard bool) domain.Action {
	switch {
	case hard && conf < v.cfg.PreventThreshold:
		return domain.ActionPrevent
	case hard:
		return domain.ActionRollback
	case conf < v.cfg.PreventThreshold:
		return domain.ActionPrevent
	case rollbackProb >= v.cfg.RollbackCutoff:
		return domain.ActionRollback
	case conf < v.cfg.RollbackThreshold && rollbackProb >= 0.5:
		return domain.ActionRollback
	case conf < v.cfg.RollbackThreshold:
		return domain.ActionSimplify
	case conf < v.cfg.DelayThreshold:
		return domain.ActionDelay
	default:
		return domain.ActionProceed
	}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Min(1, math.Max(0, x))
}
