// Package correction executes the verifier's recommended action on a
// candidate reply.
package correction

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/emotion"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/repetition"
	"github.com/CVMHW/roger/internal/risk"
	"github.com/CVMHW/roger/internal/shared"
	"github.com/CVMHW/roger/internal/verifier"
)

// Fallback reasons.
const (
	ReasonPrevent             = "prevent"
	ReasonRollbackExhausted   = "rollback_exhausted"
	ReasonVerificationFailure = "verification_failure"
	ReasonCrisisPostcondition = "crisis_postcondition"
	ReasonFinalGuard          = "final_guard"
)

// RepetitionFixer repairs repeated content.
type RepetitionFixer interface {
	Correct(text string, history []domain.Utterance) string
}

// EmotionFixer repairs emotion misidentification.
type EmotionFixer interface {
	Correct(reply, input string) string
}

// RiskFixer repairs memory claims and missing crisis resources.
type RiskFixer interface {
	Hedge(reply string, history []domain.Utterance, memory []string) string
	InjectCrisisResources(reply string) string
}

// Reverifier scores a repaired candidate.
type Reverifier interface {
	Verify(in verifier.Input) verifier.Report
}

var (
	_ RepetitionFixer = (*repetition.Detector)(nil)
	_ EmotionFixer    = (*emotion.Checker)(nil)
	_ RiskFixer       = (*risk.Classifier)(nil)
	_ Reverifier      = (*verifier.Verifier)(nil)
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep is the production Sleeper. The goroutine parks on a timer and
// the timer is always released.
func TimerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config tunes the controller.
type Config struct {
	// RollbackThreshold is the confidence a repaired reply needs to be kept.
	RollbackThreshold float64 `validate:"gt=0,lt=1"`
	// SimplifyKeep is how many leading sentences simplify keeps.
	SimplifyKeep int `validate:"min=1,max=2"`
	// SimplifyMaxSentences is the length at or below which simplify only
	// appends the clarifying question.
	SimplifyMaxSentences int `validate:"min=1"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{RollbackThreshold: 0.55, SimplifyKeep: 2, SimplifyMaxSentences: 3}
}

// Controller carries out proceed, delay, simplify, rollback and prevent.
type Controller struct {
	lib      *lexicon.Library
	rep      RepetitionFixer
	emo      EmotionFixer
	risk     RiskFixer
	verifier Reverifier
	sleep    Sleeper
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleeper replaces the delay implementation.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New wires a controller.
func New(lib *lexicon.Library, cfg Config, rep RepetitionFixer, emo EmotionFixer, rf RiskFixer, v Reverifier, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.SimplifyKeep <= 0 {
		cfg.SimplifyKeep = def.SimplifyKeep
	}
	if cfg.SimplifyMaxSentences <= 0 {
		cfg.SimplifyMaxSentences = def.SimplifyMaxSentences
	}
	c := &Controller{
		lib:      lib,
		rep:      rep,
		emo:      emo,
		risk:     rf,
		verifier: v,
		sleep:    TimerSleep,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one action to carry out.
type Request struct {
	Candidate *domain.CandidateResponse
	Input     verifier.Input
	Report    verifier.Report
}

// Outcome reports what the controller did.
type Outcome struct {
	Action        domain.Action
	Reverified    *domain.VerificationResult
	FallbackIndex int
	Delay         time.Duration
}

// Execute applies req.Report's action to req.Candidate in place.
func (c *Controller) Execute(ctx context.Context, req Request) Outcome {
	res := req.Report.Result
	out := Outcome{Action: res.Action, FallbackIndex: -1}
	cand := req.Candidate

	switch res.Action {
	case domain.ActionProceed:
	case domain.ActionDelay:
		out.Delay = c.wait(ctx, res.ResponseDelay)
	case domain.ActionSimplify:
		cand.Apply("simplify", "low confidence", c.Simplify(cand.Text))
	case domain.ActionRollback:
		out.Delay = c.wait(ctx, res.ResponseDelay)
		c.repair(cand, req)
		re := c.verifier.Verify(verifier.Input{
			Candidate: cand.Text,
			UserInput: req.Input.UserInput,
			History:   req.Input.History,
			Memory:    req.Input.Memory,
		})
		out.Reverified = &re.Result
		if re.Result.ConfidenceScore >= c.cfg.RollbackThreshold {
			break
		}
		c.logger.Info("rollback repair insufficient, preventing",
			"confidence", re.Result.ConfidenceScore,
			"threshold", c.cfg.RollbackThreshold,
		)
		out.Action = domain.ActionPrevent
		out.FallbackIndex = c.substitute(cand, req, ReasonRollbackExhausted)
	case domain.ActionPrevent:
		out.FallbackIndex = c.substitute(cand, req, ReasonPrevent)
	default:
		c.logger.Warn("unknown action, preventing", "action", res.Action)
		out.Action = domain.ActionPrevent
		out.FallbackIndex = c.substitute(cand, req, ReasonPrevent)
	}
	actionsTotal.WithLabelValues(string(out.Action)).Inc()
	return out
}

// repair re-applies the repetition and emotion fixes once, plus the memory
// hedge and crisis resources when those signals fired.
func (c *Controller) repair(cand *domain.CandidateResponse, req Request) {
	in := req.Input
	cand.Apply("rollback", "repetition", c.rep.Correct(cand.Text, in.History))
	cand.Apply("rollback", "emotion", c.emo.Correct(cand.Text, in.UserInput))
	if req.Report.Result.Has(domain.CategoryMemoryContinuity) {
		cand.Apply("rollback", "memory_hedge", c.risk.Hedge(cand.Text, in.History, in.Memory))
	}
	if req.Report.Result.Has(domain.CategoryCrisis) {
		cand.Apply("rollback", "crisis_resources", c.risk.InjectCrisisResources(cand.Text))
	}
}

// Substitute replaces the candidate with a hashed fallback and returns the
// catalog index used.
func (c *Controller) Substitute(cand *domain.CandidateResponse, userInput string, crisis bool, reason string) int {
	text, idx := c.Fallback(userInput, crisis)
	cand.Apply("prevent", reason, text)
	fallbacksTotal.WithLabelValues(reason).Inc()
	return idx
}

// SubstituteFirst replaces the candidate with the lowest-indexed fallback.
func (c *Controller) SubstituteFirst(cand *domain.CandidateResponse, crisis bool, reason string) int {
	cand.Apply("prevent", reason, c.catalog(crisis)[0])
	fallbacksTotal.WithLabelValues(reason).Inc()
	return 0
}

func (c *Controller) substitute(cand *domain.CandidateResponse, req Request, reason string) int {
	crisis := req.Report.Risk.CrisisInput || c.lib.IsCrisis(req.Input.UserInput)
	return c.Substitute(cand, req.Input.UserInput, crisis, reason)
}

// Fallback picks a catalog entry by hash(userInput) mod catalog size. The
// crisis catalog is used when crisis is set; every entry there carries
// crisis resources.
func (c *Controller) Fallback(userInput string, crisis bool) (string, int) {
	catalog := c.catalog(crisis)
	idx := int(xxhash.Sum64String(userInput) % uint64(len(catalog)))
	return catalog[idx], idx
}

func (c *Controller) catalog(crisis bool) []string {
	if crisis {
		return c.lib.CrisisFallbacks
	}
	return c.lib.Fallbacks
}

// Simplify keeps the first sentences and appends the clarifying question.
// Short replies keep every sentence.
func (c *Controller) Simplify(text string) string {
	q := c.lib.ClarifyingQuestion
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, q) {
		return trimmed
	}
	sentences := shared.SplitSentences(trimmed)
	if len(sentences) > c.cfg.SimplifyMaxSentences {
		sentences = sentences[:c.cfg.SimplifyKeep]
	}
	for i, s := range sentences {
		sentences[i] = shared.EnsureTerminal(s)
	}
	if len(sentences) == 0 {
		return q
	}
	return shared.JoinSentences(sentences) + " " + q
}

func (c *Controller) wait(ctx context.Context, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	start := time.Now()
	if err := c.sleep(ctx, d); err != nil {
		c.logger.Debug("response delay interrupted", "error", err)
	}
	delaySeconds.Observe(d.Seconds())
	return time.Since(start)
}
