// Package pipeline runs one conversational turn through verification and
// correction.
//
// A turn is a strictly sequential chain: input validation, enhancement
// stages, verification, targeted corrections, the controller's action, the
// crisis post-condition and a final guard. Every stage fails open. Only the
// final guard replaces the reply when nothing valid survives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/CVMHW/roger/internal/correction"
	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/emotion"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/repetition"
	"github.com/CVMHW/roger/internal/risk"
	"github.com/CVMHW/roger/internal/similarity"
	"github.com/CVMHW/roger/internal/verifier"
)

// Failure kinds recorded in Diagnostics.Failures.
const (
	FailureStage        = "stage_failure"
	FailureVerification = "verification_failure"
	FailureCrisis       = "crisis_detection_failure"
)

var (
	// ErrEmptyCandidate is reported when the generator produced no text.
	ErrEmptyCandidate = errors.New("empty candidate")
	// ErrInvalidEncoding is reported for text that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid utf-8")
)

// Turn is the working state handed to enhancement stages.
type Turn struct {
	Candidate *domain.CandidateResponse
	UserInput string
	History   []domain.Utterance
	Memory    []string
	Stage     domain.Stage
}

// Stage is an external enhancement step run before verification. A stage
// edits t.Candidate through Apply; an error or panic discards its edit.
type Stage interface {
	Name() string
	Apply(ctx context.Context, t *Turn) error
}

// Verifier scores a candidate.
type Verifier interface {
	Verify(in verifier.Input) verifier.Report
}

// RepetitionFixer collapses repeated content in place.
type RepetitionFixer interface {
	Fix(text string) string
}

// EmotionFixer corrects emotion misidentification.
type EmotionFixer interface {
	Correct(reply, input string) string
}

// RiskFixer hedges unsupported memory claims and injects crisis resources.
type RiskFixer interface {
	Hedge(reply string, history []domain.Utterance, memory []string) string
	InjectCrisisResources(reply string) string
}

var (
	_ Verifier        = (*verifier.Verifier)(nil)
	_ RepetitionFixer = (*repetition.Detector)(nil)
	_ EmotionFixer    = (*emotion.Checker)(nil)
	_ RiskFixer       = (*risk.Classifier)(nil)
)

// Components are the engines a pipeline is assembled from.
type Components struct {
	Lexicon    *lexicon.Library
	Verifier   Verifier
	Controller *correction.Controller
	Repetition RepetitionFixer
	Emotion    EmotionFixer
	Risk       RiskFixer
}

// Config holds the tunables of every engine.
type Config struct {
	Verifier   verifier.Config
	Repetition repetition.Config
	Risk       risk.Config
	Correction correction.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Verifier:   verifier.DefaultConfig(),
		Repetition: repetition.DefaultConfig(),
		Risk:       risk.DefaultConfig(),
		Correction: correction.DefaultConfig(),
	}
}

// Pipeline processes turns. It holds no per-turn state and is safe for
// concurrent use across sessions.
type Pipeline struct {
	c      Components
	stages []Stage
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStages appends enhancement stages, run in order.
func WithStages(stages ...Stage) Option {
	return func(p *Pipeline) { p.stages = append(p.stages, stages...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New assembles a pipeline from already-built components.
func New(c Components, opts ...Option) *Pipeline {
	p := &Pipeline{c: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build wires every engine from lib and cfg. The controller's rollback
// threshold always follows the verifier's.
func Build(lib *lexicon.Library, cfg Config, logger *slog.Logger, ctrlOpts []correction.Option, opts ...Option) (*Pipeline, error) {
	if err := cfg.Verifier.Validate(); err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	sim := similarity.New(lib)
	rep := repetition.NewDetector(lib, sim, cfg.Repetition)
	emo := emotion.NewChecker(lib)
	rc := risk.NewClassifier(lib, sim, cfg.Risk)
	ver := verifier.New(cfg.Verifier, rep, emo, rc)

	cfg.Correction.RollbackThreshold = cfg.Verifier.RollbackThreshold
	ctrlOpts = append([]correction.Option{correction.WithLogger(logger)}, ctrlOpts...)
	ctrl := correction.New(lib, cfg.Correction, rep, emo, rc, ver, ctrlOpts...)

	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(Components{
		Lexicon:    lib,
		Verifier:   ver,
		Controller: ctrl,
		Repetition: rep,
		Emotion:    emo,
		Risk:       rc,
	}, opts...), nil
}

// Input is one turn's request.
type Input struct {
	Candidate string
	UserInput string
	History   []domain.Utterance
	Memory    []string
	Stage     domain.Stage
}

// ProcessTurn runs one turn without memory snippets or cancellation.
func (p *Pipeline) ProcessTurn(candidateText, userInput string, history []domain.Utterance) (string, domain.Diagnostics) {
	return p.Run(context.Background(), Input{Candidate: candidateText, UserInput: userInput, History: history})
}

// Run processes one turn and returns the final text with diagnostics. It
// never fails: every failure path resolves to a non-empty reply.
func (p *Pipeline) Run(ctx context.Context, in Input) (string, domain.Diagnostics) {
	diag := domain.Diagnostics{FallbackIndex: -1, Stage: in.Stage}
	crisis := p.detectCrisis(in.UserInput, &diag)
	diag.CrisisInput = crisis

	if err := validate(in); err != nil {
		p.logger.Error("verification failed, preventing", "error", err, "crisis_input", crisis)
		diag.Failures = append(diag.Failures, FailureVerification+": "+err.Error())
		cand := domain.NewCandidate(in.Candidate)
		diag.FallbackIndex = p.c.Controller.SubstituteFirst(cand, crisis, correction.ReasonVerificationFailure)
		diag.Action, diag.FinalAction = domain.ActionPrevent, domain.ActionPrevent
		diag.Corrections = cand.Corrections
		turnsTotal.WithLabelValues(string(diag.FinalAction)).Inc()
		return cand.Text, diag
	}

	cand := domain.NewCandidate(in.Candidate)
	turn := &Turn{Candidate: cand, UserInput: in.UserInput, History: in.History, Memory: in.Memory, Stage: in.Stage}
	for _, st := range p.stages {
		p.runStage(ctx, st, turn, &diag)
	}

	vin := verifier.Input{Candidate: cand.Text, UserInput: in.UserInput, History: in.History, Memory: in.Memory}
	report, err := p.verify(vin)
	if err != nil {
		p.logger.Error("verification failed, preventing", "error", err, "crisis_input", crisis)
		diag.Failures = append(diag.Failures, FailureVerification+": "+err.Error())
		diag.FallbackIndex = p.c.Controller.SubstituteFirst(cand, crisis, correction.ReasonVerificationFailure)
		diag.Action, diag.FinalAction = domain.ActionPrevent, domain.ActionPrevent
		diag.Corrections = cand.Corrections
		turnsTotal.WithLabelValues(string(diag.FinalAction)).Inc()
		return cand.Text, diag
	}
	res := report.Result
	diag.Confidence = res.ConfidenceScore
	diag.Action = res.Action
	diag.Issues = res.Issues

	p.correct(cand, in, report, &diag)

	diag.FinalAction = res.Action
	p.guard(&diag, "controller", func() error {
		out := p.c.Controller.Execute(ctx, correction.Request{
			Candidate: cand,
			Input:     verifier.Input{Candidate: cand.Text, UserInput: in.UserInput, History: in.History, Memory: in.Memory},
			Report:    report,
		})
		diag.FinalAction = out.Action
		diag.FallbackIndex = out.FallbackIndex
		diag.Delay = out.Delay
		return nil
	})

	p.enforceCrisis(cand, in.UserInput, crisis, &diag)
	p.finalGuard(cand, in.UserInput, crisis, &diag)

	diag.Corrections = cand.Corrections
	turnsTotal.WithLabelValues(string(diag.FinalAction)).Inc()
	p.logger.Info("turn verified",
		"action", diag.Action,
		"final_action", diag.FinalAction,
		"confidence", diag.Confidence,
		"categories", diag.Categories(),
		"corrections", len(diag.Corrections),
		"candidate_len", len(in.Candidate),
		"final_len", len(cand.Text),
	)
	return cand.Text, diag
}

// correct applies the targeted fixes for the signals that fired: repetition
// collapse, then emotion, then the memory hedge.
func (p *Pipeline) correct(cand *domain.CandidateResponse, in Input, report verifier.Report, diag *domain.Diagnostics) {
	if report.Repetition.HasRepetition {
		p.fix(cand, diag, "repetition", "collapse", func(text string) string {
			return p.c.Repetition.Fix(text)
		})
	}
	if report.Emotion.Misidentified {
		p.fix(cand, diag, "emotion", string(report.Emotion.Reason), func(text string) string {
			return p.c.Emotion.Correct(text, in.UserInput)
		})
	}
	if report.Result.Has(domain.CategoryMemoryContinuity) {
		p.fix(cand, diag, "memory", "hedge", func(text string) string {
			return p.c.Risk.Hedge(text, in.History, in.Memory)
		})
	}
}

// fix runs one text transformation at a stage boundary. Empty or invalid
// output is discarded.
func (p *Pipeline) fix(cand *domain.CandidateResponse, diag *domain.Diagnostics, stage, reason string, fn func(string) string) {
	p.guard(diag, stage, func() error {
		out := fn(cand.Text)
		if err := checkText(out); err != nil {
			return err
		}
		cand.Apply(stage, reason, out)
		return nil
	})
}

func (p *Pipeline) runStage(ctx context.Context, st Stage, turn *Turn, diag *domain.Diagnostics) {
	before := *turn.Candidate
	before.Corrections = append([]domain.Correction(nil), turn.Candidate.Corrections...)
	ok := p.guard(diag, st.Name(), func() error {
		if err := st.Apply(ctx, turn); err != nil {
			return err
		}
		return checkText(turn.Candidate.Text)
	})
	if !ok {
		*turn.Candidate = before
	}
}

// guard runs fn, converting an error or panic into a recorded stage
// failure. It reports whether fn succeeded.
func (p *Pipeline) guard(diag *domain.Diagnostics, stage string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.stageFailed(diag, stage, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	if err := fn(); err != nil {
		p.stageFailed(diag, stage, err)
		return false
	}
	return true
}

func (p *Pipeline) stageFailed(diag *domain.Diagnostics, stage string, err error) {
	p.logger.Warn("pipeline stage failed open", "stage", stage, "error", err)
	stageFailuresTotal.WithLabelValues(stage).Inc()
	diag.Failures = append(diag.Failures, fmt.Sprintf("%s: %s: %v", FailureStage, stage, err))
}

func (p *Pipeline) verify(in verifier.Input) (rep verifier.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verifier panic: %v", r)
		}
	}()
	return p.c.Verifier.Verify(in), nil
}

// detectCrisis never downgrades: if the check itself fails, the input is
// treated as a crisis.
func (p *Pipeline) detectCrisis(input string, diag *domain.Diagnostics) (crisis bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("crisis detection failed, assuming crisis", "error", r)
			diag.Failures = append(diag.Failures, fmt.Sprintf("%s: %v", FailureCrisis, r))
			crisis = true
		}
	}()
	return p.c.Lexicon.IsCrisis(input)
}

// enforceCrisis guarantees a crisis-resource reference for crisis input,
// regardless of what earlier stages did.
func (p *Pipeline) enforceCrisis(cand *domain.CandidateResponse, input string, crisis bool, diag *domain.Diagnostics) {
	if !crisis || p.c.Lexicon.HasCrisisResource(cand.Text) {
		return
	}
	p.fix(cand, diag, "crisis", "resources", p.c.Risk.InjectCrisisResources)
	if p.c.Lexicon.HasCrisisResource(cand.Text) {
		if diag.FinalAction == domain.ActionProceed || diag.FinalAction == domain.ActionDelay || diag.FinalAction == domain.ActionSimplify {
			diag.FinalAction = domain.ActionRollback
		}
		return
	}
	p.logger.Error("crisis resources missing after injection, preventing")
	diag.FallbackIndex = p.c.Controller.Substitute(cand, input, true, correction.ReasonCrisisPostcondition)
	diag.FinalAction = domain.ActionPrevent
}

// finalGuard replaces a reply that is empty or malformed after every stage.
func (p *Pipeline) finalGuard(cand *domain.CandidateResponse, input string, crisis bool, diag *domain.Diagnostics) {
	if checkText(cand.Text) == nil {
		return
	}
	p.logger.Error("no valid reply survived the turn, using fallback")
	diag.FallbackIndex = p.c.Controller.Substitute(cand, input, crisis, correction.ReasonFinalGuard)
	diag.FinalAction = domain.ActionPrevent
}

func validate(in Input) error {
	if err := checkText(in.Candidate); err != nil {
		return fmt.Errorf("candidate: %w", err)
	}
	if !utf8.ValidString(in.UserInput) {
		return fmt.Errorf("user input: %w", ErrInvalidEncoding)
	}
	return nil
}

func checkText(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrEmptyCandidate
	}
	if !utf8.ValidString(s) {
		return ErrInvalidEncoding
	}
	return nil
}
