package domain

import (
	"time"
)

// RiskCategory names a dimension the verifier scores.
type RiskCategory string

const (
	CategoryRepetition          RiskCategory = "repetition"
	CategoryMemoryContinuity    RiskCategory = "memory_continuity"
	CategoryHallucinationDomain RiskCategory = "hallucination_domain"
	CategoryEmotionMismatch     RiskCategory = "emotion_mismatch"
	CategoryCrisis              RiskCategory = "crisis"
)

// Categories lists every category in evaluation order.
var Categories = []RiskCategory{
	CategoryRepetition,
	CategoryMemoryContinuity,
	CategoryHallucinationDomain,
	CategoryEmotionMismatch,
	CategoryCrisis,
}

// RiskSignal is a single detector finding.
type RiskSignal struct {
	Category RiskCategory `json:"category"`
	RawScore float64      `json:"raw_score"`
	Evidence string       `json:"evidence"`
	Rule     string       `json:"rule"`
}

// Action is the controller decision for a candidate reply.
type Action string

const (
	ActionProceed  Action = "proceed"
	ActionDelay    Action = "delay"
	ActionSimplify Action = "simplify"
	ActionRollback Action = "rollback"
	ActionPrevent  Action = "prevent"
)

// Issue is a scored signal as reported by the verifier.
type Issue struct {
	RiskSignal
	Penalty float64 `json:"penalty"`
}

// VerificationResult is produced fresh on every turn.
type VerificationResult struct {
	ConfidenceScore float64       `json:"confidence_score"`
	Issues          []Issue       `json:"issues"`
	Action          Action        `json:"action"`
	ResponseDelay   time.Duration `json:"response_delay"`
	RollbackProb    float64       `json:"rollback_probability"`
}

// Has reports whether any issue of the given category was raised.
func (r VerificationResult) Has(c RiskCategory) bool {
	for _, is := range r.Issues {
		if is.Category == c {
			return true
		}
	}
	return false
}

// Correction records one edit applied to a candidate reply.
type Correction struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// CandidateResponse is the mutable working copy of a reply during a turn.
type CandidateResponse struct {
	Text        string
	Corrections []Correction
}

// NewCandidate returns a working copy of text.
func NewCandidate(text string) *CandidateResponse {
	return &CandidateResponse{Text: text}
}

// Apply replaces the text and logs the edit. A no-op edit is not logged.
func (c *CandidateResponse) Apply(stage, reason, text string) {
	if text == c.Text {
		return
	}
	c.Text = text
	c.Corrections = append(c.Corrections, Correction{Stage: stage, Reason: reason})
}

// Diagnostics describes how a turn was decided. Never shown to end users.
type Diagnostics struct {
	Confidence    float64       `json:"confidence"`
	Action        Action        `json:"action"`
	FinalAction   Action        `json:"final_action"`
	Issues        []Issue       `json:"issues"`
	Corrections   []Correction  `json:"corrections"`
	Failures      []string      `json:"failures,omitempty"`
	FallbackIndex int           `json:"fallback_index"`
	Delay         time.Duration `json:"delay"`
	CrisisInput   bool          `json:"crisis_input"`
	Stage         Stage         `json:"stage,omitempty"`
}

// Categories returns the distinct issue categories in report order.
func (d *Diagnostics) Categories() []string {
	seen := make(map[RiskCategory]bool, len(d.Issues))
	out := make([]string, 0, len(d.Issues))
	for _, is := range d.Issues {
		if seen[is.Category] {
			continue
		}
		seen[is.Category] = true
		out = append(out, string(is.Category))
	}
	return out
}

// TurnAudit is the persisted record of how one turn was decided.
type TurnAudit struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id"`
	Turn        int         `json:"turn"`
	Diagnostics Diagnostics `json:"diagnostics"`
	CreatedAt   time.Time   `json:"created_at"`
}
