package verifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/CVMHW/roger/internal/domain"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid verifier config")

// Weight scales the penalty of one category: multiplier * log10(raw*K + 1).
type Weight struct {
	K          float64 `validate:"gt=0"`
	Multiplier float64 `validate:"gt=0"`
}

// Weights holds one Weight per risk category.
type Weights struct {
	Repetition          Weight `validate:"required"`
	MemoryContinuity    Weight `validate:"required"`
	HallucinationDomain Weight `validate:"required"`
	EmotionMismatch     Weight `validate:"required"`
	Crisis              Weight `validate:"required"`
}

// For returns the weight of category c.
func (w Weights) For(c domain.RiskCategory) Weight {
	switch c {
	case domain.CategoryRepetition:
		return w.Repetition
	case domain.CategoryMemoryContinuity:
		return w.MemoryContinuity
	case domain.CategoryHallucinationDomain:
		return w.HallucinationDomain
	case domain.CategoryEmotionMismatch:
		return w.EmotionMismatch
	case domain.CategoryCrisis:
		return w.Crisis
	}
	return Weight{}
}

// Config holds every threshold and weight the verifier uses.
type Config struct {
	// Ceiling is the starting confidence; a reply is never fully trusted.
	Ceiling           float64 `validate:"gt=0,lt=1"`
	PreventThreshold  float64 `validate:"gte=0,lt=1"`
	RollbackThreshold float64 `validate:"gt=0,lt=1"`
	DelayThreshold    float64 `validate:"gt=0,lt=1"`

	Weights Weights

	// Rollback probability is 1/(1+exp(-Steepness*(repetition-Midpoint))).
	RollbackMidpoint  float64 `validate:"gt=0,lt=1"`
	RollbackSteepness float64 `validate:"gt=0"`
	// RollbackCutoff is the probability at which repetition alone forces rollback.
	RollbackCutoff float64 `validate:"gt=0.5,lt=1"`

	// HardRuleMinScore is the raw hallucination-domain score that forces
	// rollback or prevent regardless of confidence.
	HardRuleMinScore float64 `validate:"gt=0,lte=1"`

	DelayBase  time.Duration `validate:"gte=0"`
	DelayScale time.Duration `validate:"gte=0"`
	DelayK     float64       `validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:           0.95,
		PreventThreshold:  0.3,
		RollbackThreshold: 0.55,
		DelayThreshold:    0.8,
		Weights: Weights{
			Repetition:          Weight{K: 9, Multiplier: 0.3},
			MemoryContinuity:    Weight{K: 9, Multiplier: 0.2},
			HallucinationDomain: Weight{K: 9, Multiplier: 0.5},
			EmotionMismatch:     Weight{K: 9, Multiplier: 0.15},
			Crisis:              Weight{K: 99, Multiplier: 0.6},
		},
		RollbackMidpoint:  0.6,
		RollbackSteepness: 12,
		RollbackCutoff:    0.9,
		HardRuleMinScore:  0.8,
		DelayBase:         300 * time.Millisecond,
		DelayScale:        time.Second,
		DelayK:            9,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the ordering between thresholds.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !(c.PreventThreshold < c.RollbackThreshold &&
		c.RollbackThreshold < c.DelayThreshold &&
		c.DelayThreshold <= c.Ceiling) {
		return fmt.Errorf("%w: thresholds must satisfy prevent < rollback < delay <= ceiling", ErrInvalidConfig)
	}
	crisis := c.Weights.Crisis.Multiplier
	for _, cat := range domain.Categories {
		if cat == domain.CategoryCrisis {
			continue
		}
		if c.Weights.For(cat).Multiplier >= crisis {
			return fmt.Errorf("%w: crisis multiplier must exceed %s multiplier", ErrInvalidConfig, cat)
		}
	}
	return nil
}
