// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/CVMHW/roger/internal/pipeline"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Port          string `validate:"required,numeric"`
	GRPCPort      string `validate:"omitempty,numeric"`
	FrontendURL   string
	DBPath        string `validate:"required"`
	GeneratorAddr string
	LexiconPath   string
	LogLevel      string `validate:"oneof=debug info warn error"`
	AppEnv        string

	// MetricsEnabled exposes GET /metrics.
	MetricsEnabled bool

	Session   SessionConfig
	RateLimit RateLimitConfig
	Timeout   TimeoutConfig

	Pipeline pipeline.Config
}

// SessionConfig controls conversation lifetime and history.
type SessionConfig struct {
	HistoryCapacity int           `validate:"min=1"`
	Gap             time.Duration `validate:"gt=0"`
	IdleTTL         time.Duration `validate:"gt=0"`
	Retention       time.Duration `validate:"gte=0"`
	SweepInterval   time.Duration `validate:"gt=0"`
	MemoryLimit     int           `validate:"min=0"`
}

// RateLimitConfig bounds turn requests per user.
type RateLimitConfig struct {
	Requests int           `validate:"min=1"`
	Window   time.Duration `validate:"gt=0"`
}

// TimeoutConfig holds timeouts for dependencies.
type TimeoutConfig struct {
	HealthCheck      time.Duration `validate:"gt=0"`
	GeneratorConnect time.Duration `validate:"gt=0"`
	GeneratorRequest time.Duration `validate:"gt=0"`
	ShutdownGrace    time.Duration `validate:"gt=0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		GRPCPort:      getEnv("GRPC_PORT", "9090"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/roger.db"),
		GeneratorAddr: getEnv("GENERATOR_ADDR", ""),
		LexiconPath:   getEnv("LEXICON_PATH", ""),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		AppEnv:        getEnv("APP_ENV", ""),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		Session: SessionConfig{
			HistoryCapacity: getEnvInt("HISTORY_CAPACITY", 50),
			Gap:             getEnvDuration("HISTORY_SESSION_GAP", 30*time.Minute),
			IdleTTL:         getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
			Retention:       getEnvDuration("CONVERSATION_RETENTION", 30*24*time.Hour),
			SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			MemoryLimit:     getEnvInt("MEMORY_LIMIT", pipeline.DefaultMemoryLimit),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Timeout: TimeoutConfig{
			HealthCheck:      getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			GeneratorConnect: getEnvDuration("GENERATOR_CONNECT_TIMEOUT", 5*time.Second),
			GeneratorRequest: getEnvDuration("GENERATOR_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		},
		Pipeline: loadPipeline(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadPipeline overlays VERIFIER_*, REPETITION_* and RISK_* variables on the
// pipeline defaults.
func loadPipeline() pipeline.Config {
	pc := pipeline.DefaultConfig()

	v := &pc.Verifier
	v.Ceiling = getEnvFloat("VERIFIER_CEILING", v.Ceiling)
	v.PreventThreshold = getEnvFloat("VERIFIER_PREVENT_THRESHOLD", v.PreventThreshold)
	v.RollbackThreshold = getEnvFloat("VERIFIER_ROLLBACK_THRESHOLD", v.RollbackThreshold)
	v.DelayThreshold = getEnvFloat("VERIFIER_DELAY_THRESHOLD", v.DelayThreshold)
	v.RollbackMidpoint = getEnvFloat("VERIFIER_ROLLBACK_MIDPOINT", v.RollbackMidpoint)
	v.RollbackSteepness = getEnvFloat("VERIFIER_ROLLBACK_STEEPNESS", v.RollbackSteepness)
	v.RollbackCutoff = getEnvFloat("VERIFIER_ROLLBACK_CUTOFF", v.RollbackCutoff)
	v.HardRuleMinScore = getEnvFloat("VERIFIER_HARD_RULE_MIN_SCORE", v.HardRuleMinScore)
	v.DelayBase = getEnvDuration("VERIFIER_DELAY_BASE", v.DelayBase)
	v.DelayScale = getEnvDuration("VERIFIER_DELAY_SCALE", v.DelayScale)
	v.DelayK = getEnvFloat("VERIFIER_DELAY_K", v.DelayK)

	weights := []struct {
		name string
		k    *float64
		mult *float64
	}{
		{"REPETITION", &v.Weights.Repetition.K, &v.Weights.Repetition.Multiplier},
		{"MEMORY", &v.Weights.MemoryContinuity.K, &v.Weights.MemoryContinuity.Multiplier},
		{"HALLUCINATION", &v.Weights.HallucinationDomain.K, &v.Weights.HallucinationDomain.Multiplier},
		{"EMOTION", &v.Weights.EmotionMismatch.K, &v.Weights.EmotionMismatch.Multiplier},
		{"CRISIS", &v.Weights.Crisis.K, &v.Weights.Crisis.Multiplier},
	}
	for _, w := range weights {
		*w.k = getEnvFloat("VERIFIER_"+w.name+"_K", *w.k)
		*w.mult = getEnvFloat("VERIFIER_"+w.name+"_MULTIPLIER", *w.mult)
	}

	r := &pc.Repetition
	r.NearDuplicateThreshold = getEnvFloat("REPETITION_NEAR_DUPLICATE_THRESHOLD", r.NearDuplicateThreshold)
	r.NGramSize = getEnvInt("REPETITION_NGRAM_SIZE", r.NGramSize)
	r.HistoryWindow = getEnvInt("REPETITION_HISTORY_WINDOW", r.HistoryWindow)

	pc.Risk.MemorySupportThreshold = getEnvFloat("RISK_MEMORY_SUPPORT_THRESHOLD", pc.Risk.MemorySupportThreshold)

	pc.Correction.RollbackThreshold = v.RollbackThreshold
	pc.Correction.SimplifyKeep = getEnvInt("CORRECTION_SIMPLIFY_KEEP", pc.Correction.SimplifyKeep)
	pc.Correction.SimplifyMaxSentences = getEnvInt("CORRECTION_SIMPLIFY_MAX_SENTENCES", pc.Correction.SimplifyMaxSentences)
	return pc
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that all required configuration fields are set and that
// the pipeline thresholds are consistent.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Pipeline.Verifier.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.GRPCPort != "" && c.GRPCPort == c.Port {
		return fmt.Errorf("%w: GRPC_PORT must differ from PORT", ErrInvalid)
	}
	if c.Pipeline.Correction.SimplifyKeep > c.Pipeline.Correction.SimplifyMaxSentences {
		return fmt.Errorf("%w: CORRECTION_SIMPLIFY_KEEP must not exceed CORRECTION_SIMPLIFY_MAX_SENTENCES", ErrInvalid)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel returns LogLevel as a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" || c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
