// Package readiness scores whether an upstream flow's output is
// sufficient for a downstream stage to begin. The engine is a pure
// function of precomputed metrics and explicit per-tenant thresholds:
// gathering the metrics is an external collaborator's job, and no global
// state participates in the assessment, which keeps the engine fully
// deterministic and testable.
//
// # Scoring
//
// The composite score is a normalized weighted sum of the input metrics:
//
//	completeness          weight 0.4
//	quality               weight 0.3  (only when a quality score is present)
//	field mapping valid   weight 0.2  (binary)
//	sub-entity readiness  weight 0.1
//
// Two penalties then apply, each independently of the other and of the
// hard gates below: ×0.5 if any blocking error is present, and ×0.7 if
// the critical gap count exceeds the allowed maximum. The gap count is
// deliberately both a score penalty and a hard gate; neither check may
// be folded into the other.
//
// # Gating
//
// is_ready requires all three of: an empty missing-requirements list,
// the composite clearing its threshold, and completeness clearing its own
// threshold. Any blocking error therefore forces is_ready false
// regardless of the score.
//
// # Confidence
//
// An optional advisory collaborator may supply a confidence estimate.
// When it is absent or fails, the engine falls back to a deterministic
// estimate: the average of completeness and quality, discounted by the
// critical-gap ratio, clamped to [0,1]. An out-of-range advisory value is
// clamped with a logged warning rather than rejected.
package readiness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// Composite weights. Quality's weight is excluded from the denominator
// when no quality score is present, so a missing assessment is not
// counted as a zero.
const (
	weightCompleteness = 0.4
	weightQuality      = 0.3
	weightFieldMapping = 0.2
	weightSubEntity    = 0.1
)

// Penalty multipliers applied to the composite after weighting.
const (
	penaltyBlockingErrors = 0.5
	penaltyCriticalGaps   = 0.7
)

// ConfidenceScorer is the optional advisory collaborator that estimates
// assessment confidence from the raw metrics. Implementations may call
// out to external systems; the engine degrades to a deterministic
// fallback when the scorer is absent or returns an error.
type ConfidenceScorer interface {
	// Confidence returns an estimate in [0,1] for the given inputs.
	Confidence(ctx context.Context, inputs models.ReadinessInputs) (float64, error)
}

// Engine performs readiness assessments. Create one with [NewEngine] and
// share it freely; Assess has no side effects beyond logging degraded
// paths.
type Engine struct {
	thresholds models.ReadinessThresholds
	scorer     ConfidenceScorer
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfidenceScorer attaches an advisory confidence collaborator.
func WithConfidenceScorer(s ConfidenceScorer) Option {
	return func(e *Engine) {
		e.scorer = s
	}
}

// WithLogger sets a custom [*slog.Logger]. If not set, [slog.Default] is
// used. The logger only records degraded paths (scorer failure,
// out-of-range advisory values); assessments themselves are silent.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine with the given per-tenant thresholds.
// Returns a validation error if the thresholds are out of range.
func NewEngine(thresholds models.ReadinessThresholds, opts ...Option) (*Engine, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeValidation,
			"readiness: invalid thresholds")
	}
	e := &Engine{
		thresholds: thresholds,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Thresholds returns the engine's configured thresholds.
func (e *Engine) Thresholds() models.ReadinessThresholds {
	return e.thresholds
}

// Assess computes the readiness of the given metrics against the engine's
// thresholds. The context is passed to the advisory confidence scorer
// only; the assessment itself never blocks.
//
// Returns a validation error if the inputs are out of range. Scorer
// failures are not errors; they trigger the deterministic fallback.
func (e *Engine) Assess(ctx context.Context, in models.ReadinessInputs) (models.ReadinessResult, error) {
	if err := in.Validate(); err != nil {
		return models.ReadinessResult{}, errors.Wrap(err, errors.CodeValidationRange,
			"readiness: invalid assessment inputs")
	}

	score := e.compositeScore(in)
	confidence, advisory := e.confidence(ctx, in)
	missing := e.missingRequirements(in, confidence, advisory)

	// Three independent gates: diagnostics, composite, completeness.
	ready := len(missing) == 0 &&
		score >= e.thresholds.Composite &&
		in.Completeness >= e.thresholds.Completeness

	return models.ReadinessResult{
		Score:               score,
		Confidence:          confidence,
		IsReady:             ready,
		MissingRequirements: missing,
		Metrics:             in,
	}, nil
}

// compositeScore computes the penalized weighted composite in [0,1].
func (e *Engine) compositeScore(in models.ReadinessInputs) float64 {
	sum := in.Completeness * weightCompleteness
	weight := weightCompleteness

	if in.Quality != nil {
		sum += *in.Quality * weightQuality
		weight += weightQuality
	}

	if in.FieldMappingValidated {
		sum += weightFieldMapping
	}
	weight += weightFieldMapping

	sum += in.SubEntityReadyRatio * weightSubEntity
	weight += weightSubEntity

	score := sum / weight

	// Both penalties apply independently; a flow with blocking errors and
	// excess gaps is penalized twice.
	if in.BlockingErrorCount > 0 {
		score *= penaltyBlockingErrors
	}
	if in.CriticalGapCount > e.thresholds.MaxCriticalGaps {
		score *= penaltyCriticalGaps
	}

	return clamp01(score)
}

// confidence resolves the confidence estimate, preferring the advisory
// scorer and degrading to the deterministic fallback on absence or error.
// The advisory return reports whether the value came from the scorer;
// only advisory values participate in the confidence threshold gate, the
// fallback being an estimate rather than an assessment.
func (e *Engine) confidence(ctx context.Context, in models.ReadinessInputs) (float64, bool) {
	if e.scorer != nil {
		c, err := e.scorer.Confidence(ctx, in)
		if err == nil {
			if c < 0 || c > 1 {
				e.logger.WarnContext(ctx, "readiness: advisory confidence outside [0,1], clamping",
					"confidence", c)
				c = clamp01(c)
			}
			return c, true
		}
		e.logger.WarnContext(ctx, "readiness: advisory confidence scorer failed, using fallback",
			"error", err)
	}
	return e.fallbackConfidence(in), false
}

// fallbackConfidence is the deterministic confidence estimate: the
// average of completeness and quality (completeness alone when no quality
// score is present), discounted by the critical-gap ratio, clamped to
// [0,1].
func (e *Engine) fallbackConfidence(in models.ReadinessInputs) float64 {
	base := in.Completeness
	if in.Quality != nil {
		base = (in.Completeness + *in.Quality) / 2
	}

	if in.TotalGapCount > 0 {
		gapRatio := float64(in.CriticalGapCount) / float64(in.TotalGapCount)
		base *= 1 - clamp01(gapRatio)
	}

	return clamp01(base)
}

// missingRequirements lists every individually violated threshold in a
// fixed evaluation order. The list serves both gating and user-facing
// diagnostics, so entries carry the observed value and the threshold.
func (e *Engine) missingRequirements(in models.ReadinessInputs, confidence float64, advisory bool) []string {
	var missing []string

	if in.Completeness < e.thresholds.Completeness {
		missing = append(missing, fmt.Sprintf(
			"completeness %.2f below threshold %.2f",
			in.Completeness, e.thresholds.Completeness))
	}
	if in.Quality != nil && *in.Quality < e.thresholds.Quality {
		missing = append(missing, fmt.Sprintf(
			"quality %.2f below threshold %.2f",
			*in.Quality, e.thresholds.Quality))
	}
	if advisory && confidence < e.thresholds.Confidence {
		missing = append(missing, fmt.Sprintf(
			"confidence %.2f below threshold %.2f",
			confidence, e.thresholds.Confidence))
	}
	if in.CriticalGapCount > e.thresholds.MaxCriticalGaps {
		missing = append(missing, fmt.Sprintf(
			"%d critical gaps exceed maximum %d",
			in.CriticalGapCount, e.thresholds.MaxCriticalGaps))
	}
	if in.BlockingErrorCount > 0 {
		missing = append(missing, fmt.Sprintf(
			"%d blocking errors present", in.BlockingErrorCount))
	}

	return missing
}

// clamp01 clamps v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
