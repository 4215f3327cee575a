package models

import (
	"errors"
	"fmt"
)

// ReadinessInputs are the precomputed metrics the readiness engine scores.
// Gathering the metrics is an external collaborator's job; the core owns
// only aggregation and threshold logic.
type ReadinessInputs struct {
	// Completeness is the fraction of required data present, in [0,1].
	Completeness float64 `json:"completeness"`

	// Quality is an optional quality score in [0,1]. Nil when no quality
	// assessment ran; its weight is then excluded from the composite
	// rather than counted as zero.
	Quality *float64 `json:"quality,omitempty"`

	// CriticalGapCount is the number of critical gaps detected.
	CriticalGapCount int `json:"critical_gap_count"`

	// TotalGapCount is the total number of gaps detected, used to
	// discount the fallback confidence estimate.
	TotalGapCount int `json:"total_gap_count"`

	// BlockingErrorCount is the number of blocking errors. Any blocking
	// error forces is_ready false regardless of score.
	BlockingErrorCount int `json:"blocking_error_count"`

	// FieldMappingValidated indicates field mapping completed validation.
	FieldMappingValidated bool `json:"field_mapping_validated"`

	// SubEntityReadyRatio is the fraction of sub-entities individually
	// ready, in [0,1].
	SubEntityReadyRatio float64 `json:"sub_entity_ready_ratio"`
}

// Validate checks that fractional inputs are within [0,1] and counts are
// non-negative.
func (in ReadinessInputs) Validate() error {
	if in.Completeness < 0 || in.Completeness > 1 {
		return fmt.Errorf("models: readiness completeness %v outside [0,1]", in.Completeness)
	}
	if in.Quality != nil && (*in.Quality < 0 || *in.Quality > 1) {
		return fmt.Errorf("models: readiness quality %v outside [0,1]", *in.Quality)
	}
	if in.SubEntityReadyRatio < 0 || in.SubEntityReadyRatio > 1 {
		return fmt.Errorf("models: readiness sub_entity_ready_ratio %v outside [0,1]", in.SubEntityReadyRatio)
	}
	if in.CriticalGapCount < 0 {
		return errors.New("models: readiness critical_gap_count must not be negative")
	}
	if in.TotalGapCount < 0 {
		return errors.New("models: readiness total_gap_count must not be negative")
	}
	if in.BlockingErrorCount < 0 {
		return errors.New("models: readiness blocking_error_count must not be negative")
	}
	return nil
}

// ReadinessThresholds are the per-tenant gating thresholds passed
// explicitly into the readiness engine. Pass [DefaultReadinessThresholds]
// unless the tenant overrides them.
type ReadinessThresholds struct {
	// Completeness is the minimum completeness fraction. Default 0.70.
	Completeness float64 `json:"completeness" yaml:"completeness"`

	// Quality is the minimum quality score, checked only when a quality
	// score is present. Default 0.65.
	Quality float64 `json:"quality" yaml:"quality"`

	// Confidence is the minimum confidence estimate. Default 0.60.
	Confidence float64 `json:"confidence" yaml:"confidence"`

	// MaxCriticalGaps is the maximum allowed critical gap count.
	// Default 5.
	MaxCriticalGaps int `json:"max_critical_gaps" yaml:"max_critical_gaps"`

	// Composite is the minimum weighted composite score for is_ready.
	// Default 0.70.
	Composite float64 `json:"composite" yaml:"composite"`
}

// DefaultReadinessThresholds returns the platform default thresholds.
func DefaultReadinessThresholds() ReadinessThresholds {
	return ReadinessThresholds{
		Completeness:    0.70,
		Quality:         0.65,
		Confidence:      0.60,
		MaxCriticalGaps: 5,
		Composite:       0.70,
	}
}

// Validate checks that threshold fractions are within [0,1] and the gap
// maximum is non-negative.
func (t ReadinessThresholds) Validate() error {
	for name, v := range map[string]float64{
		"completeness": t.Completeness,
		"quality":      t.Quality,
		"confidence":   t.Confidence,
		"composite":    t.Composite,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("models: readiness threshold %s %v outside [0,1]", name, v)
		}
	}
	if t.MaxCriticalGaps < 0 {
		return errors.New("models: readiness threshold max_critical_gaps must not be negative")
	}
	return nil
}

// ReadinessResult is the outcome of a readiness assessment: a pure
// function of [ReadinessInputs] and [ReadinessThresholds].
type ReadinessResult struct {
	// Score is the penalized weighted composite, in [0,1].
	Score float64 `json:"score"`

	// Confidence is the confidence estimate in [0,1], either from the
	// advisory collaborator or the deterministic fallback.
	Confidence float64 `json:"confidence"`

	// IsReady reports whether the flow's output suffices to progress.
	// It requires no missing requirements, the composite clearing its
	// threshold, and completeness clearing its own threshold; these are
	// independent checks, not folded into one number.
	IsReady bool `json:"is_ready"`

	// MissingRequirements lists every individually violated threshold,
	// in a fixed evaluation order, for gating and user-facing
	// diagnostics.
	MissingRequirements []string `json:"missing_requirements"`

	// Metrics echoes the inputs the assessment was computed from.
	Metrics ReadinessInputs `json:"metrics"`
}
