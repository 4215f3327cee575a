package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TransitionAuditEntry is the immutable log record of a handoff between
// an upstream and a downstream flow. Entries are append-only and never
// mutated after creation.
type TransitionAuditEntry struct {
	// ID is the unique identifier of the audit entry (UUID v4).
	ID string `json:"id" db:"id"`

	// UpstreamFlowID is the flow the transition originated from.
	UpstreamFlowID string `json:"upstream_flow_id" db:"upstream_flow_id"`

	// DownstreamFlowID is the flow the transition created.
	DownstreamFlowID string `json:"downstream_flow_id" db:"downstream_flow_id"`

	// Scope is the tenant scope both flows belong to.
	Scope TenantScope `json:"scope"`

	// Actor identifies who or what requested the transition.
	Actor string `json:"actor" db:"actor"`

	// Warnings records any non-fatal conditions attached to the handoff,
	// such as a forced transition past an unmet readiness gate. Forced or
	// bypassed operations must surface here; silent bypass is forbidden.
	Warnings []string `json:"warnings,omitempty" db:"warnings"`

	// CreatedAt is the UTC timestamp of the handoff.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewTransitionAuditEntry creates an audit entry with a generated ID and
// UTC timestamp. The warnings slice is copied so later caller mutation
// cannot alter the entry.
func NewTransitionAuditEntry(upstreamID, downstreamID string, scope TenantScope, actor string, warnings []string) (*TransitionAuditEntry, error) {
	if upstreamID == "" {
		return nil, errors.New("models: audit upstream flow ID is required")
	}
	if downstreamID == "" {
		return nil, errors.New("models: audit downstream flow ID is required")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = "system"
	}

	var copied []string
	if len(warnings) > 0 {
		copied = make([]string, len(warnings))
		copy(copied, warnings)
	}

	return &TransitionAuditEntry{
		ID:               uuid.New().String(),
		UpstreamFlowID:   upstreamID,
		DownstreamFlowID: downstreamID,
		Scope:            scope,
		Actor:            actor,
		Warnings:         copied,
		CreatedAt:        time.Now().UTC(),
	}, nil
}
