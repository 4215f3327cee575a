// Package models defines the core data models for the FlowForge
// orchestration core.
//
// The models in this package represent the two halves of a flow's
// persistent state, the readiness assessment contract, idempotency
// records, and the transition audit log. They are designed for JSON
// serialization and PostgreSQL persistence.
//
// # Flow Records
//
// A flow's state is deliberately split across two records sharing one
// flow identifier:
//
//   - [MasterFlowRecord] is the orchestration-level half: lifecycle
//     status, current phase pointer, tenant scope, and the
//     upstream/downstream back-reference pair.
//   - [ChildFlowRecord] is the phase-specific operational half: one
//     status and timestamp pair per phase, the operational status that
//     downstream consumers act on, and the working-state document.
//
// The split is not redundancy. The master's lifecycle status answers "is
// the orchestration alive"; the child's operational status answers "what
// should downstream consumers act on". The two are synchronized inside
// one transaction by the flow manager and must never be created or
// destroyed independently.
//
// # Lifecycle
//
// A master record flows through a defined lifecycle:
//
//	initialized → running → completed
//	                      → failed
//	            ⇄ paused
//	any non-terminal → cancelled
//
// Transitions are validated against the [ValidTransition] matrix.
// completed, failed, and cancelled are terminal.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PhaseTerminal is the sentinel value stored in
// [MasterFlowRecord.CurrentPhase] after the final phase completes. A flow
// type may not declare a phase with this name.
const PhaseTerminal = "completed"

// Working-state document keys written by the flow manager and transition
// coordinator. Collected here so store queries and consumers agree on
// spelling.
const (
	// WorkingStateStatusBeforePause holds the child operational status
	// captured when a flow is paused, restored on resume.
	WorkingStateStatusBeforePause = "status_before_pause"

	// WorkingStateResumedAt holds the RFC 3339 timestamp of the most
	// recent resume.
	WorkingStateResumedAt = "resumed_at"

	// WorkingStateUpstreamSnapshot holds the versioned snapshot of
	// upstream artifacts copied during a transition. The snapshot is a
	// copy, never a live reference; later upstream mutation must not
	// change downstream inputs.
	WorkingStateUpstreamSnapshot = "upstream_snapshot"
)

// TenantScope is the two-level tenancy key attached to every flow record
// and enforced on every read and write. A lookup outside the caller's
// scope is indistinguishable from true absence.
type TenantScope struct {
	// AccountID identifies the tenant account (first scope level).
	AccountID string `json:"account_id" db:"account_id"`

	// EngagementID identifies the engagement within the account
	// (second scope level).
	EngagementID string `json:"engagement_id" db:"engagement_id"`
}

// Validate checks that both scope levels are present.
func (s TenantScope) Validate() error {
	if s.AccountID == "" {
		return errors.New("models: tenant scope account_id is required")
	}
	if s.EngagementID == "" {
		return errors.New("models: tenant scope engagement_id is required")
	}
	return nil
}

// String returns "account/engagement" for logging. Scope identifiers are
// not secrets, but they are another tenant's data in cross-tenant error
// paths; callers should log the requesting scope, never the record's.
func (s TenantScope) String() string {
	return s.AccountID + "/" + s.EngagementID
}

// FlowStatus represents the orchestration-level lifecycle state of a flow,
// stored on the master record. See the package documentation for the
// transition diagram.
type FlowStatus string

const (
	// FlowStatusInitialized is the state of a newly created flow before
	// any phase work has started.
	FlowStatusInitialized FlowStatus = "initialized"

	// FlowStatusRunning indicates phase work is in progress.
	FlowStatusRunning FlowStatus = "running"

	// FlowStatusPaused indicates the flow has been cooperatively
	// suspended. The child operational status at pause time is preserved
	// in the working-state document for restoration on resume.
	FlowStatusPaused FlowStatus = "paused"

	// FlowStatusCompleted indicates every phase completed. Terminal.
	FlowStatusCompleted FlowStatus = "completed"

	// FlowStatusFailed indicates a phase failed. Terminal.
	FlowStatusFailed FlowStatus = "failed"

	// FlowStatusCancelled indicates the flow was abandoned by an explicit
	// caller action. Terminal.
	FlowStatusCancelled FlowStatus = "cancelled"
)

// String returns the string representation of the flow status.
func (s FlowStatus) String() string {
	return string(s)
}

// Valid reports whether the flow status is one of the recognized values.
func (s FlowStatus) Valid() bool {
	switch s {
	case FlowStatusInitialized, FlowStatusRunning, FlowStatusPaused,
		FlowStatusCompleted, FlowStatusFailed, FlowStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal lifecycle state.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case FlowStatusCompleted, FlowStatusFailed, FlowStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the flow is doing or ready to do work. The
// cleanup coordinator refuses to delete active flows unless forced.
func (s FlowStatus) IsActive() bool {
	switch s {
	case FlowStatusInitialized, FlowStatusRunning, FlowStatusPaused:
		return true
	default:
		return false
	}
}

// validTransitions defines the allowed master lifecycle transitions.
// Transitions not present in this map are rejected by [ValidTransition].
//
// Transition matrix:
//
//	initialized → running, failed, cancelled
//	running     → paused, completed, failed, cancelled
//	paused      → running, failed, cancelled
//	completed   → (terminal)
//	failed      → (terminal)
//	cancelled   → (terminal)
var validTransitions = map[FlowStatus][]FlowStatus{
	FlowStatusInitialized: {FlowStatusRunning, FlowStatusFailed, FlowStatusCancelled},
	FlowStatusRunning:     {FlowStatusPaused, FlowStatusCompleted, FlowStatusFailed, FlowStatusCancelled},
	FlowStatusPaused:      {FlowStatusRunning, FlowStatusFailed, FlowStatusCancelled},
}

// ValidTransition reports whether transitioning the master lifecycle
// status from from to to is allowed. Same-state transitions are rejected.
func ValidTransition(from, to FlowStatus) bool {
	if from == to {
		return false
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// PhaseStatus represents the state of a single named phase on the child
// record.
type PhaseStatus string

const (
	// PhaseStatusPending indicates the phase has not started.
	PhaseStatusPending PhaseStatus = "pending"

	// PhaseStatusInProgress indicates the phase is being worked.
	PhaseStatusInProgress PhaseStatus = "in_progress"

	// PhaseStatusCompleted indicates the phase finished successfully.
	PhaseStatusCompleted PhaseStatus = "completed"

	// PhaseStatusFailed indicates the phase failed; the flow's master
	// status becomes failed in the same transaction.
	PhaseStatusFailed PhaseStatus = "failed"
)

// String returns the string representation of the phase status.
func (s PhaseStatus) String() string {
	return string(s)
}

// Valid reports whether the phase status is one of the recognized values.
func (s PhaseStatus) Valid() bool {
	switch s {
	case PhaseStatusPending, PhaseStatusInProgress,
		PhaseStatusCompleted, PhaseStatusFailed:
		return true
	default:
		return false
	}
}

// OperationalStatus is the child record's status, authoritative for
// external decision-making. It is distinct from the master's lifecycle
// status: the master reflects orchestration-level health only.
type OperationalStatus string

const (
	// OperationalStatusPending indicates no phase work has started.
	OperationalStatusPending OperationalStatus = "pending"

	// OperationalStatusInProgress indicates phase work is underway.
	OperationalStatusInProgress OperationalStatus = "in_progress"

	// OperationalStatusPaused indicates the flow is paused; the previous
	// operational status is preserved for restoration.
	OperationalStatusPaused OperationalStatus = "paused"

	// OperationalStatusCompleted indicates all phases completed.
	OperationalStatusCompleted OperationalStatus = "completed"

	// OperationalStatusFailed indicates a phase failed.
	OperationalStatusFailed OperationalStatus = "failed"
)

// String returns the string representation of the operational status.
func (s OperationalStatus) String() string {
	return string(s)
}

// Valid reports whether the operational status is one of the recognized
// values.
func (s OperationalStatus) Valid() bool {
	switch s {
	case OperationalStatusPending, OperationalStatusInProgress,
		OperationalStatusPaused, OperationalStatusCompleted,
		OperationalStatusFailed:
		return true
	default:
		return false
	}
}

// FlowType defines a named flow type with its fixed, ordered phase
// sequence. Phase sets are fixed per flow type at registration time, not
// user-programmable at runtime.
type FlowType struct {
	// Name identifies the flow type (e.g., "discovery", "migration").
	Name string `json:"name"`

	// Phases is the ordered list of phase names. Phases execute strictly
	// in this order.
	Phases []string `json:"phases"`
}

// Validate checks the flow type definition: a non-empty name, at least one
// phase, unique phase names, and no phase named [PhaseTerminal] (which is
// reserved as the current-phase sentinel after final-phase completion).
func (ft FlowType) Validate() error {
	if ft.Name == "" {
		return errors.New("models: flow type name is required")
	}
	if len(ft.Phases) == 0 {
		return fmt.Errorf("models: flow type %q must define at least one phase", ft.Name)
	}
	seen := make(map[string]struct{}, len(ft.Phases))
	for _, p := range ft.Phases {
		if p == "" {
			return fmt.Errorf("models: flow type %q has an empty phase name", ft.Name)
		}
		if p == PhaseTerminal {
			return fmt.Errorf("models: flow type %q may not use reserved phase name %q", ft.Name, PhaseTerminal)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("models: flow type %q has duplicate phase %q", ft.Name, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// PhaseIndex returns the position of the named phase in the sequence, or
// -1 if the phase is not part of this flow type.
func (ft FlowType) PhaseIndex(name string) int {
	for i, p := range ft.Phases {
		if p == name {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase following name, or [PhaseTerminal] if name
// is the final phase. Returns an error if name is not part of this flow
// type.
func (ft FlowType) NextPhase(name string) (string, error) {
	i := ft.PhaseIndex(name)
	if i < 0 {
		return "", fmt.Errorf("models: flow type %q has no phase %q", ft.Name, name)
	}
	if i == len(ft.Phases)-1 {
		return PhaseTerminal, nil
	}
	return ft.Phases[i+1], nil
}

// IsFinalPhase reports whether name is the last phase of the sequence.
func (ft FlowType) IsFinalPhase(name string) bool {
	n := len(ft.Phases)
	return n > 0 && ft.Phases[n-1] == name
}

// MasterFlowRecord is the orchestration-level half of a flow's state. It
// shares its FlowID with exactly one [ChildFlowRecord]; the two are
// created and destroyed together.
type MasterFlowRecord struct {
	// FlowID is the unique identifier shared with the child record
	// (UUID v4).
	FlowID string `json:"flow_id" db:"flow_id"`

	// FlowType names the registered flow type that fixes this flow's
	// phase sequence.
	FlowType string `json:"flow_type" db:"flow_type"`

	// Scope is the two-level tenant scope every read and write is
	// filtered by.
	Scope TenantScope `json:"scope"`

	// BusinessKey is the caller-supplied business identity used for
	// idempotent creation. Optional; when present it is unique per
	// tenant scope and flow type.
	BusinessKey string `json:"business_key,omitempty" db:"business_key"`

	// Status is the orchestration-level lifecycle status. It reflects
	// orchestration health only; downstream consumers act on the child's
	// operational status.
	Status FlowStatus `json:"status" db:"status"`

	// CurrentPhase points at the phase currently eligible for work, or
	// [PhaseTerminal] after the final phase completes. It only advances
	// forward except on pause or failure.
	CurrentPhase string `json:"current_phase" db:"current_phase"`

	// PhaseMetadata is a free-form document of orchestration-level phase
	// annotations.
	PhaseMetadata map[string]any `json:"phase_metadata" db:"phase_metadata"`

	// UpstreamFlowID references the flow this one was transitioned from,
	// if any. Together with DownstreamFlowID this forms an explicit
	// bidirectional pair, not a general graph.
	UpstreamFlowID *string `json:"upstream_flow_id,omitempty" db:"upstream_flow_id"`

	// DownstreamFlowID references the flow created from this one by a
	// transition, if any.
	DownstreamFlowID *string `json:"downstream_flow_id,omitempty" db:"downstream_flow_id"`

	// TransitionedAt is the UTC timestamp of the transition that set
	// DownstreamFlowID. Nil until a transition occurs.
	TransitionedAt *time.Time `json:"transitioned_at,omitempty" db:"transitioned_at"`

	// CreatedAt is the UTC creation timestamp.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the UTC timestamp of the last modification.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks that required fields are present and the status is
// recognized.
func (m *MasterFlowRecord) Validate() error {
	if m.FlowID == "" {
		return errors.New("models: master flow ID is required")
	}
	if m.FlowType == "" {
		return errors.New("models: master flow type is required")
	}
	if err := m.Scope.Validate(); err != nil {
		return err
	}
	if !m.Status.Valid() {
		return fmt.Errorf("models: invalid master flow status %q", m.Status)
	}
	if m.CurrentPhase == "" {
		return errors.New("models: master current phase is required")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("models: master created_at is required")
	}
	if m.UpdatedAt.IsZero() {
		return errors.New("models: master updated_at is required")
	}
	return nil
}

// PhaseState holds one phase's status and timestamps on the child record.
type PhaseState struct {
	// Name is the phase name from the flow type's sequence.
	Name string `json:"name"`

	// Status is the phase's current state.
	Status PhaseStatus `json:"status"`

	// StartedAt is the UTC timestamp the phase entered in_progress.
	// Nil while pending.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is the UTC timestamp the phase reached completed or
	// failed. Nil before then.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ChildFlowRecord is the phase-specific operational half of a flow's
// state. Its OperationalStatus, not the master's lifecycle status, is
// authoritative for external decision-making.
type ChildFlowRecord struct {
	// FlowID is the unique identifier shared with the master record.
	FlowID string `json:"flow_id" db:"flow_id"`

	// Scope duplicates the master's tenant scope so child reads can be
	// scope-filtered without a join.
	Scope TenantScope `json:"scope"`

	// OperationalStatus is the status downstream consumers act on.
	OperationalStatus OperationalStatus `json:"operational_status" db:"operational_status"`

	// Phases holds one entry per phase of the flow type, in sequence
	// order. Persisted as a JSONB document keyed by this ordered list.
	Phases []PhaseState `json:"phases"`

	// WorkingState is the document holding transferred and derived data:
	// the upstream snapshot after a transition, the status-before-pause
	// value, phase work products.
	WorkingState map[string]any `json:"working_state" db:"working_state"`

	// Config is the flow's configuration document, captured at creation.
	Config map[string]any `json:"config" db:"config"`

	// CreatedAt is the UTC creation timestamp.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the UTC timestamp of the last modification.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks that required fields are present, the operational
// status is recognized, and every phase entry is valid.
func (c *ChildFlowRecord) Validate() error {
	if c.FlowID == "" {
		return errors.New("models: child flow ID is required")
	}
	if err := c.Scope.Validate(); err != nil {
		return err
	}
	if !c.OperationalStatus.Valid() {
		return fmt.Errorf("models: invalid child operational status %q", c.OperationalStatus)
	}
	if len(c.Phases) == 0 {
		return errors.New("models: child record must have at least one phase")
	}
	for i, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("models: child phase %d has no name", i)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("models: child phase %q has invalid status %q", p.Name, p.Status)
		}
	}
	if c.CreatedAt.IsZero() {
		return errors.New("models: child created_at is required")
	}
	if c.UpdatedAt.IsZero() {
		return errors.New("models: child updated_at is required")
	}
	return nil
}

// Phase returns the state entry for the named phase, or nil if the child
// has no such phase.
func (c *ChildFlowRecord) Phase(name string) *PhaseState {
	for i := range c.Phases {
		if c.Phases[i].Name == name {
			return &c.Phases[i]
		}
	}
	return nil
}

// CompletedPhaseCount returns the number of phases in completed status.
// The cleanup coordinator uses this to warn about deleting flows with
// significant progress.
func (c *ChildFlowRecord) CompletedPhaseCount() int {
	n := 0
	for _, p := range c.Phases {
		if p.Status == PhaseStatusCompleted {
			n++
		}
	}
	return n
}

// NewFlowPair creates a matched master and child record pair sharing a
// generated flow ID: master initialized at the flow type's first phase,
// child with every phase pending. The pair must be persisted in one
// transaction; failure of either insert rolls back both.
//
// The config document is captured onto the child record. A nil config is
// normalized to an empty map.
func NewFlowPair(ft FlowType, scope TenantScope, config map[string]any) (*MasterFlowRecord, *ChildFlowRecord, error) {
	if err := ft.Validate(); err != nil {
		return nil, nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}
	if config == nil {
		config = make(map[string]any)
	}

	now := time.Now().UTC()
	flowID := uuid.New().String()

	master := &MasterFlowRecord{
		FlowID:        flowID,
		FlowType:      ft.Name,
		Scope:         scope,
		Status:        FlowStatusInitialized,
		CurrentPhase:  ft.Phases[0],
		PhaseMetadata: make(map[string]any),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	phases := make([]PhaseState, len(ft.Phases))
	for i, name := range ft.Phases {
		phases[i] = PhaseState{Name: name, Status: PhaseStatusPending}
	}
	child := &ChildFlowRecord{
		FlowID:            flowID,
		Scope:             scope,
		OperationalStatus: OperationalStatusPending,
		Phases:            phases,
		WorkingState:      make(map[string]any),
		Config:            config,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	return master, child, nil
}
