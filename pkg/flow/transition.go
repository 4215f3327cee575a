package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
	"github.com/FlowForge/flowforge-core/pkg/readiness"
)

// snapshotVersion identifies the layout of the upstream snapshot
// document written into downstream working state. Bump when the layout
// changes so consumers can branch on it.
const snapshotVersion = 1

// Snapshot document keys inside
// [models.WorkingStateUpstreamSnapshot].
const (
	snapshotKeyVersion    = "version"
	snapshotKeySourceFlow = "source_flow_id"
	snapshotKeyCapturedAt = "captured_at"
	snapshotKeyArtifacts  = "artifacts"
)

// MetricsSource is the metric-gathering collaborator that supplies raw
// readiness inputs for an upstream flow. The flow core owns only the
// aggregation and threshold logic, not data collection.
type MetricsSource interface {
	// Gather returns the readiness inputs for the given upstream flow.
	Gather(ctx context.Context, master *models.MasterFlowRecord, child *models.ChildFlowRecord) (models.ReadinessInputs, error)
}

// Materializer idempotently populates an upstream flow's derived data
// (summary, gap analysis, quality metrics) before a transition copies
// it. Implementations return only the keys to add; keys already present
// in the upstream working state are left untouched, making repeated
// materialization safe.
type Materializer interface {
	// Materialize returns derived artifacts for the upstream flow.
	Materialize(ctx context.Context, master *models.MasterFlowRecord, child *models.ChildFlowRecord) (map[string]any, error)
}

// TransitionOptions controls a transition request.
type TransitionOptions struct {
	// Force proceeds past an unmet readiness gate. The bypass is
	// recorded as an explicit warning on the audit entry; silent bypass
	// is forbidden.
	Force bool

	// SkipReadinessCheck skips the readiness assessment entirely,
	// recording a warning on the audit entry.
	SkipReadinessCheck bool

	// Subset restricts the snapshot to the named upstream working-state
	// keys. Empty means all artifacts.
	Subset []string

	// Actor identifies who or what requested the transition. Defaults
	// to "system".
	Actor string

	// Config is the downstream flow's configuration document.
	Config map[string]any
}

// TransitionResult reports a completed transition.
type TransitionResult struct {
	// Upstream is the upstream master record after back-reference
	// update.
	Upstream *models.MasterFlowRecord

	// Downstream is the newly created downstream master record.
	Downstream *models.MasterFlowRecord

	// DownstreamChild is the newly created downstream child record,
	// carrying the upstream snapshot in its working state.
	DownstreamChild *models.ChildFlowRecord

	// Readiness is the assessment that gated the transition. Zero when
	// the check was skipped.
	Readiness models.ReadinessResult

	// Warnings lists non-fatal conditions attached to the handoff,
	// mirrored onto the audit entry.
	Warnings []string

	// AuditEntryID is the ID of the appended audit entry.
	AuditEntryID string
}

// Transitioner creates a downstream flow from an upstream one: a
// nine-step handoff executed inside a single transaction, so a failure
// at any step leaves no orphaned downstream records and no dangling
// back-reference.
//
// The transferred data is a versioned snapshot, never a live reference;
// later upstream mutation cannot retroactively change downstream
// inputs.
type Transitioner struct {
	store        Store
	registry     *Registry
	engine       *readiness.Engine
	metrics      MetricsSource
	materializer Materializer
	mirror       WorkingStateMirror
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// TransitionerOption configures a Transitioner.
type TransitionerOption func(*Transitioner)

// WithMetricsSource attaches the metric-gathering collaborator.
// Required unless every transition skips the readiness check.
func WithMetricsSource(ms MetricsSource) TransitionerOption {
	return func(t *Transitioner) {
		t.metrics = ms
	}
}

// WithMaterializer attaches the derived-data materializer. Without it,
// upstream working state is transferred as-is.
func WithMaterializer(mz Materializer) TransitionerOption {
	return func(t *Transitioner) {
		t.materializer = mz
	}
}

// WithTransitionMirror attaches the working-state mirror for the
// post-commit downstream mirror write.
func WithTransitionMirror(m WorkingStateMirror) TransitionerOption {
	return func(t *Transitioner) {
		t.mirror = m
	}
}

// WithTransitionLogger sets a custom [*slog.Logger]. If not set,
// [slog.Default] is used.
func WithTransitionLogger(logger *slog.Logger) TransitionerOption {
	return func(t *Transitioner) {
		t.logger = logger
	}
}

// WithTransitionClock overrides the time source for tests.
func WithTransitionClock(now func() time.Time) TransitionerOption {
	return func(t *Transitioner) {
		t.now = now
	}
}

// NewTransitioner creates a Transitioner over the given store, flow
// type registry, and readiness engine.
func NewTransitioner(st Store, registry *Registry, engine *readiness.Engine, opts ...TransitionerOption) (*Transitioner, error) {
	if st == nil {
		return nil, fferr.Validation("flow: transitioner requires a store")
	}
	if registry == nil {
		return nil, fferr.Validation("flow: transitioner requires a flow type registry")
	}
	if engine == nil {
		return nil, fferr.Validation("flow: transitioner requires a readiness engine")
	}
	t := &Transitioner{
		store:    st,
		registry: registry,
		engine:   engine,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Transition creates a downstream flow of the named type from the
// upstream flow's verified output. All steps commit or roll back as one
// transaction.
//
// Error codes returned:
//   - [fferr.CodeNotFoundFlow]: upstream absent or outside the scope
//   - [fferr.CodeInvalidState]: upstream already transitioned
//   - [fferr.CodeReadinessNotMet]: readiness gate unmet and not forced;
//     Details carries missing_requirements
//   - [fferr.CodeValidation]: unknown downstream flow type
func (t *Transitioner) Transition(ctx context.Context, scope models.TenantScope, upstreamFlowID, downstreamType string, opts TransitionOptions) (*TransitionResult, error) {
	ctx, span := t.tracer.Start(ctx, "flow.Transition",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("flow.account_id", scope.AccountID),
		attribute.String("flow.engagement_id", scope.EngagementID),
		attribute.String("flow.upstream_id", upstreamFlowID),
		attribute.String("flow.downstream_type", downstreamType),
	)

	result, err := t.transition(ctx, scope, upstreamFlowID, downstreamType, opts)
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}

	if t.mirror != nil {
		if mErr := t.mirror.MirrorWorkingState(ctx, scope, result.DownstreamChild.FlowID, result.DownstreamChild.WorkingState); mErr != nil {
			t.logger.WarnContext(ctx, "flow: downstream working-state mirror write failed",
				"flow_id", result.DownstreamChild.FlowID,
				"error", mErr)
		}
	}
	return result, nil
}

func (t *Transitioner) transition(ctx context.Context, scope models.TenantScope, upstreamFlowID, downstreamType string, opts TransitionOptions) (*TransitionResult, error) {
	downstreamFT, err := t.registry.Get(downstreamType)
	if err != nil {
		return nil, err
	}
	actor := opts.Actor
	if actor == "" {
		actor = "system"
	}

	var result *TransitionResult
	err = t.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// Step 1: load the upstream pair, tenant-scoped and locked.
		upMaster, err := t.store.GetMasterFlowForUpdate(ctx, tx, scope, upstreamFlowID)
		if err != nil {
			return err
		}
		upChild, err := t.store.GetChildFlowForUpdate(ctx, tx, scope, upstreamFlowID)
		if err != nil {
			return err
		}
		if upMaster.DownstreamFlowID != nil {
			return fferr.InvalidStatef(
				"flow: flow %q already transitioned to %q",
				upstreamFlowID, *upMaster.DownstreamFlowID).
				WithDetail("downstream_flow_id", *upMaster.DownstreamFlowID)
		}

		// Step 2: ensure upstream derived data is materialized. Only
		// missing keys are added, so re-running after a crash is safe.
		if err := t.materialize(ctx, tx, upMaster, upChild); err != nil {
			return err
		}

		// Step 3: readiness gate.
		var assessment models.ReadinessResult
		var warnings []string
		if opts.SkipReadinessCheck {
			warnings = append(warnings, "readiness check skipped by request")
		} else {
			assessment, err = t.assess(ctx, upMaster, upChild)
			if err != nil {
				return err
			}
			if !assessment.IsReady {
				if !opts.Force {
					return fferr.ReadinessNotMet(assessment.MissingRequirements)
				}
				warnings = append(warnings, fmt.Sprintf(
					"transition forced past unmet readiness requirements: %v",
					assessment.MissingRequirements))
			}
		}

		// Step 4: create the downstream pair referencing the upstream.
		downMaster, downChild, err := models.NewFlowPair(downstreamFT, scope, opts.Config)
		if err != nil {
			return fferr.Wrap(err, fferr.CodeValidation,
				"flow: invalid downstream flow input")
		}
		downMaster.UpstreamFlowID = &upMaster.FlowID

		// Step 5: versioned snapshot of upstream artifacts.
		now := t.now()
		snapshot, err := t.buildSnapshot(upMaster, upChild, opts.Subset, now)
		if err != nil {
			return err
		}
		downChild.WorkingState[models.WorkingStateUpstreamSnapshot] = snapshot

		if err := t.store.InsertMasterFlow(ctx, tx, downMaster); err != nil {
			return err
		}
		if err := t.store.InsertChildFlow(ctx, tx, downChild); err != nil {
			return err
		}

		// Steps 6 and 7: upstream back-reference, transition timestamp,
		// and orchestration metadata sync.
		upMaster.DownstreamFlowID = &downMaster.FlowID
		upMaster.TransitionedAt = &now
		upMaster.UpdatedAt = now
		if upMaster.PhaseMetadata == nil {
			upMaster.PhaseMetadata = make(map[string]any)
		}
		upMaster.PhaseMetadata["transition"] = map[string]any{
			"downstream_flow_id":   downMaster.FlowID,
			"downstream_flow_type": downstreamType,
			"transitioned_at":      now.Format(time.RFC3339),
		}
		if err := t.store.UpdateMasterFlow(ctx, tx, upMaster); err != nil {
			return err
		}

		// Step 8: immutable audit entry, warnings attached.
		entry, err := models.NewTransitionAuditEntry(upMaster.FlowID, downMaster.FlowID, scope, actor, warnings)
		if err != nil {
			return fferr.Wrap(err, fferr.CodeInternal,
				"flow: failed to build transition audit entry")
		}
		if err := t.store.InsertTransitionAudit(ctx, tx, entry); err != nil {
			return err
		}

		result = &TransitionResult{
			Upstream:        upMaster,
			Downstream:      downMaster,
			DownstreamChild: downChild,
			Readiness:       assessment,
			Warnings:        warnings,
			AuditEntryID:    entry.ID,
		}
		// Step 9: the transaction commit.
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// materialize runs the materializer and merges only the missing keys
// into the upstream working state, persisting the child when anything
// was added.
func (t *Transitioner) materialize(ctx context.Context, tx pgx.Tx, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error {
	if t.materializer == nil {
		return nil
	}
	derived, err := t.materializer.Materialize(ctx, master, child)
	if err != nil {
		return fferr.Wrap(err, fferr.CodeInternal,
			"flow: failed to materialize upstream derived data")
	}

	if child.WorkingState == nil {
		child.WorkingState = make(map[string]any)
	}
	added := false
	for k, v := range derived {
		if _, present := child.WorkingState[k]; !present {
			child.WorkingState[k] = v
			added = true
		}
	}
	if !added {
		return nil
	}
	child.UpdatedAt = t.now()
	return t.store.UpdateChildFlow(ctx, tx, child)
}

// assess gathers metrics and runs the readiness engine.
func (t *Transitioner) assess(ctx context.Context, master *models.MasterFlowRecord, child *models.ChildFlowRecord) (models.ReadinessResult, error) {
	if t.metrics == nil {
		return models.ReadinessResult{}, fferr.Validation(
			"flow: no metrics source configured; set one or skip the readiness check")
	}
	inputs, err := t.metrics.Gather(ctx, master, child)
	if err != nil {
		return models.ReadinessResult{}, fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"flow: failed to gather readiness metrics")
	}
	return t.engine.Assess(ctx, inputs)
}

// buildSnapshot deep-copies the selected upstream artifacts into a
// versioned snapshot document.
func (t *Transitioner) buildSnapshot(master *models.MasterFlowRecord, child *models.ChildFlowRecord, subset []string, now time.Time) (map[string]any, error) {
	source := child.WorkingState
	if len(subset) > 0 {
		selected := make(map[string]any, len(subset))
		for _, key := range subset {
			if v, ok := source[key]; ok {
				selected[key] = v
			}
		}
		source = selected
	}

	artifacts, err := deepCopyDoc(source)
	if err != nil {
		return nil, fferr.Wrap(err, fferr.CodeInternal,
			"flow: failed to snapshot upstream working state")
	}

	return map[string]any{
		snapshotKeyVersion:    snapshotVersion,
		snapshotKeySourceFlow: master.FlowID,
		snapshotKeyCapturedAt: now.Format(time.RFC3339),
		snapshotKeyArtifacts:  artifacts,
	}, nil
}

// TransferReport is the result of a read-only transfer verification.
type TransferReport struct {
	// FlowID is the downstream flow that was verified.
	FlowID string `json:"flow_id"`

	// Valid reports whether every invariant held.
	Valid bool `json:"valid"`

	// Violations lists each violated invariant in check order.
	Violations []string `json:"violations,omitempty"`
}

// VerifyTransfer independently checks a completed handoff: the
// downstream flow references an upstream that references it back, the
// transition timestamp is set, and the snapshot is present, versioned,
// and names the right source flow. The check is read-only and returns a
// structured report rather than failing on the first violation.
func (t *Transitioner) VerifyTransfer(ctx context.Context, scope models.TenantScope, downstreamFlowID string) (*TransferReport, error) {
	ctx, span := t.tracer.Start(ctx, "flow.VerifyTransfer",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("flow.id", downstreamFlowID))

	report, err := t.verifyTransfer(ctx, scope, downstreamFlowID)
	finishSpan(span, err)
	return report, err
}

func (t *Transitioner) verifyTransfer(ctx context.Context, scope models.TenantScope, downstreamFlowID string) (*TransferReport, error) {
	downMaster, err := t.store.GetMasterFlow(ctx, nil, scope, downstreamFlowID)
	if err != nil {
		return nil, err
	}
	downChild, err := t.store.GetChildFlow(ctx, nil, scope, downstreamFlowID)
	if err != nil {
		return nil, err
	}

	report := &TransferReport{FlowID: downstreamFlowID}
	addViolation := func(format string, args ...any) {
		report.Violations = append(report.Violations, fmt.Sprintf(format, args...))
	}

	if downMaster.UpstreamFlowID == nil {
		addViolation("downstream flow has no upstream reference")
	} else {
		upMaster, err := t.store.GetMasterFlow(ctx, nil, scope, *downMaster.UpstreamFlowID)
		switch {
		case fferr.IsNotFound(err):
			addViolation("upstream flow %q not found", *downMaster.UpstreamFlowID)
		case err != nil:
			return nil, err
		default:
			if upMaster.DownstreamFlowID == nil || *upMaster.DownstreamFlowID != downstreamFlowID {
				addViolation("upstream flow %q does not reference downstream %q back",
					upMaster.FlowID, downstreamFlowID)
			}
			if upMaster.TransitionedAt == nil {
				addViolation("upstream flow %q has no transition timestamp", upMaster.FlowID)
			}
		}
	}

	t.verifySnapshot(downMaster, downChild, addViolation)

	report.Valid = len(report.Violations) == 0
	return report, nil
}

// verifySnapshot checks the snapshot document's internal consistency.
func (t *Transitioner) verifySnapshot(downMaster *models.MasterFlowRecord, downChild *models.ChildFlowRecord, addViolation func(string, ...any)) {
	raw, ok := downChild.WorkingState[models.WorkingStateUpstreamSnapshot]
	if !ok {
		addViolation("downstream working state has no upstream snapshot")
		return
	}
	snapshot, ok := raw.(map[string]any)
	if !ok {
		addViolation("upstream snapshot has unexpected type %T", raw)
		return
	}

	if _, ok := snapshot[snapshotKeyVersion]; !ok {
		addViolation("upstream snapshot has no version")
	}
	sourceID, _ := snapshot[snapshotKeySourceFlow].(string)
	if sourceID == "" {
		addViolation("upstream snapshot names no source flow")
	} else if downMaster.UpstreamFlowID != nil && sourceID != *downMaster.UpstreamFlowID {
		addViolation("upstream snapshot source %q does not match upstream reference %q",
			sourceID, *downMaster.UpstreamFlowID)
	}
	artifacts, ok := snapshot[snapshotKeyArtifacts].(map[string]any)
	if !ok || len(artifacts) == 0 {
		addViolation("upstream snapshot carries no artifacts")
	}
}
