package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
	"github.com/FlowForge/flowforge-core/pkg/store"
)

// Manager creates flows and advances them through their phases. It is
// safe for concurrent use by multiple goroutines; concurrency control
// for a single flow comes from row locks inside each transaction.
type Manager struct {
	store    Store
	registry *Registry
	mirror   WorkingStateMirror
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMirror attaches the working-state mirror. Without it, mirroring
// is skipped entirely.
func WithMirror(m WorkingStateMirror) ManagerOption {
	return func(mgr *Manager) {
		mgr.mirror = m
	}
}

// WithLogger sets a custom [*slog.Logger]. If not set, [slog.Default]
// is used.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(mgr *Manager) {
		mgr.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// NewManager creates a Manager over the given store and flow type
// registry.
func NewManager(st Store, registry *Registry, opts ...ManagerOption) (*Manager, error) {
	if st == nil {
		return nil, fferr.Validation("flow: manager requires a store")
	}
	if registry == nil {
		return nil, fferr.Validation("flow: manager requires a flow type registry")
	}
	m := &Manager{
		store:    st,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Registry returns the manager's flow type registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateFlow atomically creates the master and child record pair for a
// new flow of the named type: master initialized at the first phase,
// child with every phase pending. Failure of either insert rolls back
// both.
//
// Error codes returned:
//   - [fferr.CodeValidation]: unknown flow type or invalid scope
//   - [fferr.CodeConflict]: business key already held by an active flow
func (m *Manager) CreateFlow(ctx context.Context, ft string, scope models.TenantScope, config map[string]any) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "CreateFlow", scope, "")
	master, child, err := m.createFlow(ctx, ft, scope, "", config)
	finishSpan(span, err)
	return master, child, err
}

// CreateOrGetFlow creates a flow keyed by a caller-supplied business
// identity, returning the existing flow when an active one already
// carries the key. The returned bool reports whether a new flow was
// created.
//
// The business key is distinct from the generic idempotency key: it
// expresses "one active flow per business entity", scoped to the tenant
// and flow type, and is enforced by a partial unique index in the
// store. A lost creation race falls back to loading the winner.
func (m *Manager) CreateOrGetFlow(ctx context.Context, ft string, scope models.TenantScope, businessKey string, config map[string]any) (*models.MasterFlowRecord, *models.ChildFlowRecord, bool, error) {
	ctx, span := m.startSpan(ctx, "CreateOrGetFlow", scope, "")
	master, child, created, err := m.createOrGetFlow(ctx, ft, scope, businessKey, config)
	finishSpan(span, err)
	return master, child, created, err
}

func (m *Manager) createOrGetFlow(ctx context.Context, ft string, scope models.TenantScope, businessKey string, config map[string]any) (*models.MasterFlowRecord, *models.ChildFlowRecord, bool, error) {
	if businessKey == "" {
		return nil, nil, false, fferr.Validation("flow: business key is required")
	}

	existing, err := m.store.GetMasterFlowByBusinessKey(ctx, nil, scope, ft, businessKey)
	if err == nil {
		child, err := m.store.GetChildFlow(ctx, nil, scope, existing.FlowID)
		if err != nil {
			return nil, nil, false, err
		}
		return existing, child, false, nil
	}
	if !fferr.IsNotFound(err) {
		return nil, nil, false, err
	}

	master, child, err := m.createFlow(ctx, ft, scope, businessKey, config)
	if fferr.IsConflict(err) {
		// Lost the creation race; the winner's flow is the flow.
		winner, getErr := m.store.GetMasterFlowByBusinessKey(ctx, nil, scope, ft, businessKey)
		if getErr != nil {
			return nil, nil, false, err
		}
		winnerChild, getErr := m.store.GetChildFlow(ctx, nil, scope, winner.FlowID)
		if getErr != nil {
			return nil, nil, false, getErr
		}
		return winner, winnerChild, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return master, child, true, nil
}

func (m *Manager) createFlow(ctx context.Context, ft string, scope models.TenantScope, businessKey string, config map[string]any) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	flowType, err := m.registry.Get(ft)
	if err != nil {
		return nil, nil, err
	}

	master, child, err := models.NewFlowPair(flowType, scope, config)
	if err != nil {
		return nil, nil, fferr.Wrap(err, fferr.CodeValidation,
			"flow: invalid flow creation input")
	}
	master.BusinessKey = businessKey

	err = m.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := m.store.InsertMasterFlow(ctx, tx, master); err != nil {
			return err
		}
		return m.store.InsertChildFlow(ctx, tx, child)
	})
	if err != nil {
		return nil, nil, err
	}

	m.mirrorWorkingState(ctx, child)
	return master, child, nil
}

// GetFlow loads a master record within the tenant scope. A flow outside
// the scope is indistinguishable from an absent one.
func (m *Manager) GetFlow(ctx context.Context, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "GetFlow", scope, flowID)
	master, err := m.store.GetMasterFlow(ctx, nil, scope, flowID)
	finishSpan(span, err)
	return master, err
}

// GetChild loads a child record within the tenant scope.
func (m *Manager) GetChild(ctx context.Context, scope models.TenantScope, flowID string) (*models.ChildFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "GetChild", scope, flowID)
	child, err := m.store.GetChildFlow(ctx, nil, scope, flowID)
	finishSpan(span, err)
	return child, err
}

// ListFlows lists master records within the tenant scope, newest first.
func (m *Manager) ListFlows(ctx context.Context, scope models.TenantScope, filter store.ListFilter) ([]*models.MasterFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "ListFlows", scope, "")
	flows, err := m.store.ListMasterFlows(ctx, scope, filter)
	finishSpan(span, err)
	return flows, err
}

// mirrorWorkingState pushes a child's working state to the mirror after
// the owning transaction committed. Failures are logged, never raised;
// the mirror is an accelerator, not a source of truth.
func (m *Manager) mirrorWorkingState(ctx context.Context, child *models.ChildFlowRecord) {
	if m.mirror == nil || child == nil {
		return
	}
	if err := m.mirror.MirrorWorkingState(ctx, child.Scope, child.FlowID, child.WorkingState); err != nil {
		m.logger.WarnContext(ctx, "flow: working-state mirror write failed",
			"flow_id", child.FlowID,
			"error", err)
	}
}

// startSpan creates an OpenTelemetry span for a flow-core operation.
func (m *Manager) startSpan(ctx context.Context, operationName string, scope models.TenantScope, flowID string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "flow."+operationName,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	attrs := []attribute.KeyValue{
		attribute.String("flow.account_id", scope.AccountID),
		attribute.String("flow.engagement_id", scope.EngagementID),
	}
	if flowID != "" {
		attrs = append(attrs, attribute.String("flow.id", flowID))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// finishSpan records an error on the span (if any) and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
