// Package flow implements the orchestration core: flow creation and
// phase advancement, stage-crossing transitions gated on readiness, and
// audited cascading deletion.
//
// # Components
//
//   - [Manager] creates flows, advances phases, synchronizes the master
//     and child records, and handles pause/resume.
//   - [Transitioner] creates a downstream flow from an upstream one,
//     copying a versioned snapshot of the upstream artifacts.
//   - [Cleaner] performs cascading, audited deletion tolerant of
//     auxiliary subsystem failure.
//
// # Consistency
//
// Every multi-record state change (flow creation, phase update with
// master sync, transition, deletion) executes inside one database
// transaction; no reader observes master and child in an inconsistent
// intermediate state. The Redis working-state mirror is written only
// after the owning transaction commits, and mirror failures degrade to
// warnings.
//
// # Tenancy
//
// Every read and write is filtered by the two-level tenant scope. A
// lookup outside the caller's scope returns a not-found error
// indistinguishable from true absence.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/FlowForge/flowforge-core/pkg/archive"
	"github.com/FlowForge/flowforge-core/pkg/cache"
	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
	"github.com/FlowForge/flowforge-core/pkg/store"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package, following the Go module path convention.
const tracerName = "github.com/FlowForge/flowforge-core/pkg/flow"

// Store defines the persistence surface the flow core uses. It is
// satisfied by [*store.Store] and by fake implementations, enabling
// dependency injection for testing without a database.
type Store interface {
	// WithTx runs fn inside a transaction, committing on nil and rolling
	// back on error.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error

	// InsertMasterFlow inserts a master record.
	InsertMasterFlow(ctx context.Context, q store.Querier, m *models.MasterFlowRecord) error

	// InsertChildFlow inserts a child record.
	InsertChildFlow(ctx context.Context, q store.Querier, c *models.ChildFlowRecord) error

	// GetMasterFlow loads a master record within the tenant scope.
	GetMasterFlow(ctx context.Context, q store.Querier, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error)

	// GetMasterFlowForUpdate loads a master record with a row lock.
	GetMasterFlowForUpdate(ctx context.Context, tx pgx.Tx, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error)

	// GetMasterFlowByBusinessKey loads the active master record carrying
	// the business key, if any.
	GetMasterFlowByBusinessKey(ctx context.Context, q store.Querier, scope models.TenantScope, flowType, businessKey string) (*models.MasterFlowRecord, error)

	// ListMasterFlows lists master records within the tenant scope.
	ListMasterFlows(ctx context.Context, scope models.TenantScope, filter store.ListFilter) ([]*models.MasterFlowRecord, error)

	// UpdateMasterFlow persists changes to a master record.
	UpdateMasterFlow(ctx context.Context, q store.Querier, m *models.MasterFlowRecord) error

	// GetChildFlow loads a child record within the tenant scope.
	GetChildFlow(ctx context.Context, q store.Querier, scope models.TenantScope, flowID string) (*models.ChildFlowRecord, error)

	// GetChildFlowForUpdate loads a child record with a row lock.
	GetChildFlowForUpdate(ctx context.Context, tx pgx.Tx, scope models.TenantScope, flowID string) (*models.ChildFlowRecord, error)

	// UpdateChildFlow persists changes to a child record.
	UpdateChildFlow(ctx context.Context, q store.Querier, c *models.ChildFlowRecord) error

	// InsertTransitionAudit appends a transition audit entry.
	InsertTransitionAudit(ctx context.Context, q store.Querier, entry *models.TransitionAuditEntry) error

	// ListTransitionAudits lists audit entries referencing the flow.
	ListTransitionAudits(ctx context.Context, scope models.TenantScope, flowID string) ([]*models.TransitionAuditEntry, error)

	// DeleteFlowCascade deletes a flow's records in dependency order and
	// clears dangling back-references, returning per-category counts.
	DeleteFlowCascade(ctx context.Context, q store.Querier, scope models.TenantScope, flowID string) (store.CascadeCounts, error)
}

// Compile-time interface compliance check.
var _ Store = (*store.Store)(nil)

// WorkingStateMirror is the auxiliary, non-transactional working-state
// accelerator. Mirror failures never abort the owning operation; they
// are logged and, where a caller-visible summary exists, surfaced as
// warnings.
type WorkingStateMirror interface {
	// MirrorWorkingState writes a flow's working-state document.
	MirrorWorkingState(ctx context.Context, scope models.TenantScope, flowID string, workingState map[string]any) error

	// PurgeFlow removes a flow's mirror entry, returning the number of
	// keys removed.
	PurgeFlow(ctx context.Context, scope models.TenantScope, flowID string) (int64, error)
}

// Compile-time interface compliance check.
var _ WorkingStateMirror = (*cache.Mirror)(nil)

// SnapshotArchiver persists a flow's final state to object storage
// before deletion.
type SnapshotArchiver interface {
	// ArchiveFlow writes a flow snapshot, returning the object key.
	ArchiveFlow(ctx context.Context, snapshot *archive.Snapshot) (string, error)
}

// Compile-time interface compliance check.
var _ SnapshotArchiver = (*archive.Archiver)(nil)

// Registry holds the registered flow types. Phase sequences are fixed
// per flow type at registration time, never reprogrammed at runtime, so
// the registry is immutable after construction and safe for concurrent
// use.
type Registry struct {
	types map[string]models.FlowType
}

// NewRegistry builds a Registry from the given flow types. Returns a
// validation error on an invalid or duplicate definition.
func NewRegistry(types ...models.FlowType) (*Registry, error) {
	r := &Registry{types: make(map[string]models.FlowType, len(types))}
	for _, ft := range types {
		if err := ft.Validate(); err != nil {
			return nil, fferr.Wrap(err, fferr.CodeValidation,
				"flow: invalid flow type definition")
		}
		if _, dup := r.types[ft.Name]; dup {
			return nil, fferr.Validationf("flow: flow type %q registered twice", ft.Name)
		}
		r.types[ft.Name] = ft
	}
	return r, nil
}

// Get returns the named flow type. Returns a validation error for an
// unregistered name; callers supply the name, so an unknown type is
// caller input, not system corruption.
func (r *Registry) Get(name string) (models.FlowType, error) {
	ft, ok := r.types[name]
	if !ok {
		return models.FlowType{}, fferr.Validationf("flow: unknown flow type %q", name)
	}
	return ft, nil
}

// Names returns the registered flow type names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// typeFor resolves the flow type backing an existing master record. An
// unregistered type on a persisted record is system misconfiguration,
// not caller input, so it maps to an internal error.
func (r *Registry) typeFor(m *models.MasterFlowRecord) (models.FlowType, error) {
	ft, ok := r.types[m.FlowType]
	if !ok {
		return models.FlowType{}, fferr.Internalf(
			"flow: flow %q has unregistered flow type %q", m.FlowID, m.FlowType)
	}
	return ft, nil
}

// deepCopyDoc copies a working-state document through a JSON round
// trip. The copy shares no references with the source, so later source
// mutation cannot change the copy.
func deepCopyDoc(doc map[string]any) (map[string]any, error) {
	if len(doc) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("flow: failed to encode document: %w", err)
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("flow: failed to decode document: %w", err)
	}
	return copied, nil
}
