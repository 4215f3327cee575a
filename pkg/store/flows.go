package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// masterFlowColumns is the column list shared by every master flow
// query, in scan order.
const masterFlowColumns = `flow_id, flow_type, account_id, engagement_id, business_key,
	status, current_phase, phase_metadata, upstream_flow_id, downstream_flow_id,
	transitioned_at, created_at, updated_at`

// childFlowColumns is the column list shared by every child flow query,
// in scan order.
const childFlowColumns = `flow_id, account_id, engagement_id, operational_status,
	phases, working_state, config, created_at, updated_at`

// InsertMasterFlow inserts a master flow record. Pass the creating
// transaction as q so the paired child insert shares it; a nil q runs
// against the pool.
//
// A business key collision with a live flow of the same type and scope
// surfaces as [fferr.CodeConflict].
func (s *Store) InsertMasterFlow(ctx context.Context, q Querier, m *models.MasterFlowRecord) error {
	if err := m.Validate(); err != nil {
		return fferr.Wrap(err, fferr.CodeValidation, "store: invalid master flow record")
	}

	sql := `INSERT INTO master_flows (` + masterFlowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	ctx, span := s.startSpan(ctx, "InsertMasterFlow", sql)

	metadata, err := marshalDoc(m.PhaseMetadata)
	if err != nil {
		finishSpan(span, err)
		return fferr.Wrap(err, fferr.CodeInternal, "store: failed to encode phase metadata")
	}

	_, err = s.db(q).Exec(ctx, sql,
		m.FlowID, m.FlowType, m.Scope.AccountID, m.Scope.EngagementID,
		nullString(m.BusinessKey), string(m.Status), m.CurrentPhase, metadata,
		m.UpstreamFlowID, m.DownstreamFlowID, m.TransitionedAt,
		m.CreatedAt, m.UpdatedAt,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to insert master flow")
	}
	return nil
}

// InsertChildFlow inserts a child flow record inside the same
// transaction that inserted its master.
func (s *Store) InsertChildFlow(ctx context.Context, q Querier, c *models.ChildFlowRecord) error {
	if err := c.Validate(); err != nil {
		return fferr.Wrap(err, fferr.CodeValidation, "store: invalid child flow record")
	}

	sql := `INSERT INTO child_flows (` + childFlowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	ctx, span := s.startSpan(ctx, "InsertChildFlow", sql)

	phases, workingState, config, err := marshalChildDocs(c)
	if err != nil {
		finishSpan(span, err)
		return err
	}

	_, err = s.db(q).Exec(ctx, sql,
		c.FlowID, c.Scope.AccountID, c.Scope.EngagementID,
		string(c.OperationalStatus), phases, workingState, config,
		c.CreatedAt, c.UpdatedAt,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to insert child flow")
	}
	return nil
}

// GetMasterFlow loads a master flow record within the tenant scope.
// Returns [fferr.CodeNotFoundFlow] when the flow does not exist or
// belongs to another scope; the two are indistinguishable.
func (s *Store) GetMasterFlow(ctx context.Context, q Querier, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error) {
	return s.getMasterFlow(ctx, q, scope, flowID, false)
}

// GetMasterFlowForUpdate loads a master flow record with a row lock,
// serializing concurrent transactions that mutate the same flow. Must be
// called inside a transaction.
func (s *Store) GetMasterFlowForUpdate(ctx context.Context, tx pgx.Tx, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error) {
	return s.getMasterFlow(ctx, tx, scope, flowID, true)
}

func (s *Store) getMasterFlow(ctx context.Context, q Querier, scope models.TenantScope, flowID string, lock bool) (*models.MasterFlowRecord, error) {
	sql := `SELECT ` + masterFlowColumns + ` FROM master_flows
		WHERE flow_id = $1 AND account_id = $2 AND engagement_id = $3`
	if lock {
		sql += ` FOR UPDATE`
	}
	ctx, span := s.startSpan(ctx, "GetMasterFlow", sql)
	defer span.End()

	row := s.db(q).QueryRow(ctx, sql, flowID, scope.AccountID, scope.EngagementID)
	m, err := scanMasterFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fferr.FlowNotFound(flowID)
		}
		return nil, wrapError(err, "store: failed to load master flow")
	}
	return m, nil
}

// GetMasterFlowByBusinessKey loads the live (non-terminal) master flow
// holding the given business key for a tenant scope and flow type.
// Returns [fferr.CodeNotFound] when no live flow holds the key.
func (s *Store) GetMasterFlowByBusinessKey(ctx context.Context, q Querier, scope models.TenantScope, flowType, businessKey string) (*models.MasterFlowRecord, error) {
	sql := `SELECT ` + masterFlowColumns + ` FROM master_flows
		WHERE account_id = $1 AND engagement_id = $2 AND flow_type = $3
		  AND business_key = $4
		  AND status NOT IN ('completed', 'failed', 'cancelled')`
	ctx, span := s.startSpan(ctx, "GetMasterFlowByBusinessKey", sql)
	defer span.End()

	row := s.db(q).QueryRow(ctx, sql,
		scope.AccountID, scope.EngagementID, flowType, businessKey)
	m, err := scanMasterFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fferr.NotFoundf(
				"no active flow of type %q holds business key %q", flowType, businessKey)
		}
		return nil, wrapError(err, "store: failed to load master flow by business key")
	}
	return m, nil
}

// ListFilter narrows a [Store.ListMasterFlows] query. Zero-valued fields
// do not filter.
type ListFilter struct {
	// FlowType restricts results to one flow type.
	FlowType string

	// Status restricts results to one lifecycle status.
	Status models.FlowStatus

	// Limit caps the number of results. Zero means no cap.
	Limit int

	// Offset skips the first N results for pagination.
	Offset int
}

// ListMasterFlows lists a tenant scope's master flows, newest first.
func (s *Store) ListMasterFlows(ctx context.Context, scope models.TenantScope, filter ListFilter) ([]*models.MasterFlowRecord, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + masterFlowColumns + ` FROM master_flows
		WHERE account_id = $1 AND engagement_id = $2`)
	args := []any{scope.AccountID, scope.EngagementID}

	if filter.FlowType != "" {
		args = append(args, filter.FlowType)
		fmt.Fprintf(&b, " AND flow_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&b, " AND status = $%d", len(args))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	sql := b.String()

	ctx, span := s.startSpan(ctx, "ListMasterFlows", sql)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "store: failed to list master flows")
	}
	defer rows.Close()

	var flows []*models.MasterFlowRecord
	for rows.Next() {
		m, err := scanMasterFlow(rows)
		if err != nil {
			finishSpan(span, err)
			return nil, wrapError(err, "store: failed to scan master flow")
		}
		flows = append(flows, m)
	}
	if err := rows.Err(); err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "store: failed to iterate master flows")
	}
	finishSpan(span, nil)
	return flows, nil
}

// UpdateMasterFlow persists the mutable columns of a master flow record,
// scoped to its tenant. Returns [fferr.CodeNotFoundFlow] when no row
// matched.
func (s *Store) UpdateMasterFlow(ctx context.Context, q Querier, m *models.MasterFlowRecord) error {
	if err := m.Validate(); err != nil {
		return fferr.Wrap(err, fferr.CodeValidation, "store: invalid master flow record")
	}

	sql := `UPDATE master_flows SET
			status = $1, current_phase = $2, phase_metadata = $3,
			upstream_flow_id = $4, downstream_flow_id = $5,
			transitioned_at = $6, updated_at = $7
		WHERE flow_id = $8 AND account_id = $9 AND engagement_id = $10`
	ctx, span := s.startSpan(ctx, "UpdateMasterFlow", sql)

	metadata, err := marshalDoc(m.PhaseMetadata)
	if err != nil {
		finishSpan(span, err)
		return fferr.Wrap(err, fferr.CodeInternal, "store: failed to encode phase metadata")
	}

	tag, err := s.db(q).Exec(ctx, sql,
		string(m.Status), m.CurrentPhase, metadata,
		m.UpstreamFlowID, m.DownstreamFlowID, m.TransitionedAt, m.UpdatedAt,
		m.FlowID, m.Scope.AccountID, m.Scope.EngagementID,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to update master flow")
	}
	if tag.RowsAffected() == 0 {
		return fferr.FlowNotFound(m.FlowID)
	}
	return nil
}

// GetChildFlow loads a child flow record within the tenant scope.
func (s *Store) GetChildFlow(ctx context.Context, q Querier, scope models.TenantScope, flowID string) (*models.ChildFlowRecord, error) {
	return s.getChildFlow(ctx, q, scope, flowID, false)
}

// GetChildFlowForUpdate loads a child flow record with a row lock. Must
// be called inside a transaction.
func (s *Store) GetChildFlowForUpdate(ctx context.Context, tx pgx.Tx, scope models.TenantScope, flowID string) (*models.ChildFlowRecord, error) {
	return s.getChildFlow(ctx, tx, scope, flowID, true)
}

func (s *Store) getChildFlow(ctx context.Context, q Querier, scope models.TenantScope, flowID string, lock bool) (*models.ChildFlowRecord, error) {
	sql := `SELECT ` + childFlowColumns + ` FROM child_flows
		WHERE flow_id = $1 AND account_id = $2 AND engagement_id = $3`
	if lock {
		sql += ` FOR UPDATE`
	}
	ctx, span := s.startSpan(ctx, "GetChildFlow", sql)
	defer span.End()

	row := s.db(q).QueryRow(ctx, sql, flowID, scope.AccountID, scope.EngagementID)
	c, err := scanChildFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fferr.FlowNotFound(flowID)
		}
		return nil, wrapError(err, "store: failed to load child flow")
	}
	return c, nil
}

// UpdateChildFlow persists the mutable columns of a child flow record,
// scoped to its tenant.
func (s *Store) UpdateChildFlow(ctx context.Context, q Querier, c *models.ChildFlowRecord) error {
	if err := c.Validate(); err != nil {
		return fferr.Wrap(err, fferr.CodeValidation, "store: invalid child flow record")
	}

	sql := `UPDATE child_flows SET
			operational_status = $1, phases = $2, working_state = $3,
			config = $4, updated_at = $5
		WHERE flow_id = $6 AND account_id = $7 AND engagement_id = $8`
	ctx, span := s.startSpan(ctx, "UpdateChildFlow", sql)

	phases, workingState, config, err := marshalChildDocs(c)
	if err != nil {
		finishSpan(span, err)
		return err
	}

	tag, err := s.db(q).Exec(ctx, sql,
		string(c.OperationalStatus), phases, workingState, config, c.UpdatedAt,
		c.FlowID, c.Scope.AccountID, c.Scope.EngagementID,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to update child flow")
	}
	if tag.RowsAffected() == 0 {
		return fferr.FlowNotFound(c.FlowID)
	}
	return nil
}

// scanMasterFlow scans one master flow row in [masterFlowColumns] order.
func scanMasterFlow(row pgx.Row) (*models.MasterFlowRecord, error) {
	var (
		m           models.MasterFlowRecord
		businessKey *string
		status      string
		metadata    []byte
	)
	err := row.Scan(
		&m.FlowID, &m.FlowType, &m.Scope.AccountID, &m.Scope.EngagementID,
		&businessKey, &status, &m.CurrentPhase, &metadata,
		&m.UpstreamFlowID, &m.DownstreamFlowID, &m.TransitionedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if businessKey != nil {
		m.BusinessKey = *businessKey
	}
	m.Status = models.FlowStatus(status)
	if err := unmarshalDoc(metadata, &m.PhaseMetadata); err != nil {
		return nil, fmt.Errorf("store: failed to decode phase metadata: %w", err)
	}
	normalizeTimes(&m.CreatedAt, &m.UpdatedAt)
	if m.TransitionedAt != nil {
		normalizeTimes(m.TransitionedAt)
	}
	return &m, nil
}

// scanChildFlow scans one child flow row in [childFlowColumns] order.
func scanChildFlow(row pgx.Row) (*models.ChildFlowRecord, error) {
	var (
		c            models.ChildFlowRecord
		status       string
		phases       []byte
		workingState []byte
		config       []byte
	)
	err := row.Scan(
		&c.FlowID, &c.Scope.AccountID, &c.Scope.EngagementID,
		&status, &phases, &workingState, &config,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.OperationalStatus = models.OperationalStatus(status)
	if err := json.Unmarshal(phases, &c.Phases); err != nil {
		return nil, fmt.Errorf("store: failed to decode child phases: %w", err)
	}
	if err := unmarshalDoc(workingState, &c.WorkingState); err != nil {
		return nil, fmt.Errorf("store: failed to decode working state: %w", err)
	}
	if err := unmarshalDoc(config, &c.Config); err != nil {
		return nil, fmt.Errorf("store: failed to decode config: %w", err)
	}
	normalizeTimes(&c.CreatedAt, &c.UpdatedAt)
	return &c, nil
}

// marshalChildDocs encodes the child record's three JSONB documents.
func marshalChildDocs(c *models.ChildFlowRecord) (phases, workingState, config []byte, err error) {
	phases, err = json.Marshal(c.Phases)
	if err != nil {
		return nil, nil, nil, fferr.Wrap(err, fferr.CodeInternal,
			"store: failed to encode child phases")
	}
	workingState, err = marshalDoc(c.WorkingState)
	if err != nil {
		return nil, nil, nil, fferr.Wrap(err, fferr.CodeInternal,
			"store: failed to encode working state")
	}
	config, err = marshalDoc(c.Config)
	if err != nil {
		return nil, nil, nil, fferr.Wrap(err, fferr.CodeInternal,
			"store: failed to encode config")
	}
	return phases, workingState, config, nil
}

// marshalDoc encodes a document map as JSONB, normalizing nil to "{}".
func marshalDoc(doc map[string]any) ([]byte, error) {
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// unmarshalDoc decodes a JSONB document, normalizing NULL and empty
// input to an empty map.
func unmarshalDoc(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = make(map[string]any)
		return nil
	}
	return json.Unmarshal(data, dst)
}

// nullString maps an empty string to NULL for optional text columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// normalizeTimes converts scanned timestamps to UTC in place.
func normalizeTimes(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}
