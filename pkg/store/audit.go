package store

import (
	"context"

	"github.com/FlowForge/flowforge-core/pkg/models"
)

// auditColumns is the column list shared by every transition audit
// query, in scan order.
const auditColumns = `id, upstream_flow_id, downstream_flow_id,
	account_id, engagement_id, actor, warnings, created_at`

// InsertTransitionAudit appends a transition audit entry. Pass the
// transition's transaction as q so the entry commits or rolls back with
// the transition itself.
func (s *Store) InsertTransitionAudit(ctx context.Context, q Querier, entry *models.TransitionAuditEntry) error {
	sql := `INSERT INTO transition_audit (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	ctx, span := s.startSpan(ctx, "InsertTransitionAudit", sql)

	warnings := entry.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	_, err := s.db(q).Exec(ctx, sql,
		entry.ID, entry.UpstreamFlowID, entry.DownstreamFlowID,
		entry.Scope.AccountID, entry.Scope.EngagementID,
		entry.Actor, warnings, entry.CreatedAt,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to insert transition audit entry")
	}
	return nil
}

// ListTransitionAudits lists the audit entries referencing flowID as
// either side of a handoff, oldest first, within the tenant scope.
func (s *Store) ListTransitionAudits(ctx context.Context, scope models.TenantScope, flowID string) ([]*models.TransitionAuditEntry, error) {
	sql := `SELECT ` + auditColumns + ` FROM transition_audit
		WHERE account_id = $1 AND engagement_id = $2
		  AND (upstream_flow_id = $3 OR downstream_flow_id = $3)
		ORDER BY created_at ASC`
	ctx, span := s.startSpan(ctx, "ListTransitionAudits", sql)

	rows, err := s.pool.Query(ctx, sql, scope.AccountID, scope.EngagementID, flowID)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "store: failed to list transition audit entries")
	}
	defer rows.Close()

	var entries []*models.TransitionAuditEntry
	for rows.Next() {
		var entry models.TransitionAuditEntry
		err := rows.Scan(
			&entry.ID, &entry.UpstreamFlowID, &entry.DownstreamFlowID,
			&entry.Scope.AccountID, &entry.Scope.EngagementID,
			&entry.Actor, &entry.Warnings, &entry.CreatedAt,
		)
		if err != nil {
			finishSpan(span, err)
			return nil, wrapError(err, "store: failed to scan transition audit entry")
		}
		normalizeTimes(&entry.CreatedAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "store: failed to iterate transition audit entries")
	}
	finishSpan(span, nil)
	return entries, nil
}

// CascadeCounts reports how many rows a flow deletion removed, per
// category. The flow manager includes these in the caller-facing
// deletion summary.
type CascadeCounts struct {
	// ChildFlows is the number of child records deleted (0 or 1).
	ChildFlows int64 `json:"child_flows"`

	// MasterFlows is the number of master records deleted (0 or 1).
	MasterFlows int64 `json:"master_flows"`

	// AuditEntries is the number of transition audit entries deleted.
	AuditEntries int64 `json:"audit_entries"`

	// ReferencesCleared is the number of other flows whose upstream or
	// downstream back-reference pointed at the deleted flow and was set
	// to NULL.
	ReferencesCleared int64 `json:"references_cleared"`
}

// Total returns the total number of rows deleted.
func (c CascadeCounts) Total() int64 {
	return c.ChildFlows + c.MasterFlows + c.AuditEntries
}

// DeleteFlowCascade deletes a flow's child record, audit entries, and
// master record inside the caller's transaction, in dependency order.
// Returns per-category deletion counts; a zero master count means the
// flow did not exist in the tenant scope.
func (s *Store) DeleteFlowCascade(ctx context.Context, q Querier, scope models.TenantScope, flowID string) (CascadeCounts, error) {
	var counts CascadeCounts
	db := s.db(q)

	childSQL := `DELETE FROM child_flows
		WHERE flow_id = $1 AND account_id = $2 AND engagement_id = $3`
	ctx, span := s.startSpan(ctx, "DeleteFlowCascade", childSQL)

	tag, err := db.Exec(ctx, childSQL, flowID, scope.AccountID, scope.EngagementID)
	if err != nil {
		finishSpan(span, err)
		return counts, wrapError(err, "store: failed to delete child flow")
	}
	counts.ChildFlows = tag.RowsAffected()

	auditSQL := `DELETE FROM transition_audit
		WHERE account_id = $1 AND engagement_id = $2
		  AND (upstream_flow_id = $3 OR downstream_flow_id = $3)`
	tag, err = db.Exec(ctx, auditSQL, scope.AccountID, scope.EngagementID, flowID)
	if err != nil {
		finishSpan(span, err)
		return counts, wrapError(err, "store: failed to delete transition audit entries")
	}
	counts.AuditEntries = tag.RowsAffected()

	masterSQL := `DELETE FROM master_flows
		WHERE flow_id = $1 AND account_id = $2 AND engagement_id = $3`
	tag, err = db.Exec(ctx, masterSQL, flowID, scope.AccountID, scope.EngagementID)
	if err != nil {
		finishSpan(span, err)
		return counts, wrapError(err, "store: failed to delete master flow")
	}
	counts.MasterFlows = tag.RowsAffected()

	// Dangling back-references on counterpart flows are cleared rather
	// than left pointing at a deleted flow.
	refSQL := `UPDATE master_flows SET
			upstream_flow_id = NULLIF(upstream_flow_id, $3),
			downstream_flow_id = NULLIF(downstream_flow_id, $3)
		WHERE account_id = $1 AND engagement_id = $2
		  AND (upstream_flow_id = $3 OR downstream_flow_id = $3)`
	tag, err = db.Exec(ctx, refSQL, scope.AccountID, scope.EngagementID, flowID)
	if err != nil {
		finishSpan(span, err)
		return counts, wrapError(err, "store: failed to clear flow back-references")
	}
	counts.ReferencesCleared = tag.RowsAffected()

	finishSpan(span, nil)
	return counts, nil
}
