package flow

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// UpdatePhase applies a phase status change to a flow inside one
// transaction, synchronizing the master record with the child: master
// and child change together or not at all.
//
// Phase ordering is strict: the named phase must be the flow's current
// phase. Completing a non-final phase advances the current-phase
// pointer and leaves the master running; completing the final phase
// completes both records and sets the current phase to the terminal
// sentinel; a phase failure fails both records. The phaseData document
// is merged into the child's working state (later phases may overwrite
// earlier keys).
//
// Error codes returned:
//   - [fferr.CodeNotFoundFlow]: flow absent or outside the tenant scope
//   - [fferr.CodeInvalidStatePhaseOrder]: phase is not the current phase
//   - [fferr.CodeInvalidState]: flow paused or already terminal
//   - [fferr.CodeValidation]: unsupported target phase status
func (m *Manager) UpdatePhase(ctx context.Context, scope models.TenantScope, flowID, phaseName string, status models.PhaseStatus, phaseData map[string]any) (*models.ChildFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "UpdatePhase", scope, flowID)

	var child *models.ChildFlowRecord
	err := m.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		child, err = m.updatePhaseTx(ctx, tx, scope, flowID, phaseName, status, phaseData)
		return err
	})
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}

	m.mirrorWorkingState(ctx, child)
	return child, nil
}

func (m *Manager) updatePhaseTx(ctx context.Context, tx pgx.Tx, scope models.TenantScope, flowID, phaseName string, status models.PhaseStatus, phaseData map[string]any) (*models.ChildFlowRecord, error) {
	switch status {
	case models.PhaseStatusInProgress, models.PhaseStatusCompleted, models.PhaseStatusFailed:
	default:
		return nil, fferr.Validationf("flow: unsupported phase status %q", status)
	}

	master, err := m.store.GetMasterFlowForUpdate(ctx, tx, scope, flowID)
	if err != nil {
		return nil, err
	}
	child, err := m.store.GetChildFlowForUpdate(ctx, tx, scope, flowID)
	if err != nil {
		return nil, err
	}
	ft, err := m.registry.typeFor(master)
	if err != nil {
		return nil, err
	}

	if master.Status == models.FlowStatusPaused {
		return nil, fferr.InvalidStatef(
			"flow: cannot update phase of paused flow %q; resume it first", flowID)
	}
	if master.Status.IsTerminal() {
		return nil, fferr.InvalidStatef(
			"flow: cannot update phase of %s flow %q", master.Status, flowID)
	}

	// Strict ordering: only the current phase may change state.
	if phaseName != master.CurrentPhase {
		return nil, fferr.Newf(fferr.CodeInvalidStatePhaseOrder,
			"flow: phase %q is not the current phase of flow %q (current: %q)",
			phaseName, flowID, master.CurrentPhase).
			WithDetail("current_phase", master.CurrentPhase).
			WithDetail("requested_phase", phaseName)
	}

	phase := child.Phase(phaseName)
	if phase == nil {
		return nil, fferr.Internalf(
			"flow: child record of flow %q is missing phase %q", flowID, phaseName)
	}

	now := m.now()
	if child.WorkingState == nil {
		child.WorkingState = make(map[string]any)
	}
	for k, v := range phaseData {
		child.WorkingState[k] = v
	}

	switch status {
	case models.PhaseStatusInProgress:
		phase.Status = models.PhaseStatusInProgress
		if phase.StartedAt == nil {
			phase.StartedAt = &now
		}
		child.OperationalStatus = models.OperationalStatusInProgress
		if master.Status == models.FlowStatusInitialized {
			master.Status = models.FlowStatusRunning
		}

	case models.PhaseStatusCompleted:
		phase.Status = models.PhaseStatusCompleted
		if phase.StartedAt == nil {
			phase.StartedAt = &now
		}
		phase.CompletedAt = &now
		if ft.IsFinalPhase(phaseName) {
			child.OperationalStatus = models.OperationalStatusCompleted
			master.Status = models.FlowStatusCompleted
			master.CurrentPhase = models.PhaseTerminal
		} else {
			next, err := ft.NextPhase(phaseName)
			if err != nil {
				return nil, fferr.Wrap(err, fferr.CodeInternal,
					"flow: failed to resolve next phase")
			}
			child.OperationalStatus = models.OperationalStatusInProgress
			master.Status = models.FlowStatusRunning
			master.CurrentPhase = next
		}

	case models.PhaseStatusFailed:
		phase.Status = models.PhaseStatusFailed
		phase.CompletedAt = &now
		child.OperationalStatus = models.OperationalStatusFailed
		master.Status = models.FlowStatusFailed
	}

	master.UpdatedAt = now
	child.UpdatedAt = now
	if err := m.store.UpdateMasterFlow(ctx, tx, master); err != nil {
		return nil, err
	}
	if err := m.store.UpdateChildFlow(ctx, tx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// PauseFlow cooperatively suspends a running flow. The child's current
// operational status is preserved in the working-state document under
// [models.WorkingStateStatusBeforePause] and restored on resume.
// In-flight phase work is not interrupted; the pause takes effect at
// the next phase update, which is rejected while paused.
//
// Error codes returned:
//   - [fferr.CodeNotFoundFlow]: flow absent or outside the tenant scope
//   - [fferr.CodeInvalidState]: flow is not running
func (m *Manager) PauseFlow(ctx context.Context, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "PauseFlow", scope, flowID)

	var master *models.MasterFlowRecord
	var child *models.ChildFlowRecord
	err := m.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		master, err = m.store.GetMasterFlowForUpdate(ctx, tx, scope, flowID)
		if err != nil {
			return err
		}
		if master.Status != models.FlowStatusRunning {
			return fferr.InvalidStatef(
				"flow: cannot pause flow %q in status %q; only running flows pause",
				flowID, master.Status)
		}
		child, err = m.store.GetChildFlowForUpdate(ctx, tx, scope, flowID)
		if err != nil {
			return err
		}

		now := m.now()
		if child.WorkingState == nil {
			child.WorkingState = make(map[string]any)
		}
		child.WorkingState[models.WorkingStateStatusBeforePause] = string(child.OperationalStatus)
		child.OperationalStatus = models.OperationalStatusPaused
		child.UpdatedAt = now

		master.Status = models.FlowStatusPaused
		master.UpdatedAt = now

		if err := m.store.UpdateMasterFlow(ctx, tx, master); err != nil {
			return err
		}
		return m.store.UpdateChildFlow(ctx, tx, child)
	})
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}

	m.mirrorWorkingState(ctx, child)
	return master, nil
}

// ResumeFlow returns a paused flow to running, restoring the child's
// pre-pause operational status and recording the resume timestamp under
// [models.WorkingStateResumedAt].
//
// Error codes returned:
//   - [fferr.CodeNotFoundFlow]: flow absent or outside the tenant scope
//   - [fferr.CodeInvalidState]: flow is not paused
func (m *Manager) ResumeFlow(ctx context.Context, scope models.TenantScope, flowID string) (*models.MasterFlowRecord, error) {
	ctx, span := m.startSpan(ctx, "ResumeFlow", scope, flowID)

	var master *models.MasterFlowRecord
	var child *models.ChildFlowRecord
	err := m.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		master, err = m.store.GetMasterFlowForUpdate(ctx, tx, scope, flowID)
		if err != nil {
			return err
		}
		if master.Status != models.FlowStatusPaused {
			return fferr.InvalidStatef(
				"flow: cannot resume flow %q in status %q; only paused flows resume",
				flowID, master.Status)
		}
		child, err = m.store.GetChildFlowForUpdate(ctx, tx, scope, flowID)
		if err != nil {
			return err
		}

		now := m.now()
		child.OperationalStatus = m.restoredStatus(ctx, child, flowID)
		delete(child.WorkingState, models.WorkingStateStatusBeforePause)
		child.WorkingState[models.WorkingStateResumedAt] = now.Format(time.RFC3339)
		child.UpdatedAt = now

		master.Status = models.FlowStatusRunning
		master.UpdatedAt = now

		if err := m.store.UpdateMasterFlow(ctx, tx, master); err != nil {
			return err
		}
		return m.store.UpdateChildFlow(ctx, tx, child)
	})
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}

	m.mirrorWorkingState(ctx, child)
	return master, nil
}

// restoredStatus resolves the operational status to restore on resume.
// A missing or unrecognized stored value falls back to in_progress with
// a logged warning; a paused flow was necessarily doing work.
func (m *Manager) restoredStatus(ctx context.Context, child *models.ChildFlowRecord, flowID string) models.OperationalStatus {
	raw, ok := child.WorkingState[models.WorkingStateStatusBeforePause].(string)
	if ok {
		restored := models.OperationalStatus(raw)
		if restored.Valid() && restored != models.OperationalStatusPaused {
			return restored
		}
	}
	m.logger.WarnContext(ctx, "flow: missing or invalid status-before-pause value, restoring to in_progress",
		"flow_id", flowID)
	return models.OperationalStatusInProgress
}
