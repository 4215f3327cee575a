//go:build integration

// Package store_test contains integration tests for the flow store that
// require a running PostgreSQL instance. These tests are gated behind
// the "integration" build tag and are executed in CI with Docker via
// testcontainers.
//
// Run locally with:
//
//	go test -v -race -tags=integration ./pkg/store/...
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlowForge/flowforge-core/internal/testutil/containers"
	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
	"github.com/FlowForge/flowforge-core/pkg/store"
)

// setupStore starts a PostgreSQL 16 container, applies the schema, and
// returns a connected Store. Everything is cleaned up when the test
// completes.
func setupStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	result, err := containers.StartPostgres(ctx)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if termErr := result.Container.Terminate(ctx); termErr != nil {
			t.Logf("failed to terminate postgres container: %v", termErr)
		}
	})

	cfg := store.Config{URI: result.ConnString, MaxConns: 5, MinConns: 1}
	st, err := store.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	require.NoError(t, store.Migrate(ctx, st.Pool()))
	return st
}

func integrationScope() models.TenantScope {
	return models.TenantScope{AccountID: "acct-1", EngagementID: "eng-1"}
}

func createPair(t *testing.T, st *store.Store, scope models.TenantScope, businessKey string) (*models.MasterFlowRecord, *models.ChildFlowRecord) {
	t.Helper()
	ft := models.FlowType{Name: "discovery", Phases: []string{"collect", "analyze", "report"}}
	master, child, err := models.NewFlowPair(ft, scope, map[string]any{"region": "eu"})
	require.NoError(t, err)
	master.BusinessKey = businessKey

	err = st.WithTx(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		if err := st.InsertMasterFlow(ctx, tx, master); err != nil {
			return err
		}
		return st.InsertChildFlow(ctx, tx, child)
	})
	require.NoError(t, err)
	return master, child
}

// ===========================================================================
// Flow Record Round Trips
// ===========================================================================

// TestIntegration_FlowPairRoundTrip verifies insert, load, and update of
// the paired records against real JSONB columns.
func TestIntegration_FlowPairRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	scope := integrationScope()

	master, child := createPair(t, st, scope, "order-42")

	gotMaster, err := st.GetMasterFlow(ctx, nil, scope, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, master.FlowID, gotMaster.FlowID)
	assert.Equal(t, "order-42", gotMaster.BusinessKey)
	assert.Equal(t, models.FlowStatusInitialized, gotMaster.Status)
	assert.Equal(t, "collect", gotMaster.CurrentPhase)

	gotChild, err := st.GetChildFlow(ctx, nil, scope, child.FlowID)
	require.NoError(t, err)
	require.Len(t, gotChild.Phases, 3)
	assert.Equal(t, "eu", gotChild.Config["region"])

	// Mutate and round-trip again.
	gotMaster.Status = models.FlowStatusRunning
	gotMaster.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.UpdateMasterFlow(ctx, nil, gotMaster))

	gotChild.OperationalStatus = models.OperationalStatusInProgress
	now := time.Now().UTC()
	gotChild.Phases[0].Status = models.PhaseStatusInProgress
	gotChild.Phases[0].StartedAt = &now
	gotChild.WorkingState["collected_records"] = float64(120)
	gotChild.UpdatedAt = now
	require.NoError(t, st.UpdateChildFlow(ctx, nil, gotChild))

	reloaded, err := st.GetChildFlow(ctx, nil, scope, child.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationalStatusInProgress, reloaded.OperationalStatus)
	assert.Equal(t, models.PhaseStatusInProgress, reloaded.Phases[0].Status)
	require.NotNil(t, reloaded.Phases[0].StartedAt)
	assert.Equal(t, float64(120), reloaded.WorkingState["collected_records"])
}

// TestIntegration_TenantIsolation verifies that another tenant's scope
// cannot see or update the flow.
func TestIntegration_TenantIsolation(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	master, _ := createPair(t, st, integrationScope(), "")

	other := models.TenantScope{AccountID: "acct-2", EngagementID: "eng-2"}
	_, err := st.GetMasterFlow(ctx, nil, other, master.FlowID)
	assert.True(t, fferr.IsNotFound(err))

	stolen := *master
	stolen.Scope = other
	stolen.Status = models.FlowStatusCancelled
	err = st.UpdateMasterFlow(ctx, nil, &stolen)
	assert.True(t, fferr.IsNotFound(err))
}

// TestIntegration_BusinessKeyUniqueAmongActive verifies the partial
// unique index: a live flow blocks reuse of its business key, a
// terminal one does not.
func TestIntegration_BusinessKeyUniqueAmongActive(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	scope := integrationScope()
	master, _ := createPair(t, st, scope, "order-42")

	ft := models.FlowType{Name: "discovery", Phases: []string{"collect", "analyze", "report"}}
	dup, dupChild, err := models.NewFlowPair(ft, scope, nil)
	require.NoError(t, err)
	dup.BusinessKey = "order-42"

	err = st.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := st.InsertMasterFlow(ctx, tx, dup); err != nil {
			return err
		}
		return st.InsertChildFlow(ctx, tx, dupChild)
	})
	require.Error(t, err)
	assert.True(t, fferr.IsConflict(err))

	// Terminate the first flow; the key becomes reusable.
	master.Status = models.FlowStatusCancelled
	master.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.UpdateMasterFlow(ctx, nil, master))

	err = st.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := st.InsertMasterFlow(ctx, tx, dup); err != nil {
			return err
		}
		return st.InsertChildFlow(ctx, tx, dupChild)
	})
	require.NoError(t, err)

	found, err := st.GetMasterFlowByBusinessKey(ctx, nil, scope, "discovery", "order-42")
	require.NoError(t, err)
	assert.Equal(t, dup.FlowID, found.FlowID)
}

// ===========================================================================
// Idempotency Claim Semantics
// ===========================================================================

// TestIntegration_ClaimIdempotencyKey verifies the single-statement
// claim: fresh key claimed, live key refused, failed and expired keys
// reclaimed.
func TestIntegration_ClaimIdempotencyKey(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.IdempotencyRecord{
		Key:       "create_flow_deadbeefdeadbeef",
		Operation: "create_flow",
		Status:    models.IdempotencyStatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}

	claimed, err := st.ClaimIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = st.ClaimIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	assert.False(t, claimed, "live record must block the claim")

	// A failed record permits a retry claim.
	rec.Status = models.IdempotencyStatusFailed
	rec.ErrorMessage = "boom"
	require.NoError(t, st.UpdateIdempotencyRecord(ctx, rec))

	retry := *rec
	retry.Status = models.IdempotencyStatusInProgress
	retry.ErrorMessage = ""
	claimed, err = st.ClaimIdempotencyKey(ctx, &retry)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Expired records are reclaimable and cleanable.
	expired := retry
	expired.Key = "create_flow_feedfacefeedface"
	expired.CreatedAt = now.Add(-2 * time.Hour)
	expired.UpdatedAt = expired.CreatedAt
	expired.ExpiresAt = now.Add(-time.Hour)
	claimed, err = st.ClaimIdempotencyKey(ctx, &expired)
	require.NoError(t, err)
	assert.True(t, claimed)

	removed, err := st.DeleteExpiredIdempotencyRecords(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

// ===========================================================================
// Cascade Deletion
// ===========================================================================

// TestIntegration_DeleteFlowCascade verifies per-category counts and
// back-reference cleanup against real foreign keys.
func TestIntegration_DeleteFlowCascade(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	scope := integrationScope()

	up, _ := createPair(t, st, scope, "")
	down, _ := createPair(t, st, scope, "")

	// Link the two flows and record the handoff.
	up.DownstreamFlowID = &down.FlowID
	up.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.UpdateMasterFlow(ctx, nil, up))
	down.UpstreamFlowID = &up.FlowID
	down.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.UpdateMasterFlow(ctx, nil, down))

	entry, err := models.NewTransitionAuditEntry(up.FlowID, down.FlowID, scope, "system", nil)
	require.NoError(t, err)
	require.NoError(t, st.InsertTransitionAudit(ctx, nil, entry))

	var counts store.CascadeCounts
	err = st.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		counts, err = st.DeleteFlowCascade(ctx, tx, scope, down.FlowID)
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.ChildFlows)
	assert.EqualValues(t, 1, counts.MasterFlows)
	assert.EqualValues(t, 1, counts.AuditEntries)
	assert.EqualValues(t, 1, counts.ReferencesCleared)

	_, err = st.GetMasterFlow(ctx, nil, scope, down.FlowID)
	assert.True(t, fferr.IsNotFound(err))

	// The upstream flow survives with its dangling reference cleared.
	survivor, err := st.GetMasterFlow(ctx, nil, scope, up.FlowID)
	require.NoError(t, err)
	assert.Nil(t, survivor.DownstreamFlowID)
}
