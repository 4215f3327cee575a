//go:build integration

// Package archive_test contains integration tests for the flow archive
// that require a running MinIO instance. These tests are gated behind
// the "integration" build tag and are executed in CI with Docker via
// testcontainers.
//
// Run locally with:
//
//	go test -v -race -tags=integration ./pkg/archive/...
package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlowForge/flowforge-core/internal/testutil/containers"
	"github.com/FlowForge/flowforge-core/pkg/archive"
	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// setupArchiver starts a MinIO container and returns a connected
// Archiver with the archive bucket created.
func setupArchiver(t *testing.T) *archive.Archiver {
	t.Helper()
	ctx := context.Background()

	result, err := containers.StartMinIO(ctx)
	require.NoError(t, err, "failed to start minio container")
	t.Cleanup(func() {
		if termErr := result.Container.Terminate(ctx); termErr != nil {
			t.Logf("failed to terminate minio container: %v", termErr)
		}
	})

	cfg := archive.Config{
		Endpoint:  result.Endpoint,
		AccessKey: result.AccessKey,
		SecretKey: archive.Secret(result.SecretKey),
		Bucket:    "flowforge-archives-test",
	}
	a, err := archive.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func integrationScope() models.TenantScope {
	return models.TenantScope{AccountID: "acct-1", EngagementID: "eng-1"}
}

// TestIntegration_SnapshotRoundTrip verifies write, existence check, and
// read of a full flow snapshot against a real object store.
func TestIntegration_SnapshotRoundTrip(t *testing.T) {
	a := setupArchiver(t)
	ctx := context.Background()
	scope := integrationScope()

	ft := models.FlowType{Name: "discovery", Phases: []string{"collect", "analyze", "report"}}
	master, child, err := models.NewFlowPair(ft, scope, map[string]any{"region": "eu"})
	require.NoError(t, err)

	entry, err := models.NewTransitionAuditEntry(master.FlowID, "flow-down", scope, "system", []string{"forced"})
	require.NoError(t, err)

	snap := &archive.Snapshot{
		ArchivedAt:   time.Now().UTC(),
		Reason:       "retention_policy",
		DeletedBy:    "janitor",
		Master:       master,
		Child:        child,
		AuditEntries: []*models.TransitionAuditEntry{entry},
	}

	key, err := a.ArchiveFlow(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, archive.ObjectKey(scope, master.FlowID), key)

	ok, err := a.HasSnapshot(ctx, scope, master.FlowID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := a.GetSnapshot(ctx, scope, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, master.FlowID, got.Master.FlowID)
	assert.Equal(t, "retention_policy", got.Reason)
	require.NotNil(t, got.Child)
	assert.Equal(t, "eu", got.Child.Config["region"])
	require.Len(t, got.AuditEntries, 1)
	assert.Equal(t, master.FlowID, got.AuditEntries[0].UpstreamFlowID)
}

// TestIntegration_SnapshotNotFound verifies the missing-snapshot error
// contract.
func TestIntegration_SnapshotNotFound(t *testing.T) {
	a := setupArchiver(t)
	ctx := context.Background()

	ok, err := a.HasSnapshot(ctx, integrationScope(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.GetSnapshot(ctx, integrationScope(), "absent")
	assert.True(t, fferr.IsNotFound(err))
}

// TestIntegration_SnapshotOverwrite verifies that re-archiving a flow
// replaces the previous snapshot.
func TestIntegration_SnapshotOverwrite(t *testing.T) {
	a := setupArchiver(t)
	ctx := context.Background()
	scope := integrationScope()

	ft := models.FlowType{Name: "discovery", Phases: []string{"collect", "analyze", "report"}}
	master, child, err := models.NewFlowPair(ft, scope, nil)
	require.NoError(t, err)

	_, err = a.ArchiveFlow(ctx, &archive.Snapshot{Master: master, Child: child, Reason: "first"})
	require.NoError(t, err)
	_, err = a.ArchiveFlow(ctx, &archive.Snapshot{Master: master, Child: child, Reason: "second"})
	require.NoError(t, err)

	got, err := a.GetSnapshot(ctx, scope, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Reason)
}
