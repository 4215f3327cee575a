package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlowForge/flowforge-core/pkg/archive"
	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// ===========================================================================
// Fake Archiver
// ===========================================================================

// fakeArchiver records archived snapshots, with optional error
// injection.
type fakeArchiver struct {
	snapshots []*archive.Snapshot
	err       error
}

func (f *fakeArchiver) ArchiveFlow(ctx context.Context, snapshot *archive.Snapshot) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.snapshots = append(f.snapshots, snapshot)
	return "flows/" + snapshot.Master.Scope.String() + "/" + snapshot.Master.FlowID + ".json", nil
}

func newTestCleaner(t *testing.T, fs *fakeStore, opts ...CleanerOption) *Cleaner {
	t.Helper()
	c, err := NewCleaner(fs, opts...)
	require.NoError(t, err)
	return c
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

// ===========================================================================
// Deletion
// ===========================================================================

// TestDeleteFlow verifies a completed flow is archived, removed in full,
// and purged from the mirror.
func TestDeleteFlow(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	arch := &fakeArchiver{}
	mirror := newFakeMirror()
	mirror.entries[testScope().String()+"/"+up.FlowID] = map[string]any{"collect_summary": "done"}
	c := newTestCleaner(t, fs,
		WithArchiver(arch),
		WithCleanerMirror(mirror))
	ctx := context.Background()

	summary, err := c.DeleteFlow(ctx, testScope(), up.FlowID, DeleteOptions{
		Reason: "engagement closed",
		Actor:  "operator",
	})
	require.NoError(t, err)

	assert.True(t, summary.Archived)
	assert.NotEmpty(t, summary.ArchiveKey)
	assert.Equal(t, int64(1), summary.Counts.MasterFlows)
	assert.Equal(t, int64(1), summary.Counts.ChildFlows)

	// Snapshot carries the full state, including the reason and actor.
	require.Len(t, arch.snapshots, 1)
	snap := arch.snapshots[0]
	assert.Equal(t, "engagement closed", snap.Reason)
	assert.Equal(t, "operator", snap.DeletedBy)
	assert.Equal(t, up.FlowID, snap.Master.FlowID)
	require.NotNil(t, snap.Child)

	// Both records gone, mirror entry purged.
	_, err = fs.GetMasterFlow(ctx, nil, testScope(), up.FlowID)
	assert.True(t, fferr.IsNotFound(err))
	_, err = fs.GetChildFlow(ctx, nil, testScope(), up.FlowID)
	assert.True(t, fferr.IsNotFound(err))
	assert.Empty(t, mirror.entries)
}

// TestDeleteFlow_RefusesActive verifies an active flow is not deleted
// without force.
func TestDeleteFlow_RefusesActive(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	m := newTestManager(t, fs)
	ctx := context.Background()
	master, _, err := m.CreateFlow(ctx, "discovery", testScope(), nil)
	require.NoError(t, err)

	c := newTestCleaner(t, fs, WithArchiver(&fakeArchiver{}))
	_, err = c.DeleteFlow(ctx, testScope(), master.FlowID, DeleteOptions{})
	require.Error(t, err)
	assert.True(t, fferr.HasCode(err, fferr.CodeInvalidStateActive))

	// Still present.
	_, err = fs.GetMasterFlow(ctx, nil, testScope(), master.FlowID)
	assert.NoError(t, err)
}

// TestDeleteFlow_ForceActive verifies force deletes an active flow and
// records the bypass as a warning.
func TestDeleteFlow_ForceActive(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	m := newTestManager(t, fs)
	ctx := context.Background()
	master, _, err := m.CreateFlow(ctx, "discovery", testScope(), nil)
	require.NoError(t, err)
	_, err = m.UpdatePhase(ctx, testScope(), master.FlowID, "collect", models.PhaseStatusInProgress, nil)
	require.NoError(t, err)

	c := newTestCleaner(t, fs, WithArchiver(&fakeArchiver{}))
	summary, err := c.DeleteFlow(ctx, testScope(), master.FlowID, DeleteOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, hasWarning(summary.Warnings, "deleted with force"))

	_, err = fs.GetMasterFlow(ctx, nil, testScope(), master.FlowID)
	assert.True(t, fferr.IsNotFound(err))
}

// TestDeleteFlow_SignificantProgress verifies completed phase work is
// surfaced as a warning before the flow disappears.
func TestDeleteFlow_SignificantProgress(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	c := newTestCleaner(t, fs, WithArchiver(&fakeArchiver{}))

	summary, err := c.DeleteFlow(context.Background(), testScope(), up.FlowID, DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, hasWarning(summary.Warnings, "3 completed phases"))
}

// TestDeleteFlow_ArchiveFailureAborts verifies a failed snapshot leaves
// the flow untouched.
func TestDeleteFlow_ArchiveFailureAborts(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	c := newTestCleaner(t, fs, WithArchiver(&fakeArchiver{err: fferr.Internal("storage down")}))
	ctx := context.Background()

	_, err := c.DeleteFlow(ctx, testScope(), up.FlowID, DeleteOptions{})
	require.Error(t, err)
	assert.True(t, fferr.IsUnavailable(err))

	// Nothing was deleted.
	_, err = fs.GetMasterFlow(ctx, nil, testScope(), up.FlowID)
	assert.NoError(t, err)
	_, err = fs.GetChildFlow(ctx, nil, testScope(), up.FlowID)
	assert.NoError(t, err)
}

// TestDeleteFlow_NoArchiver verifies deletion proceeds without an
// archiver, flagged in the summary.
func TestDeleteFlow_NoArchiver(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	c := newTestCleaner(t, fs)

	summary, err := c.DeleteFlow(context.Background(), testScope(), up.FlowID, DeleteOptions{})
	require.NoError(t, err)
	assert.False(t, summary.Archived)
	assert.True(t, hasWarning(summary.Warnings, "no archive configured"))
}

// TestDeleteFlow_MirrorFailureWarns verifies a mirror purge failure does
// not undo the committed deletion.
func TestDeleteFlow_MirrorFailureWarns(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	mirror := newFakeMirror()
	mirror.err = fferr.Unavailable("mirror down")
	c := newTestCleaner(t, fs,
		WithArchiver(&fakeArchiver{}),
		WithCleanerMirror(mirror))
	ctx := context.Background()

	summary, err := c.DeleteFlow(ctx, testScope(), up.FlowID, DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, hasWarning(summary.Warnings, "mirror purge failed"))

	_, err = fs.GetMasterFlow(ctx, nil, testScope(), up.FlowID)
	assert.True(t, fferr.IsNotFound(err))
}

// TestDeleteFlow_ClearsBackReferences verifies deleting a downstream
// flow clears the upstream's dangling reference.
func TestDeleteFlow_ClearsBackReferences(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	tr := newTestTransitioner(t, fs, WithMetricsSource(&fakeMetrics{inputs: readyInputs()}))
	ctx := context.Background()
	result, err := tr.Transition(ctx, testScope(), up.FlowID, "migration", TransitionOptions{})
	require.NoError(t, err)

	c := newTestCleaner(t, fs, WithArchiver(&fakeArchiver{}))
	summary, err := c.DeleteFlow(ctx, testScope(), result.Downstream.FlowID, DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Counts.ReferencesCleared)

	reloaded, err := fs.GetMasterFlow(ctx, nil, testScope(), up.FlowID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.DownstreamFlowID)
}

// TestDeleteFlow_ArchivesAuditTrail verifies the snapshot carries the
// flow's transition audit entries.
func TestDeleteFlow_ArchivesAuditTrail(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	tr := newTestTransitioner(t, fs, WithMetricsSource(&fakeMetrics{inputs: readyInputs()}))
	ctx := context.Background()
	_, err := tr.Transition(ctx, testScope(), up.FlowID, "migration", TransitionOptions{})
	require.NoError(t, err)

	arch := &fakeArchiver{}
	c := newTestCleaner(t, fs, WithArchiver(arch))
	summary, err := c.DeleteFlow(ctx, testScope(), up.FlowID, DeleteOptions{})
	require.NoError(t, err)

	require.Len(t, arch.snapshots, 1)
	assert.Len(t, arch.snapshots[0].AuditEntries, 1)
	assert.Equal(t, int64(1), summary.Counts.AuditEntries)
}

// TestDeleteFlow_TenantScoped verifies another tenant cannot delete the
// flow.
func TestDeleteFlow_TenantScoped(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	up := createUpstream(t, fs)
	c := newTestCleaner(t, fs, WithArchiver(&fakeArchiver{}))
	ctx := context.Background()

	_, err := c.DeleteFlow(ctx, otherScope(), up.FlowID, DeleteOptions{})
	assert.True(t, fferr.IsNotFound(err))

	_, err = fs.GetMasterFlow(ctx, nil, testScope(), up.FlowID)
	assert.NoError(t, err)
}
